package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
)

// DefaultCategory applies to markets missing from the category map.
const DefaultCategory = "uncategorized"

var hundred = decimal.NewFromInt(100)

// ExitConfig selects the exit policy attached to newly opened positions.
type ExitConfig struct {
	Mode ledgerstore.ExitMode
	// TakeProfitPct and StopLossPct are distances from the average entry price, in percent.
	TakeProfitPct decimal.Decimal
	StopLossPct   decimal.Decimal
}

// Policy returns the tagged exit policy for a position entered at price.
func (c ExitConfig) Policy(limits risk.Limits, entryPrice decimal.Decimal) ledgerstore.ExitPolicy {
	if c.Mode != ledgerstore.ExitTPSL {
		return ledgerstore.MirrorExit()
	}
	tp := decimal.Zero
	if c.TakeProfitPct.IsPositive() {
		tp = clampPrice(limits, entryPrice.Mul(hundred.Add(c.TakeProfitPct)).Div(hundred))
	}
	sl := decimal.Zero
	if c.StopLossPct.IsPositive() {
		sl = clampPrice(limits, entryPrice.Mul(hundred.Sub(c.StopLossPct)).Div(hundred))
	}
	return ledgerstore.TPSLExit(tp, sl)
}

func clampPrice(limits risk.Limits, price decimal.Decimal) decimal.Decimal {
	if limits.MinPrice.IsPositive() && price.LessThan(limits.MinPrice) {
		return limits.MinPrice
	}
	if limits.MaxPrice.IsPositive() && price.GreaterThan(limits.MaxPrice) {
		return limits.MaxPrice
	}
	return price
}

// Config tunes the lifecycle manager.
type Config struct {
	Exit ExitConfig
	// Categories maps market ids to exposure categories.
	Categories      map[string]string
	DefaultCategory string
	// PartialFillTimeout cancels working orders that have not completed in time. Zero
	// leaves them working until the venue reports completion.
	PartialFillTimeout time.Duration
	TickInterval       time.Duration
	// Retention is how long terminal ledger entries stay in the live table.
	Retention       time.Duration
	ArchiveInterval time.Duration
	// SubmitRate caps gateway submissions per second. Zero disables the throttle.
	SubmitRate  float64
	SubmitBurst int
}

// DefaultConfig returns mirror exits, a two minute fill timeout and a five second tick.
func DefaultConfig() Config {
	return Config{
		Exit:               ExitConfig{Mode: ledgerstore.ExitMirror},
		DefaultCategory:    DefaultCategory,
		PartialFillTimeout: 2 * time.Minute,
		TickInterval:       5 * time.Second,
		Retention:          30 * 24 * time.Hour,
		ArchiveInterval:    time.Hour,
		SubmitRate:         5,
		SubmitBurst:        1,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Exit.Mode == "" {
		c.Exit.Mode = defaults.Exit.Mode
	}
	if strings.TrimSpace(c.DefaultCategory) == "" {
		c.DefaultCategory = defaults.DefaultCategory
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaults.Retention
	}
	if c.ArchiveInterval <= 0 {
		c.ArchiveInterval = defaults.ArchiveInterval
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 1
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch c.Exit.Mode {
	case "", ledgerstore.ExitMirror:
	case ledgerstore.ExitTPSL:
		if !c.Exit.TakeProfitPct.IsPositive() && !c.Exit.StopLossPct.IsPositive() {
			return fmt.Errorf("lifecycle: tp_sl exit needs a take profit or stop loss")
		}
		if c.Exit.StopLossPct.GreaterThanOrEqual(hundred) {
			return fmt.Errorf("lifecycle: stop loss must be below 100%%")
		}
	default:
		return fmt.Errorf("lifecycle: unknown exit mode %q", c.Exit.Mode)
	}
	if c.SubmitRate < 0 {
		return fmt.Errorf("lifecycle: submit rate must be >= 0")
	}
	if c.PartialFillTimeout < 0 {
		return fmt.Errorf("lifecycle: partial fill timeout must be >= 0")
	}
	return nil
}

// Category resolves the exposure category of a market.
func (c Config) Category(marketID string) string {
	if cat, ok := c.Categories[marketID]; ok && strings.TrimSpace(cat) != "" {
		return cat
	}
	if c.DefaultCategory == "" {
		return DefaultCategory
	}
	return c.DefaultCategory
}
