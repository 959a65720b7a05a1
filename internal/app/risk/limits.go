// Package risk implements the pre-trade risk gate and the shared trade intent simulation.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CopyMode selects the position sizing formula.
type CopyMode string

const (
	// CopyProportional scales the leader size by follower/leader bankroll.
	CopyProportional CopyMode = "proportional"
	// CopyFixed spends a fixed stake per copied trade.
	CopyFixed CopyMode = "fixed"
)

// Limits is the immutable per-session risk configuration. Percentages are expressed
// in percent (2 means 2%). Zero exposure caps disable that check.
type Limits struct {
	MaxSlippagePct         decimal.Decimal
	MaxSpreadPct           decimal.Decimal
	MinLiquidity           decimal.Decimal
	MaxExposurePerMarket   decimal.Decimal
	MaxExposurePerCategory decimal.Decimal
	CopyMode               CopyMode
	StakeUnit              decimal.Decimal
	MinTradeNotional       decimal.Decimal
	MaxTradeNotional       decimal.Decimal
	MaxPlanAge             time.Duration
	SaneSpreadPct          decimal.Decimal
	MinPrice               decimal.Decimal
	MaxPrice               decimal.Decimal
}

// DefaultLimits returns conservative limits for binary outcome markets.
func DefaultLimits() Limits {
	return Limits{
		MaxSlippagePct:         decimal.NewFromInt(5),
		MaxSpreadPct:           decimal.NewFromInt(5),
		MinLiquidity:           decimal.NewFromInt(100),
		MaxExposurePerMarket:   decimal.NewFromInt(50),
		MaxExposurePerCategory: decimal.NewFromInt(150),
		CopyMode:               CopyProportional,
		StakeUnit:              decimal.NewFromInt(5),
		MinTradeNotional:       decimal.NewFromInt(1),
		MaxTradeNotional:       decimal.NewFromInt(25),
		MaxPlanAge:             time.Minute,
		SaneSpreadPct:          decimal.NewFromInt(50),
		MinPrice:               decimal.RequireFromString("0.001"),
		MaxPrice:               decimal.RequireFromString("0.999"),
	}
}

// Validate reports configuration errors.
func (l Limits) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"maxSlippagePct":         l.MaxSlippagePct,
		"maxSpreadPct":           l.MaxSpreadPct,
		"minLiquidity":           l.MinLiquidity,
		"maxExposurePerMarket":   l.MaxExposurePerMarket,
		"maxExposurePerCategory": l.MaxExposurePerCategory,
		"minTradeNotional":       l.MinTradeNotional,
		"maxTradeNotional":       l.MaxTradeNotional,
		"saneSpreadPct":          l.SaneSpreadPct,
	} {
		if v.IsNegative() {
			return fmt.Errorf("risk limits: %s must be >= 0", name)
		}
	}
	switch l.CopyMode {
	case CopyProportional:
	case CopyFixed:
		if !l.StakeUnit.IsPositive() {
			return fmt.Errorf("risk limits: stakeUnit must be > 0 in fixed mode")
		}
	default:
		return fmt.Errorf("risk limits: unknown copy mode %q", l.CopyMode)
	}
	if l.MaxTradeNotional.IsPositive() && l.MaxTradeNotional.LessThan(l.MinTradeNotional) {
		return fmt.Errorf("risk limits: maxTradeNotional below minTradeNotional")
	}
	if !l.MinPrice.IsPositive() || !l.MaxPrice.GreaterThan(l.MinPrice) {
		return fmt.Errorf("risk limits: price bounds must satisfy 0 < minPrice < maxPrice")
	}
	if l.MaxPlanAge < 0 {
		return fmt.Errorf("risk limits: maxPlanAge must be >= 0")
	}
	return nil
}
