package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/app/breaker"
	"github.com/coachpo/tandem/internal/app/lifecycle"
	"github.com/coachpo/tandem/internal/app/retry"
	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/app/sizing"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/market"
	"github.com/coachpo/tandem/internal/infra/paper"
	"github.com/coachpo/tandem/internal/infra/telemetry"
	"github.com/coachpo/tandem/internal/observability"
)

// RiskLimits converts the risk and copy sections into gate limits.
func (c AppConfig) RiskLimits() (risk.Limits, error) {
	limits := risk.Limits{CopyMode: risk.CopyMode(c.Copy.Mode)}
	r := c.Risk
	if err := parseDecimals(
		decimalField{"maxSlippagePct", r.MaxSlippagePct, &limits.MaxSlippagePct},
		decimalField{"maxSpreadPct", r.MaxSpreadPct, &limits.MaxSpreadPct},
		decimalField{"minLiquidity", r.MinLiquidity, &limits.MinLiquidity},
		decimalField{"maxExposurePerMarket", r.MaxExposurePerMarket, &limits.MaxExposurePerMarket},
		decimalField{"maxExposurePerCategory", r.MaxExposurePerCategory, &limits.MaxExposurePerCategory},
		decimalField{"minTradeNotional", r.MinTradeNotional, &limits.MinTradeNotional},
		decimalField{"maxTradeNotional", r.MaxTradeNotional, &limits.MaxTradeNotional},
		decimalField{"saneSpreadPct", r.SaneSpreadPct, &limits.SaneSpreadPct},
		decimalField{"minPrice", r.MinPrice, &limits.MinPrice},
		decimalField{"maxPrice", r.MaxPrice, &limits.MaxPrice},
		decimalField{"stakeUnit", c.Copy.StakeUnit, &limits.StakeUnit},
	); err != nil {
		return risk.Limits{}, err
	}
	age, err := parseDuration("maxPlanAge", r.MaxPlanAge)
	if err != nil {
		return risk.Limits{}, err
	}
	limits.MaxPlanAge = age
	if err := limits.Validate(); err != nil {
		return risk.Limits{}, err
	}
	return limits, nil
}

// SizingConfig converts the copy and leaders sections into sizer parameters.
func (c AppConfig) SizingConfig() (sizing.Config, error) {
	cfg := sizing.Config{
		Mode:            risk.CopyMode(c.Copy.Mode),
		Policy:          sizing.BankrollPolicy(c.Copy.BankrollPolicy),
		LeaderBankrolls: make(map[string]decimal.Decimal, len(c.Leaders)),
	}
	if err := parseDecimals(
		decimalField{"stakeUnit", c.Copy.StakeUnit, &cfg.StakeUnit},
		decimalField{"followerBankroll", c.Copy.FollowerBankroll, &cfg.FollowerBankroll},
		decimalField{"defaultLeaderBankroll", c.Copy.DefaultLeaderBankroll, &cfg.DefaultLeaderBankroll},
		decimalField{"bankrollFloor", c.Copy.BankrollFloor, &cfg.Floor},
		decimalField{"minTradeNotional", c.Risk.MinTradeNotional, &cfg.MinTradeNotional},
		decimalField{"maxTradeNotional", c.Risk.MaxTradeNotional, &cfg.MaxTradeNotional},
	); err != nil {
		return sizing.Config{}, err
	}
	for _, leader := range c.Leaders {
		if leader.Bankroll == "" {
			continue
		}
		v, err := parseDecimal("leader "+leader.ID+" bankroll", leader.Bankroll)
		if err != nil {
			return sizing.Config{}, err
		}
		cfg.LeaderBankrolls[leader.ID] = v
	}
	if err := cfg.Validate(); err != nil {
		return sizing.Config{}, err
	}
	return cfg, nil
}

// LifecycleConfig converts the exit, categories and execution sections.
func (c AppConfig) LifecycleConfig() (lifecycle.Config, error) {
	cfg := lifecycle.Config{
		Exit:            lifecycle.ExitConfig{Mode: ledgerstore.ExitMode(c.Exit.Mode)},
		Categories:      c.Categories.Markets,
		DefaultCategory: c.Categories.Default,
		SubmitRate:      c.Execution.SubmitRate,
		SubmitBurst:     c.Execution.SubmitBurst,
	}
	if err := parseDecimals(
		decimalField{"takeProfitPct", c.Exit.TakeProfitPct, &cfg.Exit.TakeProfitPct},
		decimalField{"stopLossPct", c.Exit.StopLossPct, &cfg.Exit.StopLossPct},
	); err != nil {
		return lifecycle.Config{}, err
	}
	ex := c.Execution
	if err := parseDurations(
		durationField{"partialFillTimeout", ex.PartialFillTimeout, &cfg.PartialFillTimeout},
		durationField{"tickInterval", ex.TickInterval, &cfg.TickInterval},
		durationField{"retention", ex.Retention, &cfg.Retention},
		durationField{"archiveInterval", ex.ArchiveInterval, &cfg.ArchiveInterval},
	); err != nil {
		return lifecycle.Config{}, err
	}
	if ex.Workers <= 0 {
		return lifecycle.Config{}, fmt.Errorf("workers must be >0")
	}
	if err := cfg.Validate(); err != nil {
		return lifecycle.Config{}, err
	}
	return cfg, nil
}

// BreakerConfig converts the circuitBreaker section.
func (c AppConfig) BreakerConfig() (breaker.Config, error) {
	cb := c.CircuitBreaker
	cooldown, err := parseDuration("cooldown", cb.Cooldown)
	if err != nil {
		return breaker.Config{}, err
	}
	if cb.RejectRate > 1 {
		return breaker.Config{}, fmt.Errorf("rejectRate must be within [0,1]")
	}
	if cb.MinSamples > cb.Window {
		return breaker.Config{}, fmt.Errorf("minSamples must be <= window")
	}
	return breaker.Config{
		ConsecutiveErrors: cb.ConsecutiveErrors,
		RejectRate:        cb.RejectRate,
		MinSamples:        cb.MinSamples,
		Window:            cb.Window,
		Cooldown:          cooldown,
	}, nil
}

// RetryPolicy converts the retry section.
func (c AppConfig) RetryPolicy() (retry.Policy, error) {
	p := retry.Policy{MaxAttempts: c.Retry.MaxAttempts, Jitter: c.Retry.Jitter}
	if err := parseDurations(
		durationField{"baseDelay", c.Retry.BaseDelay, &p.BaseDelay},
		durationField{"maxDelay", c.Retry.MaxDelay, &p.MaxDelay},
	); err != nil {
		return retry.Policy{}, err
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return retry.Policy{}, fmt.Errorf("jitter must be within [0,1]")
	}
	return p, nil
}

// PaperOptions converts the paper gateway section. Books are sorted best first.
func (c AppConfig) PaperOptions() (paper.Options, error) {
	opts := paper.Options{Name: string(GatewayPaper)}
	ratio, err := parseDecimal("paper fillRatio", c.Gateway.Paper.FillRatio)
	if err != nil {
		return paper.Options{}, err
	}
	opts.FillRatio = ratio
	for _, book := range c.Gateway.Paper.Books {
		if book.MarketID == "" {
			return paper.Options{}, fmt.Errorf("paper book marketId required")
		}
		bids, err := levels(book.MarketID, book.Bids)
		if err != nil {
			return paper.Options{}, err
		}
		asks, err := levels(book.MarketID, book.Asks)
		if err != nil {
			return paper.Options{}, err
		}
		state := market.State{MarketID: book.MarketID, Bids: bids, Asks: asks}
		state.Normalize()
		opts.Books = append(opts.Books, state)
	}
	return opts, nil
}

func levels(marketID string, raw []LevelConfig) ([]market.Level, error) {
	out := make([]market.Level, 0, len(raw))
	for _, l := range raw {
		var lvl market.Level
		if err := parseDecimals(
			decimalField{"paper book " + marketID + " price", l.Price, &lvl.Price},
			decimalField{"paper book " + marketID + " size", l.Size, &lvl.Size},
		); err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}

// OTelConfig converts the telemetry section.
func (c AppConfig) OTelConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.Telemetry.Enabled
	if c.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	cfg.OTLPInsecure = c.Telemetry.OTLPInsecure
	cfg.EnableMetrics = c.Telemetry.EnableMetrics
	cfg.ServiceName = c.Telemetry.ServiceName
	cfg.Environment = string(c.Environment)
	if interval, err := parseDuration("metricInterval", c.Telemetry.MetricInterval); err == nil && interval > 0 {
		cfg.MetricInterval = interval
	}
	return cfg
}

// LogConfig converts the logging section.
func (c AppConfig) LogConfig() observability.LogConfig {
	l := c.Logging
	return observability.LogConfig{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Duration parses a validated duration field, returning fallback when it is empty.
func Duration(raw string, fallback time.Duration) time.Duration {
	d, err := parseDuration("", raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
