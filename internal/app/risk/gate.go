package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/market"
	"github.com/coachpo/tandem/internal/domain/signal"
)

// Sizer computes follower quantities for the gate.
type Sizer interface {
	// Desired returns the uncapped quantity for the signal at the reference price.
	Desired(sig signal.TradeSignal, ref decimal.Decimal) decimal.Decimal
	// Size caps the desired quantity at the residual capacity.
	Size(sig signal.TradeSignal, ref decimal.Decimal, capacity Capacity) decimal.Decimal
}

// Snapshot is the account and market view a decision is taken against.
type Snapshot struct {
	Market     market.State
	CategoryID string
	Exposure   Exposure
	Now        time.Time
}

// Plan is an accepted, sized order intent.
type Plan struct {
	LeaderEventID  string
	MarketID       string
	CategoryID     string
	Side           signal.Side
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal
	LimitPrice     decimal.Decimal
	Band           signal.PriceBand
	ObservedAt     time.Time
	PlannedAt      time.Time
}

// Notional returns the reserved notional of the plan.
func (p Plan) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.ReferencePrice)
}

// Intent converts the plan back into a simulation input.
func (p Plan) Intent() Intent {
	return Intent{
		MarketID:       p.MarketID,
		CategoryID:     p.CategoryID,
		Side:           p.Side,
		Quantity:       p.Quantity,
		ReferencePrice: p.ReferencePrice,
		Band:           p.Band,
		ObservedAt:     p.ObservedAt,
	}
}

// Decision is the gate verdict.
type Decision struct {
	Accepted bool
	Plan     Plan
	Reason   Reason
	Detail   string
}

// Gate evaluates entry signals. It holds no mutable state; callers provide a consistent
// exposure snapshot and reserve the plan under the same lock.
type Gate struct {
	limits Limits
	sizer  Sizer
}

// NewGate constructs a gate.
func NewGate(limits Limits, sizer Sizer) *Gate {
	return &Gate{limits: limits, sizer: sizer}
}

// Limits returns the configured limits.
func (g *Gate) Limits() Limits {
	return g.limits
}

// Evaluate sizes the signal against the residual capacity and runs the ordered checks.
func (g *Gate) Evaluate(sig signal.TradeSignal, snap Snapshot) Decision {
	ref := sig.Band.Mid()
	intent := Intent{
		MarketID:       sig.MarketID,
		CategoryID:     snap.CategoryID,
		Side:           sig.Side,
		ReferencePrice: ref,
		Band:           sig.Band,
		ObservedAt:     sig.ObservedAt,
	}
	check := Check{Now: snap.Now}

	capacity := Residual(g.limits, snap.Exposure)
	qty := g.sizer.Size(sig, ref, capacity)
	if !qty.IsPositive() || qty.Mul(ref).LessThan(g.limits.MinTradeNotional) {
		// The budget cannot hold a minimum order: report the first failing check for the
		// uncapped size so liquidity and spread faults still take precedence.
		intent.Quantity = g.sizer.Desired(sig, ref)
		res := Simulate(g.limits, intent, snap.Market, snap.Exposure, check)
		if res.OK {
			reason := capacity.Binding
			if reason == "" {
				reason = ReasonMarketExposureExceeded
			}
			return Decision{Reason: reason, Detail: "residual capacity " + capacity.Amount.String() + " below minimum order"}
		}
		return Decision{Reason: res.Reason, Detail: res.Detail}
	}

	intent.Quantity = qty
	res := Simulate(g.limits, intent, snap.Market, snap.Exposure, check)
	if !res.OK {
		return Decision{Reason: res.Reason, Detail: res.Detail}
	}
	return Decision{
		Accepted: true,
		Plan: Plan{
			LeaderEventID:  sig.LeaderEventID,
			MarketID:       sig.MarketID,
			CategoryID:     snap.CategoryID,
			Side:           sig.Side,
			Quantity:       qty,
			ReferencePrice: ref,
			LimitPrice:     LimitPrice(g.limits, sig.Side, ref),
			Band:           sig.Band,
			ObservedAt:     sig.ObservedAt,
			PlannedAt:      snap.Now,
		},
	}
}

// Recheck is the pre-submit simulation: the reserved plan must still be fresh and the
// market must not have moved through its limit price.
func (g *Gate) Recheck(plan Plan, st market.State, now time.Time) Result {
	return Simulate(g.limits, plan.Intent(), st, Exposure{}, Check{
		Now:          now,
		MaxAge:       g.limits.MaxPlanAge,
		LimitPrice:   plan.LimitPrice,
		SkipExposure: true,
	})
}
