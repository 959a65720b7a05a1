// Package sizing converts leader trade sizes into follower quantities.
package sizing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/domain/signal"
)

// QuantityPlaces is the precision follower quantities are truncated to.
const QuantityPlaces = 6

// BankrollPolicy selects how an unobservable leader bankroll is estimated.
type BankrollPolicy string

const (
	// BankrollStatic uses the configured per-leader or default bankroll.
	BankrollStatic BankrollPolicy = "static"
	// BankrollHighWaterMark uses the peak open notional observed for the leader,
	// floored at Config.Floor.
	BankrollHighWaterMark BankrollPolicy = "high_water_mark"
)

// Config parameterises the sizer.
type Config struct {
	Mode             risk.CopyMode
	StakeUnit        decimal.Decimal
	MinTradeNotional decimal.Decimal
	MaxTradeNotional decimal.Decimal
	FollowerBankroll decimal.Decimal
	Policy           BankrollPolicy
	// DefaultLeaderBankroll applies to leaders without an explicit entry under the static policy.
	DefaultLeaderBankroll decimal.Decimal
	// LeaderBankrolls always win over the policy estimate.
	LeaderBankrolls map[string]decimal.Decimal
	Floor           decimal.Decimal
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch c.Mode {
	case risk.CopyFixed:
		if !c.StakeUnit.IsPositive() {
			return fmt.Errorf("sizing: stake unit must be > 0")
		}
		return nil
	case risk.CopyProportional:
	default:
		return fmt.Errorf("sizing: unknown copy mode %q", c.Mode)
	}
	if !c.FollowerBankroll.IsPositive() {
		return fmt.Errorf("sizing: follower bankroll must be > 0")
	}
	for leader, v := range c.LeaderBankrolls {
		if !v.IsPositive() {
			return fmt.Errorf("sizing: bankroll for %s must be > 0", leader)
		}
	}
	switch c.Policy {
	case BankrollStatic, "":
		if !c.DefaultLeaderBankroll.IsPositive() && len(c.LeaderBankrolls) == 0 {
			return fmt.Errorf("sizing: static policy needs a default or per-leader bankroll")
		}
	case BankrollHighWaterMark:
		if !c.Floor.IsPositive() {
			return fmt.Errorf("sizing: high_water_mark policy needs a positive floor")
		}
	default:
		return fmt.Errorf("sizing: unknown bankroll policy %q", c.Policy)
	}
	return nil
}

// Sizer computes follower quantities. It satisfies risk.Sizer.
type Sizer struct {
	cfg  Config
	book *LeaderBook
}

// NewSizer constructs a sizer. book may be nil when the high water mark policy is unused.
func NewSizer(cfg Config, book *LeaderBook) *Sizer {
	if book == nil {
		book = NewLeaderBook()
	}
	normalised := make(map[string]decimal.Decimal, len(cfg.LeaderBankrolls))
	for leader, v := range cfg.LeaderBankrolls {
		normalised[strings.ToLower(strings.TrimSpace(leader))] = v
	}
	cfg.LeaderBankrolls = normalised
	return &Sizer{cfg: cfg, book: book}
}

// Book returns the leader holdings tracker.
func (s *Sizer) Book() *LeaderBook {
	return s.book
}

// LeaderEstimate returns the bankroll estimate used for proportional sizing.
func (s *Sizer) LeaderEstimate(leaderID string) decimal.Decimal {
	if v, ok := s.cfg.LeaderBankrolls[leaderID]; ok && v.IsPositive() {
		return v
	}
	if s.cfg.Policy == BankrollHighWaterMark {
		return decimal.Max(s.book.Peak(leaderID), s.cfg.Floor)
	}
	return s.cfg.DefaultLeaderBankroll
}

// Desired returns the quantity before the exposure cap, clamped to the per-trade
// notional bounds.
func (s *Sizer) Desired(sig signal.TradeSignal, ref decimal.Decimal) decimal.Decimal {
	if !ref.IsPositive() {
		return decimal.Zero
	}
	var qty decimal.Decimal
	switch s.cfg.Mode {
	case risk.CopyFixed:
		mid := sig.Band.Mid()
		if !mid.IsPositive() {
			return decimal.Zero
		}
		qty = s.cfg.StakeUnit.Div(mid)
	default:
		leader := s.LeaderEstimate(sig.LeaderID)
		if !leader.IsPositive() {
			return decimal.Zero
		}
		qty = sig.Size.Mul(s.cfg.FollowerBankroll).Div(leader)
	}

	notional := qty.Mul(ref)
	if s.cfg.MinTradeNotional.IsPositive() && notional.LessThan(s.cfg.MinTradeNotional) {
		qty = s.cfg.MinTradeNotional.Div(ref)
	}
	if s.cfg.MaxTradeNotional.IsPositive() && notional.GreaterThan(s.cfg.MaxTradeNotional) {
		qty = s.cfg.MaxTradeNotional.Div(ref)
	}
	return roundUpToMin(qty.Truncate(QuantityPlaces), ref, s.cfg.MinTradeNotional)
}

// Size caps the desired quantity so its notional fits in the residual capacity.
func (s *Sizer) Size(sig signal.TradeSignal, ref decimal.Decimal, capacity risk.Capacity) decimal.Decimal {
	qty := s.Desired(sig, ref)
	if !qty.IsPositive() || !capacity.Bounded {
		return qty
	}
	if qty.Mul(ref).GreaterThan(capacity.Amount) {
		qty = capacity.Amount.Div(ref).Truncate(QuantityPlaces)
	}
	if qty.IsNegative() {
		return decimal.Zero
	}
	return qty
}

// ExitQuantity sizes a mirror exit: the follower sells the same fraction of its position
// as the leader sold of its holding, capped at the position. Unknown leader holdings
// close the whole position.
func ExitQuantity(positionQty, leaderSell, leaderHeld decimal.Decimal) decimal.Decimal {
	if !positionQty.IsPositive() {
		return decimal.Zero
	}
	if !leaderHeld.IsPositive() || !leaderSell.LessThan(leaderHeld) {
		return positionQty
	}
	qty := positionQty.Mul(leaderSell).Div(leaderHeld).Truncate(QuantityPlaces)
	if !qty.IsPositive() {
		return positionQty
	}
	return decimal.Min(qty, positionQty)
}

// ExitFraction is the share of its holding the leader sold, in (0,1]. Unknown holdings
// count as a full exit.
func ExitFraction(leaderSell, leaderHeld decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if !leaderHeld.IsPositive() || !leaderSell.LessThan(leaderHeld) {
		return one
	}
	if !leaderSell.IsPositive() {
		return decimal.Zero
	}
	return leaderSell.Div(leaderHeld)
}

// CombineExitFractions folds two successive sell fractions into one: selling a then b of
// what remains leaves (1-a)(1-b) of the original holding.
func CombineExitFractions(a, b decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	kept := one.Sub(decimal.Min(a, one)).Mul(one.Sub(decimal.Min(b, one)))
	return one.Sub(kept)
}

// FractionQuantity applies an exit fraction to the position. Fractions that truncate to
// nothing, or that reach one, close the whole position.
func FractionQuantity(positionQty, fraction decimal.Decimal) decimal.Decimal {
	if !positionQty.IsPositive() || !fraction.IsPositive() {
		return decimal.Zero
	}
	if fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return positionQty
	}
	qty := positionQty.Mul(fraction).Truncate(QuantityPlaces)
	if !qty.IsPositive() {
		return positionQty
	}
	return decimal.Min(qty, positionQty)
}

// truncation may push a clamped minimum order just under the floor.
func roundUpToMin(qty, ref, minNotional decimal.Decimal) decimal.Decimal {
	if !minNotional.IsPositive() || !qty.Mul(ref).LessThan(minNotional) {
		return qty
	}
	step := decimal.New(1, -QuantityPlaces)
	return qty.Add(step)
}
