// Package market defines the market state snapshot consumed by risk checks.
package market

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/signal"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// Level is one price level of the book.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// State is a point-in-time view of one market.
type State struct {
	MarketID string
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	// Bids are sorted best (highest) first, Asks best (lowest) first.
	Bids []Level
	Asks []Level
	// Liquidity is a provider-reported depth notional used when levels are absent.
	Liquidity decimal.Decimal
	UpdatedAt time.Time
}

// Provider returns current market state.
type Provider interface {
	State(ctx context.Context, marketID string) (State, error)
}

// Mid returns the bid/ask midpoint.
func (s State) Mid() decimal.Decimal {
	return s.Bid.Add(s.Ask).Div(two)
}

// SpreadPct returns (ask-bid)/mid in percent.
func (s State) SpreadPct() decimal.Decimal {
	mid := s.Mid()
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return s.Ask.Sub(s.Bid).Div(mid).Mul(hundred)
}

// Touch returns the price a taker on side would hit first.
func (s State) Touch(side signal.Side) decimal.Decimal {
	if side == signal.SideSell {
		return s.Bid
	}
	return s.Ask
}

// Normalize sorts levels best first and derives missing touch prices from them.
func (s *State) Normalize() {
	sort.SliceStable(s.Bids, func(i, j int) bool { return s.Bids[i].Price.GreaterThan(s.Bids[j].Price) })
	sort.SliceStable(s.Asks, func(i, j int) bool { return s.Asks[i].Price.LessThan(s.Asks[j].Price) })
	if s.Bid.IsZero() && len(s.Bids) > 0 {
		s.Bid = s.Bids[0].Price
	}
	if s.Ask.IsZero() && len(s.Asks) > 0 {
		s.Ask = s.Asks[0].Price
	}
}

// Depth returns the levels a taker on side consumes.
func (s State) Depth(side signal.Side) []Level {
	if side == signal.SideSell {
		return s.Bids
	}
	return s.Asks
}

// DepthNotional sums price*size over the side's levels, falling back to Liquidity.
func (s State) DepthNotional(side signal.Side) decimal.Decimal {
	levels := s.Depth(side)
	if len(levels) == 0 {
		return s.Liquidity
	}
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Price.Mul(lvl.Size))
	}
	return total
}

// QualityFault describes market data that must not be traded on.
type QualityFault struct {
	MarketID string
	Detail   string
}

func (f *QualityFault) Error() string {
	return fmt.Sprintf("market %s data quality: %s", f.MarketID, f.Detail)
}

// CheckQuality returns a QualityFault for missing prices, a crossed book or a spread
// above saneSpreadPct (ignored when zero).
func (s State) CheckQuality(saneSpreadPct decimal.Decimal) error {
	if !s.Bid.IsPositive() || !s.Ask.IsPositive() {
		return &QualityFault{MarketID: s.MarketID, Detail: "missing price"}
	}
	if s.Ask.LessThan(s.Bid) {
		return &QualityFault{MarketID: s.MarketID, Detail: "crossed book"}
	}
	if saneSpreadPct.IsPositive() && s.SpreadPct().GreaterThan(saneSpreadPct) {
		return &QualityFault{MarketID: s.MarketID, Detail: "spread " + s.SpreadPct().StringFixed(2) + "% outside sane bounds"}
	}
	return nil
}
