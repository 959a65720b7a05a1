package sizing

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/signal"
)

type holding struct {
	qty      decimal.Decimal
	notional decimal.Decimal
}

type leaderState struct {
	markets map[string]holding
	open    decimal.Decimal
	peak    decimal.Decimal
}

// LeaderBook tracks what each leader is observed to hold. It is rebuilt from the live
// stream and starts empty after a restart.
type LeaderBook struct {
	mu      sync.Mutex
	leaders map[string]*leaderState
}

// NewLeaderBook constructs an empty book.
func NewLeaderBook() *LeaderBook {
	return &LeaderBook{leaders: make(map[string]*leaderState)}
}

// Observe applies a leader trade. Sells reduce the holding pro rata and never below zero.
func (b *LeaderBook) Observe(sig signal.TradeSignal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.leaders[sig.LeaderID]
	if st == nil {
		st = &leaderState{markets: make(map[string]holding)}
		b.leaders[sig.LeaderID] = st
	}
	h := st.markets[sig.MarketID]
	switch sig.Side {
	case signal.SideBuy:
		added := sig.Notional()
		h.qty = h.qty.Add(sig.Size)
		h.notional = h.notional.Add(added)
		st.open = st.open.Add(added)
	case signal.SideSell:
		if !h.qty.IsPositive() {
			return
		}
		sold := decimal.Min(sig.Size, h.qty)
		released := h.notional.Mul(sold).Div(h.qty)
		h.qty = h.qty.Sub(sold)
		h.notional = h.notional.Sub(released)
		st.open = st.open.Sub(released)
		if !h.qty.IsPositive() {
			delete(st.markets, sig.MarketID)
			return
		}
	}
	st.markets[sig.MarketID] = h
	if st.open.GreaterThan(st.peak) {
		st.peak = st.open
	}
}

// Held returns the leader's observed quantity in a market.
func (b *LeaderBook) Held(leaderID, marketID string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.leaders[leaderID]; st != nil {
		return st.markets[marketID].qty
	}
	return decimal.Zero
}

// Peak returns the highest open notional observed for the leader.
func (b *LeaderBook) Peak(leaderID string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.leaders[leaderID]; st != nil {
		return st.peak
	}
	return decimal.Zero
}
