// Package paper implements an in-process execution venue and market state provider used
// for dry runs and engine tests. Orders match against static configured books.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/gateway"
	"github.com/coachpo/tandem/internal/domain/market"
	"github.com/coachpo/tandem/internal/domain/signal"
)

const quantityPlaces = 6

// Venue is a paper gateway. It satisfies gateway.Gateway and market.Provider.
type Venue struct {
	opts Options

	mu          sync.Mutex
	books       map[string]market.State
	orders      map[string]*activeOrder
	faults      []Fault
	submissions int
}

// NewVenue constructs a paper venue.
func NewVenue(opts Options) *Venue {
	opts = opts.withDefaults()
	v := &Venue{
		opts:   opts,
		books:  make(map[string]market.State, len(opts.Books)),
		orders: make(map[string]*activeOrder),
	}
	for _, book := range opts.Books {
		v.books[book.MarketID] = book
	}
	return v
}

// Name returns the venue name used in errors.
func (v *Venue) Name() string {
	return v.opts.Name
}

// SetBook replaces the book of one market.
func (v *Venue) SetBook(st market.State) {
	v.mu.Lock()
	v.books[st.MarketID] = st
	v.mu.Unlock()
}

// Inject queues a scripted fault.
func (v *Venue) Inject(f Fault) {
	v.mu.Lock()
	v.faults = append(v.faults, f)
	v.mu.Unlock()
}

// Submissions returns how many distinct orders were placed.
func (v *Venue) Submissions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submissions
}

// State returns the configured book stamped with the current time.
func (v *Venue) State(_ context.Context, marketID string) (market.State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.books[marketID]
	if !ok {
		return market.State{}, fmt.Errorf("paper: no book for market %s", marketID)
	}
	st.Bids = append([]market.Level(nil), st.Bids...)
	st.Asks = append([]market.Level(nil), st.Asks...)
	st.UpdatedAt = v.opts.Clock()
	return st, nil
}

// Submit places the order unless its client order id is already known, in which case the
// existing order is returned.
func (v *Venue) Submit(_ context.Context, order gateway.Order) (gateway.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.orders[order.ClientOrderID]; ok {
		return existing.status(), nil
	}
	fault, faulted := v.takeFaultLocked("submit")
	if faulted && !fault.Placed {
		return gateway.Status{}, fault.Err
	}

	ord := &activeOrder{
		order:     order,
		remaining: order.Quantity,
		state:     gateway.StateAccepted,
		updatedAt: v.opts.Clock(),
	}
	v.orders[order.ClientOrderID] = ord
	v.submissions++

	if reason := validate(order); reason != "" {
		ord.state = gateway.StateRejected
		ord.reason = reason
	} else {
		v.matchLocked(ord)
	}
	if faulted {
		return gateway.Status{}, fault.Err
	}
	return ord.status(), nil
}

// Status returns the current order state.
func (v *Venue) Status(_ context.Context, clientOrderID string) (gateway.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if fault, ok := v.takeFaultLocked("status"); ok {
		return gateway.Status{}, fault.Err
	}
	ord, ok := v.orders[clientOrderID]
	if !ok {
		return gateway.Status{}, gateway.OrderNotFound(v.opts.Name, clientOrderID)
	}
	return ord.status(), nil
}

// Cancel stops further fills of a working order.
func (v *Venue) Cancel(_ context.Context, clientOrderID string) (gateway.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if fault, ok := v.takeFaultLocked("cancel"); ok {
		return gateway.Status{}, fault.Err
	}
	ord, ok := v.orders[clientOrderID]
	if !ok {
		return gateway.Status{}, gateway.OrderNotFound(v.opts.Name, clientOrderID)
	}
	if !ord.state.Done() {
		ord.state = gateway.StateCancelled
		ord.updatedAt = v.opts.Clock()
	}
	return ord.status(), nil
}

// Fill applies a manual fill to a working order.
func (v *Venue) Fill(clientOrderID string, qty, price decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.orders[clientOrderID]
	if !ok {
		return gateway.OrderNotFound(v.opts.Name, clientOrderID)
	}
	if ord.state.Done() {
		return fmt.Errorf("paper: order %s is %s", clientOrderID, ord.state)
	}
	ord.recordFill(decimal.Min(qty, ord.remaining), price, v.opts.Clock())
	return nil
}

func (v *Venue) takeFaultLocked(op string) (Fault, bool) {
	for i, f := range v.faults {
		if f.Op == op {
			v.faults = append(v.faults[:i], v.faults[i+1:]...)
			return f, true
		}
	}
	return Fault{}, false
}

// matchLocked fills the marketable part of the order against the opposite side of the book.
func (v *Venue) matchLocked(ord *activeOrder) {
	book, ok := v.books[ord.order.MarketID]
	if !ok {
		return
	}
	levels := book.Depth(ord.order.Side)
	if len(levels) == 0 {
		touch := book.Touch(ord.order.Side)
		if !touch.IsPositive() {
			return
		}
		levels = []market.Level{{Price: touch, Size: ord.order.Quantity}}
	}

	target := ord.order.Quantity.Mul(v.opts.FillRatio).Truncate(quantityPlaces)
	filled := decimal.Zero
	notional := decimal.Zero
	for _, lvl := range levels {
		if !marketable(ord.order.Side, lvl.Price, ord.order.LimitPrice) {
			break
		}
		take := decimal.Min(lvl.Size, target.Sub(filled))
		if !take.IsPositive() {
			break
		}
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(lvl.Price))
	}
	if !filled.IsPositive() {
		return
	}
	ord.recordFill(filled, notional.Div(filled), v.opts.Clock())
}

func marketable(side signal.Side, price, limit decimal.Decimal) bool {
	if !limit.IsPositive() {
		return true
	}
	if side == signal.SideSell {
		return price.GreaterThanOrEqual(limit)
	}
	return price.LessThanOrEqual(limit)
}

func validate(order gateway.Order) string {
	switch {
	case strings.TrimSpace(order.ClientOrderID) == "":
		return "client order id required"
	case !order.Quantity.IsPositive():
		return "quantity must be positive"
	case order.Side != signal.SideBuy && order.Side != signal.SideSell:
		return "unknown side"
	}
	return ""
}
