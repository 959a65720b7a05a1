// Package gateway defines the execution venue contract consumed by the order lifecycle.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/domain/signal"
)

// Order is a limit order keyed by a deterministic client order id.
type Order struct {
	ClientOrderID string
	MarketID      string
	Side          signal.Side
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
}

// State is the venue-reported order state.
type State string

const (
	StateAccepted        State = "accepted"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateCancelled       State = "cancelled"
	StateRejected        State = "rejected"
)

// Done reports whether the venue will not fill the order further.
func (s State) Done() bool {
	return s == StateFilled || s == StateCancelled || s == StateRejected
}

// Status is an order acknowledgement or status snapshot.
type Status struct {
	ClientOrderID string
	State         State
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Reason        string
	UpdatedAt     time.Time
}

// Gateway submits and tracks follower orders. Submit must be idempotent per client
// order id: a repeated id returns the existing order instead of placing a new one.
type Gateway interface {
	Submit(ctx context.Context, order Order) (Status, error)
	Status(ctx context.Context, clientOrderID string) (Status, error)
	Cancel(ctx context.Context, clientOrderID string) (Status, error)
}

// OrderNotFound builds the error gateways return for unknown client order ids.
func OrderNotFound(venue, clientOrderID string) error {
	return errs.New(venue, errs.CodeNotFound,
		errs.WithMessage("order not found"),
		errs.WithField("client_order_id", clientOrderID))
}

// IsNotFound reports whether err signals an unknown client order id.
func IsNotFound(err error) bool {
	return errs.IsCode(err, errs.CodeNotFound)
}
