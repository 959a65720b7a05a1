package paper

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/gateway"
)

type activeOrder struct {
	order     gateway.Order
	state     gateway.State
	reason    string
	remaining decimal.Decimal
	filled    decimal.Decimal
	notional  decimal.Decimal
	updatedAt time.Time
}

func (o *activeOrder) recordFill(qty, price decimal.Decimal, ts time.Time) {
	if o == nil || !qty.IsPositive() {
		return
	}
	o.remaining = o.remaining.Sub(qty)
	if o.remaining.IsNegative() {
		o.remaining = decimal.Zero
	}
	o.filled = o.filled.Add(qty)
	o.notional = o.notional.Add(qty.Mul(price))
	o.updatedAt = ts
	if o.remaining.IsZero() {
		o.state = gateway.StateFilled
	} else {
		o.state = gateway.StatePartiallyFilled
	}
}

func (o *activeOrder) status() gateway.Status {
	avg := decimal.Zero
	if o.filled.IsPositive() {
		avg = o.notional.Div(o.filled)
	}
	return gateway.Status{
		ClientOrderID: o.order.ClientOrderID,
		State:         o.state,
		FilledQty:     o.filled,
		AvgFillPrice:  avg,
		Reason:        o.reason,
		UpdatedAt:     o.updatedAt,
	}
}
