package paper

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/market"
)

const defaultVenueName = "paper"

// Options configures the paper venue.
type Options struct {
	Name string
	// Books seeds the market state served to the risk gate and used for matching.
	Books []market.State
	// FillRatio is the share of the marketable quantity filled on submission, in (0,1].
	// Values below one leave the remainder resting as a partial fill.
	FillRatio decimal.Decimal
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = defaultVenueName
	}
	if !o.FillRatio.IsPositive() || o.FillRatio.GreaterThan(decimal.NewFromInt(1)) {
		o.FillRatio = decimal.NewFromInt(1)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Fault is a scripted failure for the next matching call.
type Fault struct {
	// Op is "submit", "status" or "cancel".
	Op  string
	Err error
	// Placed records the order before failing a submit, simulating a lost acknowledgement.
	Placed bool
}
