// Package pipeline routes raw leader observations into per-leader lanes that feed the
// lifecycle manager.
package pipeline

import (
	"context"

	"github.com/coachpo/tandem/internal/app/lifecycle"
	"github.com/coachpo/tandem/internal/domain/signal"
)

// Delivery is one raw observation handed over by a source. Ack, when set, runs once the
// observation has been handled or dropped as malformed. It does not run when handling
// failed, so at-least-once sources redeliver the observation.
type Delivery struct {
	Raw signal.RawObservation
	Ack func()
}

// Emit hands a delivery to the pipeline. It blocks while the leader lane is full.
type Emit func(ctx context.Context, d Delivery) error

// Source produces leader observations until ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, emit Emit) error
}

// Handler processes one normalised signal.
type Handler interface {
	Handle(ctx context.Context, sig signal.TradeSignal) (lifecycle.Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sig signal.TradeSignal) (lifecycle.Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, sig signal.TradeSignal) (lifecycle.Outcome, error) {
	return f(ctx, sig)
}
