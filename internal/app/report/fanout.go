package report

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tandem/internal/observability"
)

// Fanout delivers each record to every sink concurrently.
type Fanout struct {
	sinks []Sink
}

// NewFanout combines sinks. Nil sinks are ignored.
func NewFanout(sinks ...Sink) *Fanout {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out}
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Emit fails when any sink fails; the whole record is then retried.
func (f *Fanout) Emit(ctx context.Context, record Record) error {
	switch len(f.sinks) {
	case 0:
		return nil
	case 1:
		return f.sinks[0].Emit(ctx, record)
	}
	p := pool.New().WithErrors().WithContext(ctx)
	for _, sink := range f.sinks {
		sink := sink
		p.Go(func(ctx context.Context) error {
			return sink.Emit(ctx, record)
		})
	}
	return p.Wait()
}

// Close closes every sink and joins their errors.
func (f *Fanout) Close() error {
	errs := make([]error, 0, len(f.sinks))
	for _, sink := range f.sinks {
		errs = append(errs, sink.Close())
	}
	return observability.AggregateErrors("close report sinks", errs, observability.F("sinks", len(f.sinks)))
}
