package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/domain/signal"
	"github.com/coachpo/tandem/internal/observability"
)

// ErrNotRunning is returned by Emit outside Run.
var ErrNotRunning = errors.New("pipeline: dispatcher not running")

const defaultLaneBuffer = 64

// Options configures a Dispatcher.
type Options struct {
	// LaneBuffer bounds the observations queued per leader.
	LaneBuffer int
	Logger     observability.Logger
}

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	Lanes     int   `json:"lanes"`
	Handled   int64 `json:"handled"`
	Malformed int64 `json:"malformed"`
	Failed    int64 `json:"failed"`
}

type laneItem struct {
	sig signal.TradeSignal
	ack func()
}

// Dispatcher normalises observations and runs one lane per leader, so signals of one
// leader are handled in arrival order while leaders proceed independently.
type Dispatcher struct {
	handler Handler
	logger  observability.Logger
	buffer  int

	mu      sync.Mutex
	running bool
	ctx     context.Context
	lanes   map[string]chan laneItem
	wg      conc.WaitGroup

	faultOnce sync.Once
	fault     error
	cancel    context.CancelFunc

	handled   atomic.Int64
	malformed atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher constructs a dispatcher around handler.
func NewDispatcher(handler Handler, opts Options) *Dispatcher {
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = defaultLaneBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.WithComponent(nil, "pipeline")
	}
	return &Dispatcher{
		handler: handler,
		logger:  logger,
		buffer:  opts.LaneBuffer,
		lanes:   make(map[string]chan laneItem),
	}
}

// Run starts every source and blocks until they have all returned or a systemic fault
// stops the pipeline. Lanes drain nothing after cancellation; unacknowledged deliveries
// are left to their sources. The first systemic fault is returned.
func (d *Dispatcher) Run(ctx context.Context, sources ...Source) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("pipeline: dispatcher already running")
	}
	d.running = true
	d.ctx = runCtx
	d.cancel = cancel
	d.mu.Unlock()

	var sourcesWG conc.WaitGroup
	for _, src := range sources {
		sourcesWG.Go(func() {
			d.logger.Info("source started", observability.F("source", src.Name()))
			err := src.Run(runCtx, d.Emit)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				d.logger.Info("source stopped", observability.F("source", src.Name()))
			default:
				d.logger.Error("source failed",
					observability.F("source", src.Name()),
					observability.F("error", err.Error()))
			}
		})
	}
	sourcesWG.Wait()

	d.mu.Lock()
	d.running = false
	for leader, lane := range d.lanes {
		close(lane)
		delete(d.lanes, leader)
	}
	d.mu.Unlock()
	d.wg.Wait()
	return d.fault
}

// Emit normalises the delivery and queues it on its leader's lane. Malformed
// observations are logged, acknowledged and dropped.
func (d *Dispatcher) Emit(ctx context.Context, del Delivery) error {
	sig, err := signal.Normalize(del.Raw)
	if err != nil {
		d.malformed.Add(1)
		d.logger.Info("malformed leader event dropped",
			observability.F("source_id", del.Raw.SourceID),
			observability.F("leader", del.Raw.Leader),
			observability.F("reason", errs.ReasonOf(err)),
			observability.F("error", err.Error()))
		if del.Ack != nil {
			del.Ack()
		}
		return nil
	}

	lane, err := d.lane(sig.LeaderID)
	if err != nil {
		return err
	}
	select {
	case lane <- laneItem{sig: sig, ack: del.Ack}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	lanes := len(d.lanes)
	d.mu.Unlock()
	return Stats{
		Lanes:     lanes,
		Handled:   d.handled.Load(),
		Malformed: d.malformed.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) lane(leader string) (chan laneItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, ErrNotRunning
	}
	if lane, ok := d.lanes[leader]; ok {
		return lane, nil
	}
	lane := make(chan laneItem, d.buffer)
	d.lanes[leader] = lane
	ctx := d.ctx
	d.wg.Go(func() { d.drain(ctx, leader, lane) })
	d.logger.Debug("leader lane opened", observability.F("leader_id", leader))
	return lane, nil
}

func (d *Dispatcher) drain(ctx context.Context, leader string, lane <-chan laneItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-lane:
			if !ok || ctx.Err() != nil {
				return
			}
			d.handle(ctx, leader, item)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, leader string, item laneItem) {
	_, err := d.handler.Handle(ctx, item.sig)
	if err == nil {
		d.handled.Add(1)
		if item.ack != nil {
			item.ack()
		}
		return
	}
	d.failed.Add(1)
	d.logger.Error("signal handling failed",
		observability.F("leader_id", leader),
		observability.F("leader_event_id", item.sig.LeaderEventID),
		observability.F("error", err.Error()))
	if errs.Systemic(err) {
		d.faultOnce.Do(func() {
			d.fault = err
			d.cancel()
		})
	}
}
