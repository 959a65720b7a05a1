package report

import (
	"context"
	"time"

	"github.com/coachpo/tandem/internal/domain/outboxstore"
	"github.com/coachpo/tandem/internal/observability"
)

// RelayOption configures the outbox relay.
type RelayOption func(*Relay)

// WithRelayInterval tweaks the polling cadence.
func WithRelayInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithRelayBatchSize configures the number of rows fetched per drain.
func WithRelayBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithRelayRetention enables purging delivered rows older than retention.
func WithRelayRetention(retention time.Duration) RelayOption {
	return func(r *Relay) {
		if retention > 0 {
			r.retention = retention
		}
	}
}

// WithRelayLogger overrides the logger.
func WithRelayLogger(logger observability.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = observability.WithComponent(logger, "report/relay")
	}
}

// WithRelayClock injects the time source.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRelayObserver receives delivery counts per drain, labelled "delivered" or "failed".
func WithRelayObserver(fn func(result string, n int)) RelayOption {
	return func(r *Relay) {
		if fn != nil {
			r.observe = fn
		}
	}
}

// Relay drains the transactional outbox into a sink.
type Relay struct {
	store   outboxstore.Store
	sink    Sink
	logger  observability.Logger
	now     func() time.Time
	observe func(result string, n int)

	interval   time.Duration
	batchSize  int
	retention  time.Duration
	retryBase  time.Duration
	retryMax   time.Duration
	lastPurged time.Time
}

const (
	defaultRelayInterval  = 2 * time.Second
	defaultRelayBatchSize = 128
)

// NewRelay constructs a relay.
func NewRelay(store outboxstore.Store, sink Sink, opts ...RelayOption) *Relay {
	r := &Relay{
		store:     store,
		sink:      sink,
		logger:    observability.WithComponent(nil, "report/relay"),
		now:       time.Now,
		observe:   func(string, int) {},
		interval:  defaultRelayInterval,
		batchSize: defaultRelayBatchSize,
		retryBase: time.Second,
		retryMax:  5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run drains on every tick until ctx ends, then performs a final drain.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = r.Drain(final)
			cancel()
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	if _, err := r.Drain(ctx); err != nil {
		r.logger.Error("outbox drain failed", observability.F("err", err))
	}
	if r.retention <= 0 {
		return
	}
	now := r.now()
	if now.Sub(r.lastPurged) < time.Hour {
		return
	}
	r.lastPurged = now
	purged, err := r.store.PurgeDelivered(ctx, now.Add(-r.retention))
	if err != nil {
		r.logger.Error("outbox purge failed", observability.F("err", err))
		return
	}
	if purged > 0 {
		r.logger.Info("outbox purged", observability.F("rows", purged))
	}
}

// Drain delivers one batch of pending rows and returns how many were delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	records, err := r.store.ListPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	delivered, failed := 0, 0
	defer func() {
		r.observe("delivered", delivered)
		r.observe("failed", failed)
	}()
	for _, rec := range records {
		record, err := Decode(rec.Payload)
		if err == nil {
			err = r.sink.Emit(ctx, record)
		}
		if err != nil {
			retryAt := r.now().Add(r.backoff(rec.Attempts))
			r.logger.Error("outbox delivery failed",
				observability.F("id", rec.ID),
				observability.F("aggregate", rec.AggregateID),
				observability.F("attempts", rec.Attempts+1),
				observability.F("err", err))
			if markErr := r.store.MarkFailed(ctx, rec.ID, err.Error(), retryAt); markErr != nil {
				return delivered, markErr
			}
			failed++
			continue
		}
		if err := r.store.MarkDelivered(ctx, rec.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (r *Relay) backoff(attempts int) time.Duration {
	delay := r.retryBase
	for i := 0; i < attempts && delay < r.retryMax; i++ {
		delay *= 2
	}
	if delay > r.retryMax {
		delay = r.retryMax
	}
	return delay
}
