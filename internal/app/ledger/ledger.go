// Package ledger implements the idempotency ledger: the single dedup choke point and the
// monotonic status machine for every leader event.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/app/report"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/outboxstore"
)

// Update mutates an entry as part of a transition.
type Update func(*ledgerstore.Entry)

// WithReason records the reason and optional detail of a skip or reject.
func WithReason(reason, detail string) Update {
	return func(e *ledgerstore.Entry) {
		e.Reason = reason
		e.Detail = detail
	}
}

// WithOrder records the order parameters at submission.
func WithOrder(clientOrderID string, qty, ref, limit decimal.Decimal) Update {
	return func(e *ledgerstore.Entry) {
		e.ClientOrderID = clientOrderID
		e.RequestedQty = qty
		e.ReferencePrice = ref
		e.LimitPrice = limit
	}
}

// WithFill records cumulative fill progress.
func WithFill(filled, avgPrice decimal.Decimal) Update {
	return func(e *ledgerstore.Entry) {
		e.FilledQty = filled
		e.AvgFillPrice = avgPrice
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithObserver registers a callback invoked after every committed transition.
func WithObserver(fn func(ledgerstore.Entry)) Option {
	return func(l *Ledger) {
		l.observe = fn
	}
}

// Ledger wraps a ledgerstore.Store with transition validation and outbox emission.
type Ledger struct {
	store   ledgerstore.Store
	now     func() time.Time
	observe func(ledgerstore.Entry)
}

// New constructs a ledger.
func New(store ledgerstore.Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Store exposes the underlying store for transactional callers.
func (l *Ledger) Store() ledgerstore.Store {
	return l.store
}

// Now returns the ledger clock truncated to storage precision.
func (l *Ledger) Now() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

// Register atomically inserts a pending entry. created is false when an entry with the
// same leader event id already exists; the stored entry is returned in that case.
func (l *Ledger) Register(ctx context.Context, entry ledgerstore.Entry) (ledgerstore.Entry, bool, error) {
	var (
		out     ledgerstore.Entry
		created bool
	)
	err := l.store.WithTransaction(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		var err error
		out, created, err = l.RegisterTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return ledgerstore.Entry{}, false, err
	}
	if created {
		l.notify(out)
	}
	return out, created, nil
}

// RegisterTx is Register inside a caller-owned transaction.
func (l *Ledger) RegisterTx(ctx context.Context, tx ledgerstore.Tx, entry ledgerstore.Entry) (ledgerstore.Entry, bool, error) {
	if entry.LeaderEventID == "" {
		return ledgerstore.Entry{}, false, errs.New("ledger", errs.CodeInvalid, errs.WithMessage("leader event id required"))
	}
	now := l.Now()
	entry.Status = ledgerstore.StatusPending
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.ObservedAt = entry.ObservedAt.UTC().Truncate(time.Microsecond)
	if entry.Kind == "" {
		entry.Kind = ledgerstore.KindEntry
	}
	created, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return ledgerstore.Entry{}, false, fmt.Errorf("ledger register %s: %w", entry.LeaderEventID, err)
	}
	if !created {
		existing, err := tx.GetEntry(ctx, entry.LeaderEventID)
		if err != nil {
			return ledgerstore.Entry{}, false, fmt.Errorf("ledger load existing %s: %w", entry.LeaderEventID, err)
		}
		return existing, false, nil
	}
	if err := enqueue(ctx, tx, entry); err != nil {
		return ledgerstore.Entry{}, false, err
	}
	return entry, true, nil
}

// Advance moves an entry to status in its own transaction.
func (l *Ledger) Advance(ctx context.Context, id string, to ledgerstore.Status, updates ...Update) (ledgerstore.Entry, error) {
	var out ledgerstore.Entry
	err := l.store.WithTransaction(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		var err error
		out, err = l.AdvanceTx(ctx, tx, id, to, updates...)
		return err
	})
	if err != nil {
		return ledgerstore.Entry{}, err
	}
	l.notify(out)
	return out, nil
}

// AdvanceTx validates and applies a transition inside a caller-owned transaction. The
// write is a compare-and-set on the prior status. Callers using AdvanceTx directly are
// responsible for calling Committed after their transaction commits.
func (l *Ledger) AdvanceTx(ctx context.Context, tx ledgerstore.Tx, id string, to ledgerstore.Status, updates ...Update) (ledgerstore.Entry, error) {
	current, err := tx.GetEntry(ctx, id)
	if err != nil {
		if errors.Is(err, ledgerstore.ErrNotFound) {
			return ledgerstore.Entry{}, errs.New("ledger", errs.CodeNotFound, errs.WithField("leader_event_id", id), errs.WithCause(err))
		}
		return ledgerstore.Entry{}, fmt.Errorf("ledger load %s: %w", id, err)
	}
	if !ledgerstore.CanTransition(current.Status, to) {
		return ledgerstore.Entry{}, invalidTransition(id, current.Status, to, "transition not allowed")
	}
	next := current
	for _, apply := range updates {
		if apply != nil {
			apply(&next)
		}
	}
	next.LeaderEventID = current.LeaderEventID
	next.Status = to
	next.UpdatedAt = l.Now()
	ok, err := tx.UpdateEntry(ctx, next, current.Status)
	if err != nil {
		return ledgerstore.Entry{}, fmt.Errorf("ledger advance %s: %w", id, err)
	}
	if !ok {
		return ledgerstore.Entry{}, invalidTransition(id, current.Status, to, "status changed concurrently")
	}
	if err := enqueue(ctx, tx, next); err != nil {
		return ledgerstore.Entry{}, err
	}
	return next, nil
}

// Committed reports a transition applied through AdvanceTx or RegisterTx once the
// surrounding transaction has committed.
func (l *Ledger) Committed(entry ledgerstore.Entry) {
	l.notify(entry)
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, id string) (ledgerstore.Entry, error) {
	entry, err := l.store.GetEntry(ctx, id)
	if err != nil {
		if errors.Is(err, ledgerstore.ErrNotFound) {
			return ledgerstore.Entry{}, errs.New("ledger", errs.CodeNotFound, errs.WithField("leader_event_id", id), errs.WithCause(err))
		}
		return ledgerstore.Entry{}, err
	}
	return entry, nil
}

// ListPending returns pending entries created before olderThan.
func (l *Ledger) ListPending(ctx context.Context, olderThan time.Time) ([]ledgerstore.Entry, error) {
	return l.store.ListEntries(ctx, ledgerstore.EntryQuery{
		Statuses:      []ledgerstore.Status{ledgerstore.StatusPending},
		CreatedBefore: olderThan,
	})
}

// ListInFlight returns submitted and partially filled entries.
func (l *Ledger) ListInFlight(ctx context.Context) ([]ledgerstore.Entry, error) {
	return l.store.ListEntries(ctx, ledgerstore.EntryQuery{
		Statuses: []ledgerstore.Status{ledgerstore.StatusSubmitted, ledgerstore.StatusPartiallyFilled},
	})
}

// Archive moves terminal entries last updated before the cutoff into the archive table.
func (l *Ledger) Archive(ctx context.Context, before time.Time) (int64, error) {
	return l.store.ArchiveEntries(ctx, before)
}

func (l *Ledger) notify(entry ledgerstore.Entry) {
	if l.observe != nil {
		l.observe(entry)
	}
}

func enqueue(ctx context.Context, tx ledgerstore.Tx, entry ledgerstore.Entry) error {
	payload, err := report.Encode(report.FromEntry(entry))
	if err != nil {
		return err
	}
	err = tx.Enqueue(ctx, outboxstore.Event{
		AggregateType: outboxstore.AggregateLedgerEntry,
		AggregateID:   entry.LeaderEventID,
		EventType:     report.EventTypeTransition,
		Payload:       payload,
		Headers: map[string]any{
			"status":   string(entry.Status),
			"marketId": entry.MarketID,
		},
	})
	if err != nil {
		return fmt.Errorf("ledger enqueue report %s: %w", entry.LeaderEventID, err)
	}
	return nil
}

func invalidTransition(id string, from, to ledgerstore.Status, msg string) error {
	return errs.New("ledger", errs.CodeInvalidTransition,
		errs.WithMessage(msg),
		errs.WithField("leader_event_id", id),
		errs.WithField("from", string(from)),
		errs.WithField("to", string(to)))
}
