// Package ledgerstore defines persistence contracts for the idempotency ledger,
// follower positions and the persisted exposure aggregate.
package ledgerstore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/outboxstore"
	"github.com/coachpo/tandem/internal/domain/signal"
)

// ErrNotFound is returned when a ledger entry or position does not exist.
var ErrNotFound = errors.New("ledger store: not found")

// Kind distinguishes entry orders from exit orders.
type Kind string

const (
	// KindEntry opens or increases a follower position.
	KindEntry Kind = "entry"
	// KindExit reduces or closes a follower position.
	KindExit Kind = "exit"
)

// Entry is one ledger row keyed by leader event id.
type Entry struct {
	LeaderEventID       string
	Kind                Kind
	LeaderID            string
	MarketID            string
	MarketTitle         string
	Outcome             string
	CategoryID          string
	Side                signal.Side
	ExitMode            ExitMode
	Status              Status
	Reason              string
	Detail              string
	ClientOrderID       string
	LeaderSize          decimal.Decimal
	BandLow             decimal.Decimal
	BandHigh            decimal.Decimal
	RequestedQty        decimal.Decimal
	FilledQty           decimal.Decimal
	ReferencePrice      decimal.Decimal
	LimitPrice          decimal.Decimal
	AvgFillPrice        decimal.Decimal
	LinkedLeaderEventID string
	ObservedAt          time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Outstanding returns the unfilled notional an in-flight entry order still reserves.
func (e Entry) Outstanding() decimal.Decimal {
	if e.Kind != KindEntry || !e.Status.InFlight() {
		return decimal.Zero
	}
	remaining := e.RequestedQty.Sub(e.FilledQty)
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	return remaining.Mul(e.ReferencePrice)
}

// EntryQuery filters ledger listings.
type EntryQuery struct {
	Statuses      []Status
	CreatedBefore time.Time
	Limit         int
}

// PositionState tracks the follower position lifecycle.
type PositionState string

const (
	// PositionOpen accepts exits.
	PositionOpen PositionState = "open"
	// PositionClosing has an exit order in flight.
	PositionClosing PositionState = "closing"
	// PositionClosed is terminal.
	PositionClosed PositionState = "closed"
)

// ExitMode tags the exit policy variant.
type ExitMode string

const (
	// ExitMirror follows leader sells.
	ExitMirror ExitMode = "mirror"
	// ExitTPSL exits on independent take-profit/stop-loss thresholds.
	ExitTPSL ExitMode = "tp_sl"
)

// ExitPolicy is the tagged exit strategy attached to a position.
// TakeProfit and StopLoss are only meaningful for ExitTPSL.
type ExitPolicy struct {
	Mode       ExitMode
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

// MirrorExit returns the mirror variant.
func MirrorExit() ExitPolicy { return ExitPolicy{Mode: ExitMirror} }

// TPSLExit returns the tp_sl variant.
func TPSLExit(tp, sl decimal.Decimal) ExitPolicy {
	return ExitPolicy{Mode: ExitTPSL, TakeProfit: tp, StopLoss: sl}
}

// Position is a follower holding in a single market.
type Position struct {
	MarketID             string
	OpenedAt             time.Time
	CategoryID           string
	LeaderID             string
	Side                 signal.Side
	Quantity             decimal.Decimal
	AvgEntryPrice        decimal.Decimal
	CostBasis            decimal.Decimal
	RealizedPnL          decimal.Decimal
	Exit                 ExitPolicy
	State                PositionState
	LinkedLeaderEventID  string
	PendingExitID        string
	ExitAttempts         int
	// DeferredExitFraction is the share of the position still to sell for leader sells
	// that arrived while an exit was working.
	DeferredExitFraction decimal.Decimal
	ClosedAt             *time.Time
	UpdatedAt            time.Time
}

// ExposureScope distinguishes the aggregate dimensions.
type ExposureScope string

const (
	// ScopeMarket aggregates per market id.
	ScopeMarket ExposureScope = "market"
	// ScopeCategory aggregates per category id.
	ScopeCategory ExposureScope = "category"
)

// ExposureRecord is one persisted aggregate row.
type ExposureRecord struct {
	Scope  ExposureScope
	Key    string
	Amount decimal.Decimal
}

// Tx exposes the mutations that must commit atomically.
type Tx interface {
	// InsertEntry inserts the entry unless its id exists; it reports whether a row was written.
	InsertEntry(ctx context.Context, entry Entry) (bool, error)
	GetEntry(ctx context.Context, leaderEventID string) (Entry, error)
	// UpdateEntry writes entry when the stored status still equals from.
	UpdateEntry(ctx context.Context, entry Entry, from Status) (bool, error)
	GetActivePosition(ctx context.Context, marketID string) (Position, error)
	InsertPosition(ctx context.Context, position Position) error
	UpdatePosition(ctx context.Context, position Position) error
	AddExposure(ctx context.Context, scope ExposureScope, key string, delta decimal.Decimal) error
	Enqueue(ctx context.Context, evt outboxstore.Event) error
}

// Store abstracts the durable ledger.
type Store interface {
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	GetEntry(ctx context.Context, leaderEventID string) (Entry, error)
	ListEntries(ctx context.Context, query EntryQuery) ([]Entry, error)
	GetActivePosition(ctx context.Context, marketID string) (Position, error)
	ListActivePositions(ctx context.Context) ([]Position, error)
	LoadExposure(ctx context.Context) ([]ExposureRecord, error)
	// ArchiveEntries moves terminal entries updated before the cutoff into the archive.
	ArchiveEntries(ctx context.Context, before time.Time) (int64, error)
}
