// Package outboxstore defines persistence contracts for the transactional report outbox.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// AggregateLedgerEntry marks outbox rows produced by ledger transitions.
const AggregateLedgerEntry = "ledger_entry"

// Event encapsulates a single outbox entry ready to be enqueued. It is written in the
// same transaction as the state change it describes.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Headers       map[string]any
	AvailableAt   time.Time
}

// EventRecord captures the persisted state of an outbox entry.
type EventRecord struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Headers       map[string]any
	AvailableAt   time.Time
	PublishedAt   *time.Time
	Attempts      int
	LastError     string
	Delivered     bool
	CreatedAt     time.Time
}

// Store abstracts the relay side of the outbox.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]EventRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error
	// PurgeDelivered removes delivered rows published before the cutoff.
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
}
