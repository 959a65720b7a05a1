package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/coachpo/tandem/internal/domain/outboxstore"
)

const (
	defaultOutboxLimit = 128
	maxOutboxLimit     = 1024
)

const (
	outboxInsertSQL = `
INSERT INTO events_outbox (
    aggregate_type,
    aggregate_id,
    event_type,
    payload,
    headers,
    available_at
)
VALUES ($1, $2, $3, COALESCE($4::jsonb, '{}'::jsonb), COALESCE($5::jsonb, '{}'::jsonb), $6);
`

	outboxListPendingSQL = `
SELECT
    id,
    aggregate_type,
    aggregate_id,
    event_type,
    payload,
    headers,
    available_at,
    published_at,
    attempts,
    last_error,
    delivered,
    created_at
FROM events_outbox
WHERE delivered = FALSE
  AND available_at <= NOW()
ORDER BY id ASC
LIMIT $1;
`

	outboxMarkDeliveredSQL = `
UPDATE events_outbox
SET delivered = TRUE,
    published_at = NOW(),
    last_error = NULL
WHERE id = $1;
`

	outboxMarkFailedSQL = `
UPDATE events_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE id = $1;
`

	outboxPurgeSQL = `
DELETE FROM events_outbox
WHERE delivered = TRUE
  AND published_at < $1;
`
)

// ListPending returns undelivered events whose availability time has passed, in
// insertion order.
func (s *Store) ListPending(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, outboxListPendingSQL, clampLimit(limit, defaultOutboxLimit, maxOutboxLimit))
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.EventRecord
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	return records, nil
}

// MarkDelivered flags a stored event as successfully published.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, outboxMarkDeliveredSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark delivered: no rows updated")
	}
	return nil
}

// MarkFailed records a failed publish attempt and defers the row until retryAt.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, outboxMarkFailedSQL, id, strings.TrimSpace(lastError), retryAt.UTC())
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no rows updated")
	}
	return nil
}

// PurgeDelivered removes delivered rows published before the cutoff.
func (s *Store) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, outboxPurgeSQL, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("outbox store: purge delivered: %w", err)
	}
	return tag.RowsAffected(), nil
}

func enqueue(ctx context.Context, q querier, evt outboxstore.Event) error {
	aggregateType := strings.TrimSpace(evt.AggregateType)
	if aggregateType == "" {
		return fmt.Errorf("outbox store: aggregate type required")
	}
	aggregateID := strings.TrimSpace(evt.AggregateID)
	if aggregateID == "" {
		return fmt.Errorf("outbox store: aggregate id required")
	}
	eventType := strings.TrimSpace(evt.EventType)
	if eventType == "" {
		return fmt.Errorf("outbox store: event type required")
	}
	var payload any
	if len(evt.Payload) > 0 {
		payload = string(evt.Payload)
	}
	headers, err := encodeJSON(evt.Headers)
	if err != nil {
		return fmt.Errorf("outbox store: encode headers: %w", err)
	}
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	if _, err := q.Exec(ctx, outboxInsertSQL, aggregateType, aggregateID, eventType, payload, string(headers), availableAt.UTC()); err != nil {
		return fmt.Errorf("outbox store: enqueue: %w", err)
	}
	return nil
}

func scanOutboxRecord(row rowScanner) (outboxstore.EventRecord, error) {
	var (
		record      outboxstore.EventRecord
		payloadJSON []byte
		headerJSON  []byte
		publishedAt pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.AggregateType,
		&record.AggregateID,
		&record.EventType,
		&payloadJSON,
		&headerJSON,
		&record.AvailableAt,
		&publishedAt,
		&record.Attempts,
		&lastError,
		&record.Delivered,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	if publishedAt.Valid {
		t := publishedAt.Time.UTC()
		record.PublishedAt = &t
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	headers, err := decodeJSON(headerJSON)
	if err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: decode headers: %w", err)
	}
	record.Payload = json.RawMessage(payloadJSON)
	record.Headers = headers
	record.AvailableAt = record.AvailableAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func encodeJSON(value map[string]any) ([]byte, error) {
	if len(value) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func decodeJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	return out, nil
}

var _ outboxstore.Store = (*Store)(nil)
