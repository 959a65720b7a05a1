package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tandem/internal/domain/outboxstore"
)

// ListPending returns undelivered rows whose availability time has passed.
func (s *Store) ListPending(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, headers,
			available_at, published_at, attempts, last_error, delivered, created_at
		FROM events_outbox
		WHERE delivered = 0 AND available_at <= ?
		ORDER BY id
		LIMIT ?`, micros(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list outbox: %w", err)
	}
	defer rows.Close()
	var out []outboxstore.EventRecord
	for rows.Next() {
		var (
			rec                           outboxstore.EventRecord
			payload, headers              string
			available, created, delivered int64
			published                     sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &payload, &headers,
			&available, &published, &rec.Attempts, &rec.LastError, &delivered, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: scan outbox: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		if headers != "" && headers != "{}" {
			if err := json.Unmarshal([]byte(headers), &rec.Headers); err != nil {
				return nil, fmt.Errorf("sqlite store: decode outbox headers: %w", err)
			}
		}
		rec.AvailableAt = fromMicros(available)
		rec.CreatedAt = fromMicros(created)
		rec.Delivered = delivered == 1
		if published.Valid {
			ts := fromMicros(published.Int64)
			rec.PublishedAt = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkDelivered flags a row as published.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events_outbox SET delivered = 1, published_at = ?, last_error = ''
		WHERE id = ?`, micros(time.Now()), id)
	if err != nil {
		return fmt.Errorf("sqlite store: mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt and defers the row until retryAt.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events_outbox SET attempts = attempts + 1, last_error = ?, available_at = ?
		WHERE id = ?`, lastError, micros(retryAt), id)
	if err != nil {
		return fmt.Errorf("sqlite store: mark failed: %w", err)
	}
	return nil
}

// PurgeDelivered removes delivered rows published before the cutoff.
func (s *Store) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events_outbox WHERE delivered = 1 AND published_at < ?`, micros(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite store: purge outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var _ outboxstore.Store = (*Store)(nil)
