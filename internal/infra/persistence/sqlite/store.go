// Package sqlite provides a single-node ledger store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/outboxstore"
	"github.com/coachpo/tandem/internal/domain/signal"
)

// Store implements ledgerstore.Store and outboxstore.Store. The connection pool is
// limited to one connection, so store methods must not be called from inside a
// WithTransaction callback; use the Tx instead.
type Store struct {
	db *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating when needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database handle is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store: closed")
	}
	return s.db.PingContext(ctx)
}

// WithTransaction runs fn inside a single SQLite transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, ledgerstore.Tx) error) (err error) {
	if fn == nil {
		return fmt.Errorf("sqlite store: transaction callback required")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(ctx, &tx{q: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// GetEntry returns a live or archived entry.
func (s *Store) GetEntry(ctx context.Context, id string) (ledgerstore.Entry, error) {
	return getEntry(ctx, s.db, id)
}

// ListEntries lists live entries matching the query, oldest first.
func (s *Store) ListEntries(ctx context.Context, query ledgerstore.EntryQuery) ([]ledgerstore.Entry, error) {
	var (
		clauses []string
		args    []any
	)
	if len(query.Statuses) > 0 {
		marks := make([]string, len(query.Statuses))
		for i, st := range query.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if !query.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, micros(query.CreatedBefore))
	}
	stmt := "SELECT " + entryColumns + " FROM ledger_entries"
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt += " ORDER BY created_at, leader_event_id"
	if query.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, query.Limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list entries: %w", err)
	}
	defer rows.Close()
	var out []ledgerstore.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetActivePosition returns the non-closed position for a market.
func (s *Store) GetActivePosition(ctx context.Context, marketID string) (ledgerstore.Position, error) {
	return getActivePosition(ctx, s.db, marketID)
}

// ListActivePositions returns every non-closed position.
func (s *Store) ListActivePositions(ctx context.Context) ([]ledgerstore.Position, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+positionColumns+" FROM follower_positions WHERE state <> 'closed' ORDER BY market_id")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list positions: %w", err)
	}
	defer rows.Close()
	var out []ledgerstore.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// LoadExposure returns the persisted aggregate.
func (s *Store) LoadExposure(ctx context.Context) ([]ledgerstore.ExposureRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT scope, key, amount FROM exposure ORDER BY scope, key")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load exposure: %w", err)
	}
	defer rows.Close()
	var out []ledgerstore.ExposureRecord
	for rows.Next() {
		var (
			rec    ledgerstore.ExposureRecord
			scope  string
			amount string
		)
		if err := rows.Scan(&scope, &rec.Key, &amount); err != nil {
			return nil, fmt.Errorf("sqlite store: scan exposure: %w", err)
		}
		rec.Scope = ledgerstore.ExposureScope(scope)
		if rec.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ArchiveEntries moves terminal entries last updated before the cutoff.
func (s *Store) ArchiveEntries(ctx context.Context, before time.Time) (int64, error) {
	var moved int64
	err := s.WithTransaction(ctx, func(ctx context.Context, t ledgerstore.Tx) error {
		q := t.(*tx).q
		cutoff := micros(before)
		if _, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO ledger_archive (`+entryColumns+`, archived_at)
			SELECT `+entryColumns+`, ? FROM ledger_entries
			WHERE status IN ('filled','rejected','skipped') AND updated_at < ?`,
			micros(time.Now()), cutoff); err != nil {
			return fmt.Errorf("sqlite store: archive copy: %w", err)
		}
		res, err := q.ExecContext(ctx, `
			DELETE FROM ledger_entries
			WHERE status IN ('filled','rejected','skipped') AND updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("sqlite store: archive delete: %w", err)
		}
		moved, _ = res.RowsAffected()
		return nil
	})
	return moved, err
}

type tx struct {
	q *sql.Tx
}

func (t *tx) InsertEntry(ctx context.Context, e ledgerstore.Entry) (bool, error) {
	args := append(entryArgs(e), e.LeaderEventID)
	res, err := t.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_entries (`+entryColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM ledger_archive WHERE leader_event_id = ?)`, args...)
	if err != nil {
		return false, fmt.Errorf("sqlite store: insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite store: insert entry rows: %w", err)
	}
	return n == 1, nil
}

func (t *tx) GetEntry(ctx context.Context, id string) (ledgerstore.Entry, error) {
	return getEntry(ctx, t.q, id)
}

func (t *tx) UpdateEntry(ctx context.Context, e ledgerstore.Entry, from ledgerstore.Status) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE ledger_entries SET
			category_id = ?, exit_mode = ?, status = ?, reason = ?, detail = ?, client_order_id = ?,
			requested_qty = ?, filled_qty = ?, reference_price = ?, limit_price = ?, avg_fill_price = ?,
			linked_leader_event_id = ?, updated_at = ?
		WHERE leader_event_id = ? AND status = ?`,
		e.CategoryID, string(e.ExitMode), string(e.Status), e.Reason, e.Detail, nullableString(e.ClientOrderID),
		e.RequestedQty.String(), e.FilledQty.String(), e.ReferencePrice.String(), e.LimitPrice.String(), e.AvgFillPrice.String(),
		e.LinkedLeaderEventID, micros(e.UpdatedAt),
		e.LeaderEventID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite store: update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite store: update entry rows: %w", err)
	}
	return n == 1, nil
}

func (t *tx) GetActivePosition(ctx context.Context, marketID string) (ledgerstore.Position, error) {
	return getActivePosition(ctx, t.q, marketID)
}

func (t *tx) InsertPosition(ctx context.Context, p ledgerstore.Position) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO follower_positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, positionArgs(p)...)
	if err != nil {
		return fmt.Errorf("sqlite store: insert position: %w", err)
	}
	return nil
}

func (t *tx) UpdatePosition(ctx context.Context, p ledgerstore.Position) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE follower_positions SET
			quantity = ?, avg_entry_price = ?, cost_basis = ?, realized_pnl = ?,
			exit_mode = ?, take_profit = ?, stop_loss = ?, state = ?,
			pending_exit_id = ?, exit_attempts = ?, deferred_exit_fraction = ?, closed_at = ?, updated_at = ?
		WHERE market_id = ? AND opened_at = ?`,
		p.Quantity.String(), p.AvgEntryPrice.String(), p.CostBasis.String(), p.RealizedPnL.String(),
		string(p.Exit.Mode), p.Exit.TakeProfit.String(), p.Exit.StopLoss.String(), string(p.State),
		p.PendingExitID, p.ExitAttempts, p.DeferredExitFraction.String(), nullableMicros(p.ClosedAt), micros(p.UpdatedAt),
		p.MarketID, micros(p.OpenedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: update position: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("sqlite store: update position %s: %w", p.MarketID, ledgerstore.ErrNotFound)
	}
	return nil
}

func (t *tx) AddExposure(ctx context.Context, scope ledgerstore.ExposureScope, key string, delta decimal.Decimal) error {
	if key == "" || delta.IsZero() {
		return nil
	}
	current := decimal.Zero
	var raw string
	err := t.q.QueryRowContext(ctx, "SELECT amount FROM exposure WHERE scope = ? AND key = ?", string(scope), key).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("sqlite store: read exposure: %w", err)
	default:
		if current, err = parseDecimal(raw); err != nil {
			return err
		}
	}
	next := current.Add(delta)
	if next.IsZero() {
		_, err = t.q.ExecContext(ctx, "DELETE FROM exposure WHERE scope = ? AND key = ?", string(scope), key)
	} else {
		_, err = t.q.ExecContext(ctx, `
			INSERT INTO exposure (scope, key, amount) VALUES (?, ?, ?)
			ON CONFLICT(scope, key) DO UPDATE SET amount = excluded.amount`,
			string(scope), key, next.String())
	}
	if err != nil {
		return fmt.Errorf("sqlite store: write exposure: %w", err)
	}
	return nil
}

func (t *tx) Enqueue(ctx context.Context, evt outboxstore.Event) error {
	headers, err := encodeHeaders(evt.Headers)
	if err != nil {
		return err
	}
	available := evt.AvailableAt
	if available.IsZero() {
		available = time.Now()
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO events_outbox (aggregate_type, aggregate_id, event_type, payload, headers, available_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.AggregateType, evt.AggregateID, evt.EventType, string(evt.Payload), headers,
		micros(available), micros(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: enqueue outbox: %w", err)
	}
	return nil
}

const entryColumns = `leader_event_id, kind, leader_id, market_id, market_title, outcome, category_id, side, exit_mode,
	status, reason, detail, client_order_id, leader_size, band_low, band_high, requested_qty, filled_qty,
	reference_price, limit_price, avg_fill_price, linked_leader_event_id, observed_at, created_at, updated_at`

const positionColumns = `market_id, opened_at, category_id, leader_id, side, quantity, avg_entry_price, cost_basis,
	realized_pnl, exit_mode, take_profit, stop_loss, state, linked_leader_event_id, pending_exit_id, exit_attempts,
	deferred_exit_fraction, closed_at, updated_at`

func entryArgs(e ledgerstore.Entry) []any {
	return []any{
		e.LeaderEventID, string(e.Kind), e.LeaderID, e.MarketID, e.MarketTitle, e.Outcome, e.CategoryID,
		string(e.Side), string(e.ExitMode), string(e.Status), e.Reason, e.Detail, nullableString(e.ClientOrderID),
		e.LeaderSize.String(), e.BandLow.String(), e.BandHigh.String(), e.RequestedQty.String(), e.FilledQty.String(),
		e.ReferencePrice.String(), e.LimitPrice.String(), e.AvgFillPrice.String(), e.LinkedLeaderEventID,
		micros(e.ObservedAt), micros(e.CreatedAt), micros(e.UpdatedAt),
	}
}

func positionArgs(p ledgerstore.Position) []any {
	return []any{
		p.MarketID, micros(p.OpenedAt), p.CategoryID, p.LeaderID, string(p.Side), p.Quantity.String(),
		p.AvgEntryPrice.String(), p.CostBasis.String(), p.RealizedPnL.String(), string(p.Exit.Mode),
		p.Exit.TakeProfit.String(), p.Exit.StopLoss.String(), string(p.State), p.LinkedLeaderEventID,
		p.PendingExitID, p.ExitAttempts, p.DeferredExitFraction.String(), nullableMicros(p.ClosedAt), micros(p.UpdatedAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getEntry(ctx context.Context, q querier, id string) (ledgerstore.Entry, error) {
	entry, err := scanEntry(q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE leader_event_id = ?", id))
	if errors.Is(err, ledgerstore.ErrNotFound) {
		return scanEntry(q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM ledger_archive WHERE leader_event_id = ?", id))
	}
	return entry, err
}

func getActivePosition(ctx context.Context, q querier, marketID string) (ledgerstore.Position, error) {
	return scanPosition(q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM follower_positions
		WHERE market_id = ? AND state <> 'closed'
		ORDER BY opened_at DESC LIMIT 1`, marketID))
}

func scanEntry(row rowScanner) (ledgerstore.Entry, error) {
	var (
		e                                        ledgerstore.Entry
		kind, side, exitMode, status             string
		clientOrderID                            sql.NullString
		leaderSize, bandLow, bandHigh, requested string
		filled, ref, limit, avg                  string
		observed, created, updated               int64
	)
	err := row.Scan(
		&e.LeaderEventID, &kind, &e.LeaderID, &e.MarketID, &e.MarketTitle, &e.Outcome, &e.CategoryID,
		&side, &exitMode, &status, &e.Reason, &e.Detail, &clientOrderID,
		&leaderSize, &bandLow, &bandHigh, &requested, &filled,
		&ref, &limit, &avg, &e.LinkedLeaderEventID, &observed, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledgerstore.Entry{}, ledgerstore.ErrNotFound
	}
	if err != nil {
		return ledgerstore.Entry{}, fmt.Errorf("sqlite store: scan entry: %w", err)
	}
	e.Kind = ledgerstore.Kind(kind)
	e.Side = signal.Side(side)
	e.ExitMode = ledgerstore.ExitMode(exitMode)
	e.Status = ledgerstore.Status(status)
	e.ClientOrderID = clientOrderID.String
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&e.LeaderSize, leaderSize}, {&e.BandLow, bandLow}, {&e.BandHigh, bandHigh},
		{&e.RequestedQty, requested}, {&e.FilledQty, filled}, {&e.ReferencePrice, ref},
		{&e.LimitPrice, limit}, {&e.AvgFillPrice, avg},
	} {
		if *f.dst, err = parseDecimal(f.raw); err != nil {
			return ledgerstore.Entry{}, err
		}
	}
	e.ObservedAt = fromMicros(observed)
	e.CreatedAt = fromMicros(created)
	e.UpdatedAt = fromMicros(updated)
	return e, nil
}

func scanPosition(row rowScanner) (ledgerstore.Position, error) {
	var (
		p                                 ledgerstore.Position
		side, exitMode, state             string
		qty, avg, cost, pnl, tp, sl, frac string
		opened, updated                   int64
		closed                            sql.NullInt64
	)
	err := row.Scan(
		&p.MarketID, &opened, &p.CategoryID, &p.LeaderID, &side, &qty, &avg, &cost,
		&pnl, &exitMode, &tp, &sl, &state, &p.LinkedLeaderEventID, &p.PendingExitID, &p.ExitAttempts,
		&frac, &closed, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledgerstore.Position{}, ledgerstore.ErrNotFound
	}
	if err != nil {
		return ledgerstore.Position{}, fmt.Errorf("sqlite store: scan position: %w", err)
	}
	p.Side = signal.Side(side)
	p.Exit.Mode = ledgerstore.ExitMode(exitMode)
	p.State = ledgerstore.PositionState(state)
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&p.Quantity, qty}, {&p.AvgEntryPrice, avg}, {&p.CostBasis, cost},
		{&p.RealizedPnL, pnl}, {&p.Exit.TakeProfit, tp}, {&p.Exit.StopLoss, sl},
		{&p.DeferredExitFraction, frac},
	} {
		if *f.dst, err = parseDecimal(f.raw); err != nil {
			return ledgerstore.Position{}, err
		}
	}
	p.OpenedAt = fromMicros(opened)
	p.UpdatedAt = fromMicros(updated)
	if closed.Valid {
		ts := fromMicros(closed.Int64)
		p.ClosedAt = &ts
	}
	return p, nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("sqlite store: parse decimal %q: %w", raw, err)
	}
	return d, nil
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func nullableMicros(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMicro()
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func encodeHeaders(headers map[string]any) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("sqlite store: encode headers: %w", err)
	}
	return string(data), nil
}

var (
	_ ledgerstore.Store = (*Store)(nil)
	_ ledgerstore.Tx    = (*tx)(nil)
)
