package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/outboxstore"
	"github.com/coachpo/tandem/internal/domain/signal"
)

const (
	entryColumns = `leader_event_id, kind, leader_id, market_id, market_title, outcome, category_id, side, exit_mode,
    status, reason, detail, client_order_id, leader_size, band_low, band_high, requested_qty, filled_qty,
    reference_price, limit_price, avg_fill_price, linked_leader_event_id, observed_at, created_at, updated_at`

	entrySelect = `
SELECT
    leader_event_id, kind, leader_id, market_id, market_title, outcome, category_id, side, exit_mode,
    status, reason, detail, client_order_id,
    leader_size::text, band_low::text, band_high::text, requested_qty::text, filled_qty::text,
    reference_price::text, limit_price::text, avg_fill_price::text,
    linked_leader_event_id, observed_at, created_at, updated_at
`

	entryInsertSQL = `
INSERT INTO ledger_entries (` + entryColumns + `)
SELECT
    @leader_event_id::text, @kind::text, @leader_id::text, @market_id::text, @market_title::text,
    @outcome::text, @category_id::text, @side::text, @exit_mode::text, @status::text, @reason::text,
    @detail::text, @client_order_id::text,
    @leader_size::numeric, @band_low::numeric, @band_high::numeric, @requested_qty::numeric,
    @filled_qty::numeric, @reference_price::numeric, @limit_price::numeric, @avg_fill_price::numeric,
    @linked_leader_event_id::text, @observed_at::timestamptz, @created_at::timestamptz, @updated_at::timestamptz
WHERE NOT EXISTS (SELECT 1 FROM ledger_archive WHERE leader_event_id = @leader_event_id::text)
ON CONFLICT (leader_event_id) DO NOTHING;
`

	entryUpdateSQL = `
UPDATE ledger_entries
SET category_id = @category_id,
    exit_mode = @exit_mode,
    status = @status,
    reason = @reason,
    detail = @detail,
    client_order_id = @client_order_id,
    requested_qty = @requested_qty,
    filled_qty = @filled_qty,
    reference_price = @reference_price,
    limit_price = @limit_price,
    avg_fill_price = @avg_fill_price,
    linked_leader_event_id = @linked_leader_event_id,
    updated_at = @updated_at
WHERE leader_event_id = @leader_event_id
  AND status = @from_status;
`

	positionSelect = `
SELECT
    market_id, opened_at, category_id, leader_id, side,
    quantity::text, avg_entry_price::text, cost_basis::text, realized_pnl::text,
    exit_mode, take_profit::text, stop_loss::text, state, linked_leader_event_id,
    pending_exit_id, exit_attempts, deferred_exit_fraction::text, closed_at, updated_at
FROM follower_positions
`

	positionInsertSQL = `
INSERT INTO follower_positions (
    market_id, opened_at, category_id, leader_id, side, quantity, avg_entry_price, cost_basis,
    realized_pnl, exit_mode, take_profit, stop_loss, state, linked_leader_event_id, pending_exit_id,
    exit_attempts, deferred_exit_fraction, closed_at, updated_at
)
VALUES (
    @market_id, @opened_at, @category_id, @leader_id, @side, @quantity, @avg_entry_price, @cost_basis,
    @realized_pnl, @exit_mode, @take_profit, @stop_loss, @state, @linked_leader_event_id, @pending_exit_id,
    @exit_attempts, @deferred_exit_fraction, @closed_at, @updated_at
);
`

	positionUpdateSQL = `
UPDATE follower_positions
SET quantity = @quantity,
    avg_entry_price = @avg_entry_price,
    cost_basis = @cost_basis,
    realized_pnl = @realized_pnl,
    exit_mode = @exit_mode,
    take_profit = @take_profit,
    stop_loss = @stop_loss,
    state = @state,
    pending_exit_id = @pending_exit_id,
    exit_attempts = @exit_attempts,
    deferred_exit_fraction = @deferred_exit_fraction,
    closed_at = @closed_at,
    updated_at = @updated_at
WHERE market_id = @market_id
  AND opened_at = @opened_at;
`

	exposureUpsertSQL = `
INSERT INTO exposure (scope, key, amount)
VALUES (@scope, @key, @delta)
ON CONFLICT (scope, key) DO UPDATE SET amount = exposure.amount + EXCLUDED.amount
RETURNING amount::text;
`

	exposureDeleteZeroSQL = `
DELETE FROM exposure
WHERE scope = @scope
  AND key = @key
  AND amount = 0;
`

	archiveCopySQL = `
INSERT INTO ledger_archive (` + entryColumns + `, archived_at)
SELECT ` + entryColumns + `, NOW()
FROM ledger_entries
WHERE status IN ('filled', 'rejected', 'skipped')
  AND updated_at < @before
ON CONFLICT (leader_event_id) DO NOTHING;
`

	archiveDeleteSQL = `
DELETE FROM ledger_entries
WHERE status IN ('filled', 'rejected', 'skipped')
  AND updated_at < @before;
`

	defaultEntryLimit = 500
	maxEntryLimit     = 10000
)

type ledgerTx struct {
	tx pgx.Tx
}

// WithTransaction executes fn within a read-committed transaction. Conditional
// updates carry the concurrency control, so no stronger isolation is needed.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, ledgerstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("ledger store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("ledger store: begin tx: %w", err)
	}
	if runErr := fn(ctx, &ledgerTx{tx: tx}); runErr != nil {
		return rollback(ctx, tx, runErr)
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("ledger store: commit tx: %w", err)
	}
	return nil
}

// GetEntry returns a live or archived entry.
func (s *Store) GetEntry(ctx context.Context, leaderEventID string) (ledgerstore.Entry, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return ledgerstore.Entry{}, err
	}
	return getEntry(ctx, pool, leaderEventID)
}

// ListEntries lists live entries matching the query, oldest first.
func (s *Store) ListEntries(ctx context.Context, query ledgerstore.EntryQuery) ([]ledgerstore.Entry, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultEntryLimit, maxEntryLimit)

	builder := strings.Builder{}
	builder.WriteString(entrySelect)
	builder.WriteString(" FROM ledger_entries WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1
	if statuses := statusStrings(query.Statuses); len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	if !query.CreatedBefore.IsZero() {
		fmt.Fprintf(&builder, " AND created_at < $%d", argPos)
		args = append(args, query.CreatedBefore.UTC())
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at ASC, leader_event_id ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list entries: %w", err)
	}
	defer rows.Close()

	var entries []ledgerstore.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate entries: %w", err)
	}
	return entries, nil
}

// GetActivePosition returns the non-closed position for a market.
func (s *Store) GetActivePosition(ctx context.Context, marketID string) (ledgerstore.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return ledgerstore.Position{}, err
	}
	return getActivePosition(ctx, pool, marketID)
}

// ListActivePositions returns every non-closed position.
func (s *Store) ListActivePositions(ctx context.Context) ([]ledgerstore.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, positionSelect+" WHERE state <> 'closed' ORDER BY market_id")
	if err != nil {
		return nil, fmt.Errorf("ledger store: list positions: %w", err)
	}
	defer rows.Close()

	var positions []ledgerstore.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate positions: %w", err)
	}
	return positions, nil
}

// LoadExposure returns the persisted aggregate.
func (s *Store) LoadExposure(ctx context.Context) ([]ledgerstore.ExposureRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, "SELECT scope, key, amount::text FROM exposure ORDER BY scope, key")
	if err != nil {
		return nil, fmt.Errorf("ledger store: load exposure: %w", err)
	}
	defer rows.Close()

	var records []ledgerstore.ExposureRecord
	for rows.Next() {
		var (
			rec    ledgerstore.ExposureRecord
			scope  string
			amount string
		)
		if err := rows.Scan(&scope, &rec.Key, &amount); err != nil {
			return nil, fmt.Errorf("ledger store: scan exposure: %w", err)
		}
		rec.Scope = ledgerstore.ExposureScope(scope)
		if rec.Amount, err = parseNumeric(amount); err != nil {
			return nil, fmt.Errorf("ledger store: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate exposure: %w", err)
	}
	return records, nil
}

// ArchiveEntries moves terminal entries last updated before the cutoff.
func (s *Store) ArchiveEntries(ctx context.Context, before time.Time) (int64, error) {
	var moved int64
	err := s.WithTransaction(ctx, func(ctx context.Context, t ledgerstore.Tx) error {
		tx := t.(*ledgerTx).tx
		args := pgx.NamedArgs{"before": before.UTC()}
		if _, err := tx.Exec(ctx, archiveCopySQL, args); err != nil {
			return fmt.Errorf("ledger store: archive copy: %w", err)
		}
		tag, err := tx.Exec(ctx, archiveDeleteSQL, args)
		if err != nil {
			return fmt.Errorf("ledger store: archive delete: %w", err)
		}
		moved = tag.RowsAffected()
		return nil
	})
	return moved, err
}

func (t *ledgerTx) InsertEntry(ctx context.Context, e ledgerstore.Entry) (bool, error) {
	args := entryArgs(e)
	tag, err := t.tx.Exec(ctx, entryInsertSQL, args)
	if err != nil {
		return false, fmt.Errorf("ledger store: insert entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *ledgerTx) GetEntry(ctx context.Context, leaderEventID string) (ledgerstore.Entry, error) {
	return getEntry(ctx, t.tx, leaderEventID)
}

func (t *ledgerTx) UpdateEntry(ctx context.Context, e ledgerstore.Entry, from ledgerstore.Status) (bool, error) {
	args := entryArgs(e)
	args["from_status"] = string(from)
	tag, err := t.tx.Exec(ctx, entryUpdateSQL, args)
	if err != nil {
		return false, fmt.Errorf("ledger store: update entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *ledgerTx) GetActivePosition(ctx context.Context, marketID string) (ledgerstore.Position, error) {
	return getActivePosition(ctx, t.tx, marketID)
}

func (t *ledgerTx) InsertPosition(ctx context.Context, p ledgerstore.Position) error {
	if _, err := t.tx.Exec(ctx, positionInsertSQL, positionArgs(p)); err != nil {
		return fmt.Errorf("ledger store: insert position: %w", err)
	}
	return nil
}

func (t *ledgerTx) UpdatePosition(ctx context.Context, p ledgerstore.Position) error {
	tag, err := t.tx.Exec(ctx, positionUpdateSQL, positionArgs(p))
	if err != nil {
		return fmt.Errorf("ledger store: update position: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("ledger store: update position %s: %w", p.MarketID, ledgerstore.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) AddExposure(ctx context.Context, scope ledgerstore.ExposureScope, key string, delta decimal.Decimal) error {
	if key == "" || delta.IsZero() {
		return nil
	}
	args := pgx.NamedArgs{
		"scope": string(scope),
		"key":   key,
		"delta": numericText(delta),
	}
	var raw string
	if err := t.tx.QueryRow(ctx, exposureUpsertSQL, args).Scan(&raw); err != nil {
		return fmt.Errorf("ledger store: write exposure: %w", err)
	}
	amount, err := parseNumeric(raw)
	if err != nil {
		return fmt.Errorf("ledger store: %w", err)
	}
	if amount.IsZero() {
		if _, err := t.tx.Exec(ctx, exposureDeleteZeroSQL, args); err != nil {
			return fmt.Errorf("ledger store: clear exposure: %w", err)
		}
	}
	return nil
}

func (t *ledgerTx) Enqueue(ctx context.Context, evt outboxstore.Event) error {
	return enqueue(ctx, t.tx, evt)
}

func entryArgs(e ledgerstore.Entry) pgx.NamedArgs {
	return pgx.NamedArgs{
		"leader_event_id":        e.LeaderEventID,
		"kind":                   string(e.Kind),
		"leader_id":              e.LeaderID,
		"market_id":              e.MarketID,
		"market_title":           e.MarketTitle,
		"outcome":                e.Outcome,
		"category_id":            e.CategoryID,
		"side":                   string(e.Side),
		"exit_mode":              string(e.ExitMode),
		"status":                 string(e.Status),
		"reason":                 e.Reason,
		"detail":                 e.Detail,
		"client_order_id":        nullableString(e.ClientOrderID),
		"leader_size":            numericText(e.LeaderSize),
		"band_low":               numericText(e.BandLow),
		"band_high":              numericText(e.BandHigh),
		"requested_qty":          numericText(e.RequestedQty),
		"filled_qty":             numericText(e.FilledQty),
		"reference_price":        numericText(e.ReferencePrice),
		"limit_price":            numericText(e.LimitPrice),
		"avg_fill_price":         numericText(e.AvgFillPrice),
		"linked_leader_event_id": e.LinkedLeaderEventID,
		"observed_at":            e.ObservedAt.UTC(),
		"created_at":             e.CreatedAt.UTC(),
		"updated_at":             e.UpdatedAt.UTC(),
	}
}

func positionArgs(p ledgerstore.Position) pgx.NamedArgs {
	return pgx.NamedArgs{
		"market_id":              p.MarketID,
		"opened_at":              p.OpenedAt.UTC(),
		"category_id":            p.CategoryID,
		"leader_id":              p.LeaderID,
		"side":                   string(p.Side),
		"quantity":               numericText(p.Quantity),
		"avg_entry_price":        numericText(p.AvgEntryPrice),
		"cost_basis":             numericText(p.CostBasis),
		"realized_pnl":           numericText(p.RealizedPnL),
		"exit_mode":              string(p.Exit.Mode),
		"take_profit":            numericText(p.Exit.TakeProfit),
		"stop_loss":              numericText(p.Exit.StopLoss),
		"state":                  string(p.State),
		"linked_leader_event_id": p.LinkedLeaderEventID,
		"pending_exit_id":        p.PendingExitID,
		"exit_attempts":          p.ExitAttempts,
		"deferred_exit_fraction": numericText(p.DeferredExitFraction),
		"closed_at":              nullableTime(p.ClosedAt),
		"updated_at":             p.UpdatedAt.UTC(),
	}
}

func getEntry(ctx context.Context, q querier, id string) (ledgerstore.Entry, error) {
	entry, err := scanEntry(q.QueryRow(ctx, entrySelect+" FROM ledger_entries WHERE leader_event_id = $1", id))
	if errors.Is(err, ledgerstore.ErrNotFound) {
		return scanEntry(q.QueryRow(ctx, entrySelect+" FROM ledger_archive WHERE leader_event_id = $1", id))
	}
	return entry, err
}

func getActivePosition(ctx context.Context, q querier, marketID string) (ledgerstore.Position, error) {
	return scanPosition(q.QueryRow(ctx,
		positionSelect+" WHERE market_id = $1 AND state <> 'closed' ORDER BY opened_at DESC LIMIT 1", marketID))
}

func scanEntry(row rowScanner) (ledgerstore.Entry, error) {
	var (
		e                                        ledgerstore.Entry
		kind, side, exitMode, status             string
		clientOrderID                            pgtype.Text
		leaderSize, bandLow, bandHigh, requested string
		filled, ref, limit, avg                  string
	)
	err := row.Scan(
		&e.LeaderEventID, &kind, &e.LeaderID, &e.MarketID, &e.MarketTitle, &e.Outcome, &e.CategoryID,
		&side, &exitMode, &status, &e.Reason, &e.Detail, &clientOrderID,
		&leaderSize, &bandLow, &bandHigh, &requested, &filled,
		&ref, &limit, &avg, &e.LinkedLeaderEventID, &e.ObservedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledgerstore.Entry{}, ledgerstore.ErrNotFound
	}
	if err != nil {
		return ledgerstore.Entry{}, fmt.Errorf("ledger store: scan entry: %w", err)
	}
	e.Kind = ledgerstore.Kind(kind)
	e.Side = signal.Side(side)
	e.ExitMode = ledgerstore.ExitMode(exitMode)
	e.Status = ledgerstore.Status(status)
	if clientOrderID.Valid {
		e.ClientOrderID = clientOrderID.String
	}
	if err := parseNumerics(
		numericField{&e.LeaderSize, leaderSize}, numericField{&e.BandLow, bandLow},
		numericField{&e.BandHigh, bandHigh}, numericField{&e.RequestedQty, requested},
		numericField{&e.FilledQty, filled}, numericField{&e.ReferencePrice, ref},
		numericField{&e.LimitPrice, limit}, numericField{&e.AvgFillPrice, avg},
	); err != nil {
		return ledgerstore.Entry{}, fmt.Errorf("ledger store: entry %s: %w", e.LeaderEventID, err)
	}
	e.ObservedAt = e.ObservedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func scanPosition(row rowScanner) (ledgerstore.Position, error) {
	var (
		p                                 ledgerstore.Position
		side, exitMode, state             string
		qty, avg, cost, pnl, tp, sl, frac string
		closedAt                          pgtype.Timestamptz
	)
	err := row.Scan(
		&p.MarketID, &p.OpenedAt, &p.CategoryID, &p.LeaderID, &side,
		&qty, &avg, &cost, &pnl,
		&exitMode, &tp, &sl, &state, &p.LinkedLeaderEventID,
		&p.PendingExitID, &p.ExitAttempts, &frac, &closedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledgerstore.Position{}, ledgerstore.ErrNotFound
	}
	if err != nil {
		return ledgerstore.Position{}, fmt.Errorf("ledger store: scan position: %w", err)
	}
	p.Side = signal.Side(side)
	p.Exit.Mode = ledgerstore.ExitMode(exitMode)
	p.State = ledgerstore.PositionState(state)
	if err := parseNumerics(
		numericField{&p.Quantity, qty}, numericField{&p.AvgEntryPrice, avg},
		numericField{&p.CostBasis, cost}, numericField{&p.RealizedPnL, pnl},
		numericField{&p.Exit.TakeProfit, tp}, numericField{&p.Exit.StopLoss, sl},
		numericField{&p.DeferredExitFraction, frac},
	); err != nil {
		return ledgerstore.Position{}, fmt.Errorf("ledger store: position %s: %w", p.MarketID, err)
	}
	p.OpenedAt = p.OpenedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if closedAt.Valid {
		ts := closedAt.Time.UTC()
		p.ClosedAt = &ts
	}
	return p, nil
}

func statusStrings(statuses []ledgerstore.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if trimmed := strings.TrimSpace(string(st)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

var (
	_ ledgerstore.Store = (*Store)(nil)
	_ ledgerstore.Tx    = (*ledgerTx)(nil)
)
