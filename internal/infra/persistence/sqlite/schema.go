package sqlite

// Timestamps are unix microseconds; decimals are stored as canonical strings.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	leader_event_id        TEXT PRIMARY KEY,
	kind                   TEXT NOT NULL,
	leader_id              TEXT NOT NULL,
	market_id              TEXT NOT NULL,
	market_title           TEXT NOT NULL DEFAULT '',
	outcome                TEXT NOT NULL DEFAULT '',
	category_id            TEXT NOT NULL DEFAULT '',
	side                   TEXT NOT NULL,
	exit_mode              TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL,
	reason                 TEXT NOT NULL DEFAULT '',
	detail                 TEXT NOT NULL DEFAULT '',
	client_order_id        TEXT,
	leader_size            TEXT NOT NULL DEFAULT '0',
	band_low               TEXT NOT NULL DEFAULT '0',
	band_high              TEXT NOT NULL DEFAULT '0',
	requested_qty          TEXT NOT NULL DEFAULT '0',
	filled_qty             TEXT NOT NULL DEFAULT '0',
	reference_price        TEXT NOT NULL DEFAULT '0',
	limit_price            TEXT NOT NULL DEFAULT '0',
	avg_fill_price         TEXT NOT NULL DEFAULT '0',
	linked_leader_event_id TEXT NOT NULL DEFAULT '',
	observed_at            INTEGER NOT NULL,
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_status ON ledger_entries(status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_client_order ON ledger_entries(client_order_id) WHERE client_order_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS ledger_archive (
	leader_event_id        TEXT PRIMARY KEY,
	kind                   TEXT NOT NULL,
	leader_id              TEXT NOT NULL,
	market_id              TEXT NOT NULL,
	market_title           TEXT NOT NULL DEFAULT '',
	outcome                TEXT NOT NULL DEFAULT '',
	category_id            TEXT NOT NULL DEFAULT '',
	side                   TEXT NOT NULL,
	exit_mode              TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL,
	reason                 TEXT NOT NULL DEFAULT '',
	detail                 TEXT NOT NULL DEFAULT '',
	client_order_id        TEXT,
	leader_size            TEXT NOT NULL DEFAULT '0',
	band_low               TEXT NOT NULL DEFAULT '0',
	band_high              TEXT NOT NULL DEFAULT '0',
	requested_qty          TEXT NOT NULL DEFAULT '0',
	filled_qty             TEXT NOT NULL DEFAULT '0',
	reference_price        TEXT NOT NULL DEFAULT '0',
	limit_price            TEXT NOT NULL DEFAULT '0',
	avg_fill_price         TEXT NOT NULL DEFAULT '0',
	linked_leader_event_id TEXT NOT NULL DEFAULT '',
	observed_at            INTEGER NOT NULL,
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL,
	archived_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS follower_positions (
	market_id              TEXT NOT NULL,
	opened_at              INTEGER NOT NULL,
	category_id            TEXT NOT NULL DEFAULT '',
	leader_id              TEXT NOT NULL,
	side                   TEXT NOT NULL,
	quantity               TEXT NOT NULL,
	avg_entry_price        TEXT NOT NULL,
	cost_basis             TEXT NOT NULL,
	realized_pnl           TEXT NOT NULL DEFAULT '0',
	exit_mode              TEXT NOT NULL,
	take_profit            TEXT NOT NULL DEFAULT '0',
	stop_loss              TEXT NOT NULL DEFAULT '0',
	state                  TEXT NOT NULL,
	linked_leader_event_id TEXT NOT NULL,
	pending_exit_id        TEXT NOT NULL DEFAULT '',
	exit_attempts          INTEGER NOT NULL DEFAULT 0,
	deferred_exit_fraction TEXT NOT NULL DEFAULT '0',
	closed_at              INTEGER,
	updated_at             INTEGER NOT NULL,
	PRIMARY KEY (market_id, opened_at)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_follower_positions_active ON follower_positions(market_id) WHERE state <> 'closed';

CREATE TABLE IF NOT EXISTS exposure (
	scope  TEXT NOT NULL,
	key    TEXT NOT NULL,
	amount TEXT NOT NULL,
	PRIMARY KEY (scope, key)
);

CREATE TABLE IF NOT EXISTS events_outbox (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        TEXT NOT NULL,
	headers        TEXT NOT NULL DEFAULT '{}',
	available_at   INTEGER NOT NULL,
	published_at   INTEGER,
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	delivered      INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_outbox_pending ON events_outbox(delivered, available_at, id);
`
