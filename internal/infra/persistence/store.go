// Package persistence selects and opens the ledger storage backend.
package persistence

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/outboxstore"
	"github.com/coachpo/tandem/internal/infra/persistence/migrations"
	"github.com/coachpo/tandem/internal/infra/persistence/postgres"
	"github.com/coachpo/tandem/internal/infra/persistence/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Backend is a durable ledger that also serves the report outbox.
type Backend interface {
	ledgerstore.Store
	outboxstore.Store
	Ping(ctx context.Context) error
	Close() error
}

// Options configures Open.
type Options struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN      string
	MaxConns int32
	// Migrations is a directory or migrations.Embedded; empty skips migration.
	Migrations string
	Logger     *log.Logger
}

// Open opens the configured backend. PostgreSQL schemas are migrated first when
// Options.Migrations is set; SQLite applies its schema on open.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		return sqlite.Open(ctx, opts.Path)
	case DriverPostgres:
		if strings.TrimSpace(opts.Migrations) != "" {
			if err := migrations.Apply(ctx, opts.DSN, opts.Migrations, opts.Logger); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.Connect(ctx, opts.DSN, opts.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := postgres.ObservePoolMetrics(pool, "ledger"); err != nil && opts.Logger != nil {
			opts.Logger.Printf("pool metrics unavailable: %v", err)
		}
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("persistence: unsupported driver %q", opts.Driver)
	}
}
