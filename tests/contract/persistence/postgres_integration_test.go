package persistence_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/tandem/internal/app/ledger"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/signal"
	"github.com/coachpo/tandem/internal/infra/persistence"
	"github.com/coachpo/tandem/internal/infra/persistence/migrations"
)

var (
	backend     persistence.Backend
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tandem"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: start container: %v\n", err)
		os.Exit(0)
	}
	pgContainer = container

	exitCode := 0
	if err := openBackend(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests failed to initialise: %v\n", err)
		exitCode = 1
	} else {
		exitCode = m.Run()
	}

	if backend != nil {
		_ = backend.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func openBackend(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/tandem?sslmode=disable", host, port.Port())

	backend, err = persistence.Open(ctx, persistence.Options{
		Driver:     persistence.DriverPostgres,
		DSN:        dsn,
		MaxConns:   8,
		Migrations: migrations.Embedded,
		Logger:     log.New(os.Stderr, "contract ", log.LstdFlags),
	})
	return err
}

func entry(id, marketID string) ledgerstore.Entry {
	return ledgerstore.Entry{
		LeaderEventID: id,
		LeaderID:      "0xleader",
		MarketID:      marketID,
		Side:          signal.SideBuy,
		LeaderSize:    decimal.NewFromInt(250),
		ObservedAt:    time.Now().UTC(),
	}
}

func TestPostgresPing(t *testing.T) {
	require.NoError(t, backend.Ping(context.Background()))
}

func TestPostgresRegisterIsIdempotentUnderContention(t *testing.T) {
	l := ledger.New(backend)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.Register(ctx, entry("pg-dup", "PG-M1"))
			if err == nil && ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, created.Load())
}

func TestPostgresTransitionsEnqueueOutboxEvents(t *testing.T) {
	l := ledger.New(backend)
	ctx := context.Background()

	_, _, err := l.Register(ctx, entry("pg-flow", "PG-M2"))
	require.NoError(t, err)

	submitted, err := l.Advance(ctx, "pg-flow", ledgerstore.StatusSubmitted,
		ledger.WithOrder("coid-pg-flow", decimal.NewFromInt(20), decimal.RequireFromString("0.41"), decimal.RequireFromString("0.42")))
	require.NoError(t, err)
	require.Equal(t, ledgerstore.StatusSubmitted, submitted.Status)
	require.True(t, submitted.RequestedQty.Equal(decimal.NewFromInt(20)))

	filled, err := l.Advance(ctx, "pg-flow", ledgerstore.StatusFilled,
		ledger.WithFill(decimal.NewFromInt(20), decimal.RequireFromString("0.415")))
	require.NoError(t, err)
	require.True(t, filled.AvgFillPrice.Equal(decimal.RequireFromString("0.415")))

	_, err = l.Advance(ctx, "pg-flow", ledgerstore.StatusSubmitted)
	require.Error(t, err)

	stored, err := l.Get(ctx, "pg-flow")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.StatusFilled, stored.Status)

	pending, err := backend.ListPending(ctx, 100)
	require.NoError(t, err)
	var transitions int
	for _, rec := range pending {
		if rec.AggregateID == "pg-flow" {
			transitions++
		}
	}
	require.Equal(t, 3, transitions)
}

func TestPostgresArchivedIDsStayDeduplicated(t *testing.T) {
	l := ledger.New(backend)
	ctx := context.Background()

	_, _, err := l.Register(ctx, entry("pg-archive", "PG-M3"))
	require.NoError(t, err)
	_, err = l.Advance(ctx, "pg-archive", ledgerstore.StatusSkipped, ledger.WithReason("spread_too_wide", ""))
	require.NoError(t, err)

	archived, err := l.Archive(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.GreaterOrEqual(t, archived, int64(1))

	_, created, err := l.Register(ctx, entry("pg-archive", "PG-M3"))
	require.NoError(t, err)
	require.False(t, created)
}
