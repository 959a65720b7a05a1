package migrations

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedSourceCarriesLedgerSchema(t *testing.T) {
	src, err := embeddedSource()
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	first, err := src.First()
	require.NoError(t, err)
	require.EqualValues(t, 1, first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	require.NoError(t, up.Close())
	require.NoError(t, err)
	for _, table := range []string{"ledger_entries", "ledger_archive", "follower_positions", "exposure", "events_outbox"} {
		require.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table)
	}
	require.Contains(t, string(body), "deferred_exit_fraction")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	body, err = io.ReadAll(down)
	require.NoError(t, down.Close())
	require.NoError(t, err)
	require.Contains(t, string(body), "DROP TABLE IF EXISTS ledger_entries")

	_, err = src.Next(first)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestResolveDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db", "migrations")
	require.NoError(t, os.MkdirAll(path, 0o755))

	resolved, err := resolveDir(" " + path + " ")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
	require.Equal(t, filepath.Clean(path), resolved)

	_, err = resolveDir(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	file := filepath.Join(dir, "0001.sql")
	require.NoError(t, os.WriteFile(file, []byte("SELECT 1;"), 0o600))
	_, err = resolveDir(file)
	require.ErrorIs(t, err, errNotDirectory)

	_, err = resolveDir("  ")
	require.ErrorContains(t, err, "path required")
}

func TestFileURL(t *testing.T) {
	require.Equal(t, "file:///srv/tandem/db/migrations", fileURL("/srv/tandem/db/migrations"))
	got := fileURL("C:/tandem/migrations")
	require.True(t, strings.HasPrefix(got, "file:///C:"), got)
}

func TestPathErrorsPrecedeConnecting(t *testing.T) {
	ctx := context.Background()
	err := Apply(ctx, "postgresql://invalid", "does-not-exist", nil)
	require.ErrorIs(t, err, fs.ErrNotExist)

	err = Rollback(ctx, "postgresql://invalid", "still-missing", 1, nil)
	require.ErrorIs(t, err, fs.ErrNotExist)

	err = Rollback(ctx, "postgresql://invalid", Embedded, 0, nil)
	require.ErrorContains(t, err, "steps must be positive")
	require.False(t, errors.Is(err, fs.ErrNotExist))
}
