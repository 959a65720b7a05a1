package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/internal/app/pipeline"
	"github.com/coachpo/tandem/internal/app/retry"
)

type collector struct {
	mu   sync.Mutex
	seqs []int64
}

func (c *collector) emit(_ context.Context, d pipeline.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = append(c.seqs, d.Raw.Sequence)
	d.Ack()
	return nil
}

func (c *collector) snapshot() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.seqs...)
}

const line1 = `{"leader":"0xA","market":"M","side":"buy","size":"10","price":"0.41","timestamp":"2026-03-01T12:00:00Z","sequence":1}` + "\n"
const line2 = `{"leader":"0xA","market":"M","side":"buy","size":"10","price":"0.41","timestamp":"2026-03-01T12:00:01Z","sequence":2}` + "\n"

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func startPoller(t *testing.T, cfg FileConfig) (*FilePoller, *collector, context.CancelFunc, chan error) {
	t.Helper()
	cfg.Interval = 2 * time.Millisecond
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	poller, err := NewFilePoller(cfg, nil)
	require.NoError(t, err)
	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx, c.emit) }()
	return poller, c, cancel, done
}

func TestFilePollerTailsCompleteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	appendFile(t, path, line1+"not json\n\n")

	poller, c, cancel, done := startPoller(t, FileConfig{Path: path})
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, time.Millisecond)

	// half a line is held back until its newline arrives
	appendFile(t, path, line2[:20])
	time.Sleep(10 * time.Millisecond)
	require.Len(t, c.snapshot(), 1)
	appendFile(t, path, line2[20:])
	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []int64{1, 2}, c.snapshot())
	stats := poller.Stats()
	require.Equal(t, int64(1), stats.Malformed)
	require.Equal(t, int64(2), stats.Acked)
}

func TestFilePollerStartAtEndAndRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	appendFile(t, path, line1+line1)

	_, c, cancel, done := startPoller(t, FileConfig{Path: path, StartAtEnd: true})
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, c.snapshot())

	require.NoError(t, os.WriteFile(path, []byte(line2), 0o600))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []int64{2}, c.snapshot())

	cancel()
	require.NoError(t, <-done)
}

func TestFilePollerWaitsForMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.jsonl")
	_, c, cancel, done := startPoller(t, FileConfig{Path: path})
	time.Sleep(5 * time.Millisecond)
	appendFile(t, path, line1)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewFilePollerRequiresPath(t *testing.T) {
	_, err := NewFilePoller(FileConfig{}, nil)
	require.ErrorContains(t, err, "path required")
}
