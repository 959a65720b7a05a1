// Package source provides leader event sources that do not need a broker.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coachpo/tandem/internal/app/pipeline"
	"github.com/coachpo/tandem/internal/app/retry"
	"github.com/coachpo/tandem/internal/domain/signal"
	"github.com/coachpo/tandem/internal/observability"
)

const defaultPollInterval = time.Second

// FileConfig configures a FilePoller.
type FileConfig struct {
	Path     string
	Interval time.Duration
	// StartAtEnd skips the lines present when the poller starts.
	StartAtEnd bool
	// Retry paces polls after read errors.
	Retry retry.Policy
}

// Stats counts poller activity.
type Stats struct {
	Lines     int64
	Emitted   int64
	Acked     int64
	Malformed int64
	Errors    int64
}

// FilePoller tails a JSONL file written by an external observer. Lines are read up to
// the last complete newline; a partial trailing line waits for the next poll. A file
// that shrinks is treated as rotated and read from the start. Nothing is persisted, so
// a restart re-reads the file and relies on ledger deduplication.
type FilePoller struct {
	cfg    FileConfig
	logger observability.Logger
	offset int64

	lines     atomic.Int64
	emitted   atomic.Int64
	acked     atomic.Int64
	malformed atomic.Int64
	errors    atomic.Int64
}

// NewFilePoller validates cfg.
func NewFilePoller(cfg FileConfig, logger observability.Logger) (*FilePoller, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("file source: path required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = observability.WithComponent(nil, "file-source")
	}
	return &FilePoller{cfg: cfg, logger: logger}, nil
}

// Name implements pipeline.Source.
func (p *FilePoller) Name() string {
	return "file:" + p.cfg.Path
}

// Stats returns a snapshot of the counters.
func (p *FilePoller) Stats() Stats {
	return Stats{
		Lines:     p.lines.Load(),
		Emitted:   p.emitted.Load(),
		Acked:     p.acked.Load(),
		Malformed: p.malformed.Load(),
		Errors:    p.errors.Load(),
	}
}

// Run polls until ctx ends. Read errors never stop the poller; they stretch the
// interval along the retry schedule until a poll succeeds.
func (p *FilePoller) Run(ctx context.Context, emit pipeline.Emit) error {
	if p.cfg.StartAtEnd {
		if info, err := os.Stat(p.cfg.Path); err == nil {
			p.offset = info.Size()
		}
	}
	backoff := p.cfg.Retry.NewBackOff()
	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		err := p.poll(ctx, emit)
		switch {
		case err == nil:
			backoff.Reset()
			wait = p.cfg.Interval
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, pipeline.ErrNotRunning):
			return nil
		default:
			p.errors.Add(1)
			wait = backoff.NextBackOff()
			if wait < p.cfg.Interval {
				wait = p.cfg.Interval
			}
			p.logger.Error("leader event file poll failed",
				observability.F("path", p.cfg.Path),
				observability.F("retry_in", wait.String()),
				observability.F("error", err.Error()))
		}
	}
}

func (p *FilePoller) poll(ctx context.Context, emit pipeline.Emit) error {
	f, err := os.Open(p.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if info.Size() < p.offset {
		p.logger.Info("leader event file truncated, rereading", observability.F("path", p.cfg.Path))
		p.offset = 0
	}
	if info.Size() == p.offset {
		return nil
	}
	if _, err := f.Seek(p.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// partial line, retried on the next poll
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		next := p.offset + int64(len(line))
		if err := p.handleLine(ctx, bytes.TrimSpace(line), emit); err != nil {
			return err
		}
		p.offset = next
	}
}

func (p *FilePoller) handleLine(ctx context.Context, line []byte, emit pipeline.Emit) error {
	if len(line) == 0 || line[0] == '#' {
		return nil
	}
	p.lines.Add(1)
	raw, err := signal.DecodeRaw(line)
	if err != nil {
		p.malformed.Add(1)
		p.logger.Error("undecodable leader event skipped",
			observability.F("path", p.cfg.Path),
			observability.F("offset", p.offset),
			observability.F("error", err.Error()))
		return nil
	}
	if err := emit(ctx, pipeline.Delivery{Raw: raw, Ack: func() { p.acked.Add(1) }}); err != nil {
		return err
	}
	p.emitted.Add(1)
	return nil
}

var _ pipeline.Source = (*FilePoller)(nil)
