package reportsink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/coachpo/tandem/internal/app/report"
)

// CSVHeader is the column order of the trade report.
var CSVHeader = []string{
	"ts",
	"leader_wallet",
	"event_id",
	"market_id",
	"market_title",
	"side",
	"outcome",
	"leader_price",
	"leader_size",
	"copy_size",
	"limit_price",
	"mode",
	"status",
	"reason",
	"latency_ms",
	"order_id",
	"note",
}

// CSV appends one row per record to a report file, writing the header when the file
// is new or empty. mode labels every row (for example "paper" or "live").
type CSV struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	mode string
}

// NewCSV opens path for appending.
func NewCSV(path, mode string) (*CSV, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("csv sink: path required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("csv sink: mkdir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csv sink: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv sink: stat: %w", err)
	}
	s := &CSV{file: f, w: csv.NewWriter(f), mode: mode}
	if info.Size() == 0 {
		if err := s.write(CSVHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Emit implements report.Sink.
func (s *CSV) Emit(_ context.Context, r report.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(Row(r, s.mode))
}

// Row renders a record in CSVHeader order.
func Row(r report.Record, mode string) []string {
	var ts string
	if !r.ObservedAt.IsZero() {
		ts = strconv.FormatInt(r.ObservedAt.Unix(), 10)
	}
	return []string{
		ts,
		r.LeaderID,
		r.LeaderEventID,
		r.MarketID,
		r.MarketTitle,
		r.Side,
		r.Outcome,
		r.LeaderPrice.String(),
		r.LeaderSize.String(),
		r.RequestedQty.String(),
		r.LimitPrice.String(),
		mode,
		r.Status,
		r.Reason,
		strconv.FormatInt(r.LatencyMs, 10),
		r.ClientOrderID,
		r.Detail,
	}
}

func (s *CSV) write(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("csv sink: write: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("csv sink: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

var _ report.Sink = (*CSV)(nil)
