// Package reportsink provides file-backed report.Sink implementations.
package reportsink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/coachpo/tandem/internal/app/report"
)

// JSONLConfig configures a rotating JSON-lines report file.
type JSONLConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// JSONL writes one JSON record per line.
type JSONL struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewJSONL opens a rotating report file.
func NewJSONL(cfg JSONLConfig) (*JSONL, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("jsonl sink: path required")
	}
	size := cfg.MaxSizeMB
	if size <= 0 {
		size = 100
	}
	return NewJSONLWriter(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    size,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}), nil
}

// NewJSONLWriter writes records to w.
func NewJSONLWriter(w io.WriteCloser) *JSONL {
	return &JSONL{w: w}
}

// Emit implements report.Sink.
func (s *JSONL) Emit(_ context.Context, record report.Record) error {
	data, err := report.Encode(record)
	if err != nil {
		return err
	}
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("jsonl sink: write: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

var _ report.Sink = (*JSONL)(nil)
