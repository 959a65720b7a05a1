package report

import (
	"context"
	"sync"
)

// MemorySink keeps records in memory, keyed by arrival order.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

// NewMemorySink constructs an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent Emit calls return err until cleared with nil.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Emit appends the record.
func (m *MemorySink) Emit(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, record)
	return nil
}

// Records returns a copy of the received records.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Close is a no-op.
func (m *MemorySink) Close() error { return nil }
