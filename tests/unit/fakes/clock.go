// Package fakes holds deterministic stand-ins shared by package tests.
package fakes

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced clock. Its Now method satisfies the func() time.Time
// clock hooks taken by the ledger, breaker, lifecycle manager and paper venue.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts the clock at start, or the Unix epoch when start is zero.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward and returns the new time.
func (c *FakeClock) Advance(delta time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
	return c.now
}

// Set jumps to t. Moving backwards is allowed so tests can model clock skew in
// observed_at timestamps.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
