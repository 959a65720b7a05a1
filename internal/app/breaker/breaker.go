// Package breaker implements the process-wide circuit breaker that halts new submissions.
package breaker

import (
	"sync"
	"time"

	"github.com/coachpo/tandem/internal/observability"
)

// Outcome classifies one gateway interaction.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Config tunes the trip conditions.
type Config struct {
	// ConsecutiveErrors trips the breaker when this many gateway errors occur in a row.
	ConsecutiveErrors int
	// RejectRate trips the breaker when rejected/samples exceeds it, in [0,1].
	RejectRate float64
	// MinSamples is the minimum window population before the reject rate applies.
	MinSamples int
	// Window is the number of most recent outcomes considered.
	Window   int
	Cooldown time.Duration
}

// DefaultConfig returns conservative trip thresholds.
func DefaultConfig() Config {
	return Config{ConsecutiveErrors: 8, RejectRate: 0.5, MinSamples: 10, Window: 50, Cooldown: time.Minute}
}

// Status is a point-in-time view of the breaker for operators.
type Status struct {
	Open              bool      `json:"open"`
	Latched           bool      `json:"latched"`
	Reason            string    `json:"reason,omitempty"`
	OpenedAt          time.Time `json:"openedAt,omitempty"`
	LastFaultAt       time.Time `json:"lastFaultAt,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	Samples           int       `json:"samples"`
	Rejects           int       `json:"rejects"`
	Trips             int64     `json:"trips"`
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger overrides the logger used for trip and reset notices.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = observability.WithComponent(logger, "breaker")
	}
}

// Breaker tracks a rolling window of gateway outcomes and data faults.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	now    func() time.Time
	logger observability.Logger

	window      []Outcome
	next        int
	filled      int
	consecutive int

	open      bool
	latched   bool
	reason    string
	openedAt  time.Time
	lastFault time.Time
	trips     int64
}

// New constructs a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaults.MinSamples
	}
	if cfg.MinSamples > cfg.Window {
		cfg.MinSamples = cfg.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	b := &Breaker{
		cfg:    cfg,
		now:    time.Now,
		logger: observability.WithComponent(nil, "breaker"),
		window: make([]Outcome, cfg.Window),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Record adds a gateway outcome to the window and trips the breaker when a threshold is crossed.
func (b *Breaker) Record(outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window[b.next] = outcome
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}

	switch outcome {
	case OutcomeError:
		b.consecutive++
		if b.cfg.ConsecutiveErrors > 0 && b.consecutive >= b.cfg.ConsecutiveErrors {
			b.tripLocked("consecutive gateway errors")
		}
	case OutcomeRejected:
		b.consecutive = 0
		if b.cfg.RejectRate > 0 && b.filled >= b.cfg.MinSamples {
			rejects := b.rejectsLocked()
			if float64(rejects)/float64(b.filled) > b.cfg.RejectRate {
				b.tripLocked("reject rate exceeded")
			}
		}
	default:
		b.consecutive = 0
	}
}

// RecordDataFault trips the breaker on a market data quality fault.
func (b *Breaker) RecordDataFault(detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked("data quality fault: " + detail)
}

// Halt latches the breaker open until Reset.
func (b *Breaker) Halt(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked(reason)
	b.reason = reason
	b.latched = true
}

// IsOpen reports whether new submissions must be short-circuited. An unlatched breaker
// closes once the cooldown has elapsed since the last fault.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeCloseLocked()
	return b.open
}

// Reset closes the breaker and clears the window, including a latched halt.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen := b.open
	b.closeLocked()
	if wasOpen {
		b.logger.Info("circuit breaker reset")
	}
}

// Status returns a snapshot for operators and metrics.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeCloseLocked()
	return Status{
		Open:              b.open,
		Latched:           b.latched,
		Reason:            b.reason,
		OpenedAt:          b.openedAt,
		LastFaultAt:       b.lastFault,
		ConsecutiveErrors: b.consecutive,
		Samples:           b.filled,
		Rejects:           b.rejectsLocked(),
		Trips:             b.trips,
	}
}

func (b *Breaker) tripLocked(reason string) {
	now := b.now()
	b.lastFault = now
	if b.open {
		return
	}
	b.open = true
	b.reason = reason
	b.openedAt = now
	b.trips++
	b.logger.Error("circuit breaker opened", observability.F("reason", reason))
}

func (b *Breaker) maybeCloseLocked() {
	if !b.open || b.latched {
		return
	}
	if b.now().Sub(b.lastFault) < b.cfg.Cooldown {
		return
	}
	b.closeLocked()
	b.logger.Info("circuit breaker closed after cooldown")
}

func (b *Breaker) closeLocked() {
	b.open = false
	b.latched = false
	b.reason = ""
	b.openedAt = time.Time{}
	b.consecutive = 0
	b.filled = 0
	b.next = 0
	for i := range b.window {
		b.window[i] = ""
	}
}

func (b *Breaker) rejectsLocked() int {
	count := 0
	for _, o := range b.window {
		if o == OutcomeRejected {
			count++
		}
	}
	return count
}
