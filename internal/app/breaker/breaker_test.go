package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/tests/unit/fakes"
)

func newTestBreaker(cfg Config) (*Breaker, *fakes.FakeClock) {
	clock := fakes.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(cfg, WithClock(clock.Now)), clock
}

func TestConsecutiveErrorsTrip(t *testing.T) {
	b, _ := newTestBreaker(Config{ConsecutiveErrors: 3, Cooldown: time.Minute})
	b.Record(OutcomeError)
	b.Record(OutcomeError)
	b.Record(OutcomeAccepted)
	b.Record(OutcomeError)
	b.Record(OutcomeError)
	require.False(t, b.IsOpen())

	b.Record(OutcomeError)
	require.True(t, b.IsOpen())
	st := b.Status()
	require.Equal(t, "consecutive gateway errors", st.Reason)
	require.EqualValues(t, 1, st.Trips)
}

func TestRejectRateNeedsMinSamples(t *testing.T) {
	b, _ := newTestBreaker(Config{RejectRate: 0.5, MinSamples: 4, Window: 10, Cooldown: time.Minute})
	b.Record(OutcomeRejected)
	b.Record(OutcomeRejected)
	b.Record(OutcomeRejected)
	require.False(t, b.IsOpen(), "below min samples")

	b.Record(OutcomeRejected)
	require.True(t, b.IsOpen())
	require.Equal(t, "reject rate exceeded", b.Status().Reason)
}

func TestRejectRateAtThresholdStaysClosed(t *testing.T) {
	b, _ := newTestBreaker(Config{RejectRate: 0.5, MinSamples: 4, Window: 4, Cooldown: time.Minute})
	b.Record(OutcomeAccepted)
	b.Record(OutcomeAccepted)
	b.Record(OutcomeRejected)
	b.Record(OutcomeRejected)
	require.False(t, b.IsOpen())
}

func TestCooldownClosesAfterQuietPeriod(t *testing.T) {
	b, clock := newTestBreaker(Config{Cooldown: time.Minute})
	b.RecordDataFault("missing price")
	require.True(t, b.IsOpen())

	clock.Advance(45 * time.Second)
	b.RecordDataFault("crossed book")
	clock.Advance(30 * time.Second)
	require.True(t, b.IsOpen(), "second fault restarts the cooldown")

	clock.Advance(31 * time.Second)
	require.False(t, b.IsOpen())
	require.Zero(t, b.Status().Samples)
}

func TestHaltLatchesUntilReset(t *testing.T) {
	b, clock := newTestBreaker(Config{Cooldown: time.Second})
	b.Halt("integrity fault")
	clock.Advance(time.Hour)
	require.True(t, b.IsOpen())
	require.True(t, b.Status().Latched)

	b.Reset()
	require.False(t, b.IsOpen())
	require.False(t, b.Status().Latched)
}

func TestHaltOverridesExistingTrip(t *testing.T) {
	b, clock := newTestBreaker(Config{ConsecutiveErrors: 1, Cooldown: time.Second})
	b.Record(OutcomeError)
	b.Halt("invalid transition")
	clock.Advance(time.Minute)
	st := b.Status()
	require.True(t, st.Open)
	require.True(t, st.Latched)
	require.Equal(t, "invalid transition", st.Reason)
}
