package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/app/lifecycle"
	"github.com/coachpo/tandem/internal/domain/signal"
)

type sliceSource struct {
	name  string
	items []signal.RawObservation
	acked atomic.Int32
}

func (s *sliceSource) Name() string { return s.name }

func (s *sliceSource) Run(ctx context.Context, emit Emit) error {
	for _, raw := range s.items {
		if err := emit(ctx, Delivery{Raw: raw, Ack: func() { s.acked.Add(1) }}); err != nil {
			return err
		}
	}
	return nil
}

func raw(leader string, seq int64) signal.RawObservation {
	return signal.RawObservation{
		Leader:    leader,
		Market:    "M",
		Side:      "buy",
		Size:      "10",
		Price:     "0.41",
		Timestamp: "1767225600",
		Sequence:  seq,
	}
}

type recorder struct {
	mu    sync.Mutex
	seen  map[string][]int64
	fail  func(signal.TradeSignal) error
	delay time.Duration
}

func (r *recorder) Handle(_ context.Context, sig signal.TradeSignal) (lifecycle.Outcome, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.fail != nil {
		if err := r.fail(sig); err != nil {
			return lifecycle.Outcome{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string][]int64)
	}
	r.seen[sig.LeaderID] = append(r.seen[sig.LeaderID], sig.Sequence)
	return lifecycle.Outcome{LeaderEventID: sig.LeaderEventID}, nil
}

func TestDispatcherPreservesPerLeaderOrder(t *testing.T) {
	src := &sliceSource{name: "slice"}
	for i := int64(1); i <= 20; i++ {
		src.items = append(src.items, raw("0xA", i), raw("0xB", i))
	}
	rec := &recorder{delay: time.Millisecond}
	d := NewDispatcher(rec, Options{LaneBuffer: 4})

	require.NoError(t, d.Run(context.Background(), src))

	want := make([]int64, 0, 20)
	for i := int64(1); i <= 20; i++ {
		want = append(want, i)
	}
	require.Equal(t, want, rec.seen["0xa"])
	require.Equal(t, want, rec.seen["0xb"])
	require.Equal(t, int32(40), src.acked.Load())

	stats := d.Stats()
	require.Equal(t, int64(40), stats.Handled)
	require.Zero(t, stats.Lanes)
}

func TestDispatcherDropsMalformedEvents(t *testing.T) {
	bad := raw("0xA", 2)
	bad.Size = "-1"
	missing := raw("", 3)
	src := &sliceSource{name: "slice", items: []signal.RawObservation{raw("0xA", 1), bad, missing, raw("0xA", 4)}}
	rec := &recorder{}
	d := NewDispatcher(rec, Options{})

	require.NoError(t, d.Run(context.Background(), src))
	require.Equal(t, []int64{1, 4}, rec.seen["0xa"])
	require.Equal(t, int32(4), src.acked.Load())
	require.Equal(t, int64(2), d.Stats().Malformed)
}

func TestDispatcherStopsOnSystemicFault(t *testing.T) {
	fault := errs.New("ledger", errs.CodeIntegrityFault, errs.WithMessage("exposure diverged"))
	rec := &recorder{fail: func(sig signal.TradeSignal) error {
		if sig.Sequence == 3 {
			return fault
		}
		return nil
	}}
	src := &sliceSource{name: "slice"}
	for i := int64(1); i <= 10; i++ {
		src.items = append(src.items, raw("0xA", i))
	}
	d := NewDispatcher(rec, Options{LaneBuffer: 1})

	err := d.Run(context.Background(), src)
	require.True(t, errs.IsCode(err, errs.CodeIntegrityFault), "got %v", err)
	require.Equal(t, []int64{1, 2}, rec.seen["0xa"])
	require.Equal(t, int64(1), d.Stats().Failed)
}

func TestDispatcherKeepsFailedDeliveriesUnacked(t *testing.T) {
	rec := &recorder{fail: func(sig signal.TradeSignal) error {
		if sig.Sequence == 2 {
			return errors.New("database is locked")
		}
		return nil
	}}
	src := &sliceSource{name: "slice", items: []signal.RawObservation{raw("0xA", 1), raw("0xA", 2), raw("0xA", 3)}}
	d := NewDispatcher(rec, Options{})

	require.NoError(t, d.Run(context.Background(), src))
	require.Equal(t, []int64{1, 3}, rec.seen["0xa"])
	require.Equal(t, int32(2), src.acked.Load())
}

func TestEmitOutsideRun(t *testing.T) {
	d := NewDispatcher(&recorder{}, Options{})
	err := d.Emit(context.Background(), Delivery{Raw: raw("0xA", 1)})
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestDispatcherRunsManySources(t *testing.T) {
	rec := &recorder{}
	sources := make([]Source, 0, 3)
	for s := 0; s < 3; s++ {
		src := &sliceSource{name: fmt.Sprintf("s%d", s)}
		for i := int64(1); i <= 5; i++ {
			src.items = append(src.items, raw(fmt.Sprintf("0x%d", s), i))
		}
		sources = append(sources, src)
	}
	d := NewDispatcher(rec, Options{})
	require.NoError(t, d.Run(context.Background(), sources...))
	require.Len(t, rec.seen, 3)
	for _, seqs := range rec.seen {
		require.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
	}
}
