package kafka

import "sync"

// offsetTracker records fetched and acknowledged offsets per partition and yields the
// highest offset below which every message has been acknowledged. Offsets within a
// partition are fetched in increasing order.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight  []int64
	acked     map[int64]struct{}
	committed int64
	ready     int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) partition(p int) *partitionOffsets {
	po, ok := t.partitions[p]
	if !ok {
		po = &partitionOffsets{acked: make(map[int64]struct{}), committed: -1, ready: -1}
		t.partitions[p] = po
	}
	return po
}

// Track registers a fetched offset.
func (t *offsetTracker) Track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po := t.partition(partition)
	po.inflight = append(po.inflight, offset)
}

// Ack marks an offset handled and advances the contiguous prefix.
func (t *offsetTracker) Ack(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po := t.partition(partition)
	po.acked[offset] = struct{}{}
	for len(po.inflight) > 0 {
		head := po.inflight[0]
		if _, ok := po.acked[head]; !ok {
			break
		}
		delete(po.acked, head)
		po.ready = head
		po.inflight = po.inflight[1:]
	}
}

// Committable returns, per partition, the highest contiguous acknowledged offset not
// yet reported.
func (t *offsetTracker) Committable() map[int]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]int64)
	for p, po := range t.partitions {
		if po.ready > po.committed {
			out[p] = po.ready
		}
	}
	return out
}

// MarkCommitted records a successful commit.
func (t *offsetTracker) MarkCommitted(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po := t.partition(partition)
	if offset > po.committed {
		po.committed = offset
	}
}

// Outstanding returns the number of fetched but unacknowledged messages.
func (t *offsetTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, po := range t.partitions {
		n += len(po.inflight)
	}
	return n
}
