// Package exposure owns the in-memory exposure aggregate shared by the risk gate and the
// order lifecycle.
package exposure

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
)

// Snapshot is a copy of the aggregate keyed by market and category.
type Snapshot struct {
	Markets    map[string]decimal.Decimal `json:"markets"`
	Categories map[string]decimal.Decimal `json:"categories"`
}

func newSnapshot() Snapshot {
	return Snapshot{Markets: make(map[string]decimal.Decimal), Categories: make(map[string]decimal.Decimal)}
}

// Total returns the summed market exposure.
func (s Snapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, v := range s.Markets {
		total = total.Add(v)
	}
	return total
}

// Records flattens the snapshot into persisted rows, sorted by scope and key.
func (s Snapshot) Records() []ledgerstore.ExposureRecord {
	out := make([]ledgerstore.ExposureRecord, 0, len(s.Markets)+len(s.Categories))
	for k, v := range s.Markets {
		out = append(out, ledgerstore.ExposureRecord{Scope: ledgerstore.ScopeMarket, Key: k, Amount: v})
	}
	for k, v := range s.Categories {
		out = append(out, ledgerstore.ExposureRecord{Scope: ledgerstore.ScopeCategory, Key: k, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s Snapshot) add(market, category string, delta decimal.Decimal) {
	addKey(s.Markets, market, delta)
	addKey(s.Categories, category, delta)
}

func addKey(m map[string]decimal.Decimal, key string, delta decimal.Decimal) {
	if key == "" || delta.IsZero() {
		return
	}
	next := m[key].Add(delta)
	if next.IsZero() {
		delete(m, key)
		return
	}
	m[key] = next
}

// State is the lock-protected exposure aggregate. Gate evaluation, sizing and
// reservation for one signal run inside a single Atomically call.
type State struct {
	mu   sync.Mutex
	data Snapshot
}

// New constructs an empty state.
func New() *State {
	return &State{data: newSnapshot()}
}

// Load replaces the aggregate with the given snapshot.
func (s *State) Load(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = newSnapshot()
	for k, v := range snap.Markets {
		addKey(s.data.Markets, k, v)
	}
	for k, v := range snap.Categories {
		addKey(s.data.Categories, k, v)
	}
}

// Snapshot returns a copy of the aggregate.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := newSnapshot()
	for k, v := range s.data.Markets {
		out.Markets[k] = v
	}
	for k, v := range s.data.Categories {
		out.Categories[k] = v
	}
	return out
}

// Get returns the exposure for a market and its category.
func (s *State) Get(market, category string) risk.Exposure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.get(market, category)
}

// Apply adds delta to both keys.
func (s *State) Apply(market, category string, delta decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.add(market, category, delta)
}

// Atomically runs fn with exclusive access to the aggregate.
func (s *State) Atomically(fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{data: s.data})
}

// Tx is the view handed to Atomically callbacks. It must not escape the callback.
type Tx struct {
	data Snapshot
}

// Get returns the exposure for a market and its category.
func (t *Tx) Get(market, category string) risk.Exposure {
	return t.data.get(market, category)
}

// Reserve adds delta to both keys.
func (t *Tx) Reserve(market, category string, delta decimal.Decimal) {
	t.data.add(market, category, delta)
}

func (s Snapshot) get(market, category string) risk.Exposure {
	return risk.Exposure{Market: s.Markets[market], Category: s.Categories[category]}
}

// Recompute derives the aggregate from open positions and in-flight entry orders.
func Recompute(positions []ledgerstore.Position, inFlight []ledgerstore.Entry) Snapshot {
	out := newSnapshot()
	for _, p := range positions {
		if p.State == ledgerstore.PositionClosed {
			continue
		}
		out.add(p.MarketID, p.CategoryID, p.CostBasis)
	}
	for _, e := range inFlight {
		out.add(e.MarketID, e.CategoryID, e.Outstanding())
	}
	return out
}

// FromRecords builds a snapshot from persisted rows.
func FromRecords(records []ledgerstore.ExposureRecord) Snapshot {
	out := newSnapshot()
	for _, r := range records {
		switch r.Scope {
		case ledgerstore.ScopeMarket:
			addKey(out.Markets, r.Key, r.Amount)
		case ledgerstore.ScopeCategory:
			addKey(out.Categories, r.Key, r.Amount)
		}
	}
	return out
}

// tolerance absorbs decimal division residue from pro rata exits.
var tolerance = decimal.New(1, -9)

// Compare returns an integrity fault when the persisted aggregate diverges from the
// recomputation.
func Compare(persisted, recomputed Snapshot) error {
	if err := compareScope(ledgerstore.ScopeMarket, persisted.Markets, recomputed.Markets); err != nil {
		return err
	}
	return compareScope(ledgerstore.ScopeCategory, persisted.Categories, recomputed.Categories)
}

func compareScope(scope ledgerstore.ExposureScope, persisted, recomputed map[string]decimal.Decimal) error {
	keys := make(map[string]struct{}, len(persisted)+len(recomputed))
	for k := range persisted {
		keys[k] = struct{}{}
	}
	for k := range recomputed {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	for _, k := range ordered {
		if persisted[k].Sub(recomputed[k]).Abs().GreaterThan(tolerance) {
			return errs.New("exposure", errs.CodeIntegrityFault,
				errs.WithMessage("persisted exposure diverges from recomputation"),
				errs.WithField("scope", string(scope)),
				errs.WithField("key", k),
				errs.WithField("persisted", persisted[k].String()),
				errs.WithField("recomputed", recomputed[k].String()))
		}
	}
	return nil
}
