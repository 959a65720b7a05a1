// Package lifecycle implements the order lifecycle manager: it drives every leader signal
// from registration through risk gating, submission and fill reconciliation, and manages
// follower position exits.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/app/breaker"
	"github.com/coachpo/tandem/internal/app/exposure"
	"github.com/coachpo/tandem/internal/app/ledger"
	"github.com/coachpo/tandem/internal/app/retry"
	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/app/sizing"
	"github.com/coachpo/tandem/internal/domain/gateway"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/market"
	"github.com/coachpo/tandem/internal/domain/signal"
	"github.com/coachpo/tandem/internal/observability"
	"github.com/coachpo/tandem/lib/async"
)

// Dependencies are the collaborators owned by the caller.
type Dependencies struct {
	Ledger   *ledger.Ledger
	Gate     *risk.Gate
	Sizer    *sizing.Sizer
	Exposure *exposure.State
	Breaker  *breaker.Breaker
	Gateway  gateway.Gateway
	Market   market.Provider
	Pool     *async.Pool
	// Retry applies to market state reads and order status queries, never to Submit.
	Retry   retry.Policy
	Logger  observability.Logger
	Metrics Metrics
	Clock   func() time.Time
}

func (d Dependencies) validate() error {
	switch {
	case d.Ledger == nil:
		return errors.New("lifecycle: ledger required")
	case d.Gate == nil:
		return errors.New("lifecycle: risk gate required")
	case d.Sizer == nil:
		return errors.New("lifecycle: sizer required")
	case d.Exposure == nil:
		return errors.New("lifecycle: exposure state required")
	case d.Breaker == nil:
		return errors.New("lifecycle: breaker required")
	case d.Gateway == nil:
		return errors.New("lifecycle: gateway required")
	case d.Market == nil:
		return errors.New("lifecycle: market provider required")
	case d.Pool == nil:
		return errors.New("lifecycle: submission pool required")
	}
	return nil
}

type workingOrder struct {
	id            string
	clientOrderID string
	marketID      string
	submittedAt   time.Time
}

// Manager owns the lifecycle of ledger entries and follower positions.
type Manager struct {
	cfg      Config
	ledger   *ledger.Ledger
	store    ledgerstore.Store
	gate     *risk.Gate
	sizer    *sizing.Sizer
	exposure *exposure.State
	breaker  *breaker.Breaker
	gateway  gateway.Gateway
	market   market.Provider
	pool     *async.Pool
	retry    retry.Policy
	limiter  *rate.Limiter
	logger   observability.Logger
	metrics  Metrics
	now      func() time.Time

	mu      sync.Mutex
	working map[string]workingOrder
	markets map[string]*sync.Mutex
}

// NewManager validates the configuration and wires the manager.
func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		ledger:   deps.Ledger,
		store:    deps.Ledger.Store(),
		gate:     deps.Gate,
		sizer:    deps.Sizer,
		exposure: deps.Exposure,
		breaker:  deps.Breaker,
		gateway:  deps.Gateway,
		market:   deps.Market,
		pool:     deps.Pool,
		retry:    deps.Retry,
		logger:   observability.WithComponent(deps.Logger, "lifecycle"),
		metrics:  deps.Metrics,
		now:      deps.Clock,
		working:  make(map[string]workingOrder),
		markets:  make(map[string]*sync.Mutex),
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if cfg.SubmitRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
	} else {
		m.limiter = rate.NewLimiter(rate.Inf, cfg.SubmitBurst)
	}
	return m, nil
}

// Handle processes one normalised leader signal. Per-signal failures are reported through
// the Outcome; the error is non-nil only for storage failures and systemic faults.
func (m *Manager) Handle(ctx context.Context, sig signal.TradeSignal) (Outcome, error) {
	kind := ledgerstore.KindEntry
	if sig.Side == signal.SideSell {
		kind = ledgerstore.KindExit
	}
	entry := ledgerstore.Entry{
		LeaderEventID: sig.LeaderEventID,
		Kind:          kind,
		LeaderID:      sig.LeaderID,
		MarketID:      sig.MarketID,
		MarketTitle:   sig.MarketTitle,
		Outcome:       sig.Outcome,
		CategoryID:    m.cfg.Category(sig.MarketID),
		Side:          sig.Side,
		LeaderSize:    sig.Size,
		BandLow:       sig.Band.Low,
		BandHigh:      sig.Band.High,
		ObservedAt:    sig.ObservedAt,
	}
	if kind == ledgerstore.KindEntry {
		entry.ExitMode = m.cfg.Exit.Mode
	}

	reg, created, err := m.ledger.Register(ctx, entry)
	if err != nil {
		return Outcome{}, m.systemic(err)
	}
	if !created {
		m.logger.Info("duplicate leader event ignored",
			observability.F("leader_event_id", reg.LeaderEventID),
			observability.F("status", string(reg.Status)))
		m.metrics.SignalHandled(reg.Kind, reg.Status, "duplicate")
		out := outcomeOf(reg)
		out.Duplicate = true
		return out, nil
	}

	book := m.sizer.Book()
	held := book.Held(sig.LeaderID, sig.MarketID)
	book.Observe(sig)

	if m.breaker.IsOpen() {
		return m.skip(ctx, reg, ReasonCircuitOpen, m.breaker.Status().Reason)
	}
	if kind == ledgerstore.KindExit {
		return m.mirrorExit(ctx, reg, sig, held)
	}
	return m.open(ctx, reg, sig)
}

// open gates, sizes and submits an entry order.
func (m *Manager) open(ctx context.Context, reg ledgerstore.Entry, sig signal.TradeSignal) (Outcome, error) {
	st, err := m.marketState(ctx, sig.MarketID)
	if err != nil {
		return m.skip(ctx, reg, ReasonDataQualityFault, err.Error())
	}

	var decision risk.Decision
	_ = m.exposure.Atomically(func(tx *exposure.Tx) error {
		decision = m.gate.Evaluate(sig, risk.Snapshot{
			Market:     st,
			CategoryID: reg.CategoryID,
			Exposure:   tx.Get(sig.MarketID, reg.CategoryID),
			Now:        m.now(),
		})
		if decision.Accepted {
			tx.Reserve(sig.MarketID, reg.CategoryID, decision.Plan.Notional())
		}
		return nil
	})
	if !decision.Accepted {
		return m.skip(ctx, reg, string(decision.Reason), decision.Detail)
	}

	plan := decision.Plan
	release := func() {
		m.exposure.Apply(plan.MarketID, plan.CategoryID, plan.Notional().Neg())
	}

	fresh, err := m.marketState(ctx, sig.MarketID)
	if err != nil {
		release()
		return m.skip(ctx, reg, ReasonDataQualityFault, err.Error())
	}
	if res := m.gate.Recheck(plan, fresh, m.now()); !res.OK {
		release()
		return m.skip(ctx, reg, string(res.Reason), res.Detail)
	}

	return m.submit(ctx, submission{
		entry: reg,
		order: gateway.Order{
			ClientOrderID: signal.ClientOrderID(reg.LeaderEventID),
			MarketID:      plan.MarketID,
			Side:          plan.Side,
			Quantity:      plan.Quantity,
			LimitPrice:    plan.LimitPrice,
		},
		reference: plan.ReferencePrice,
		prepare: func(ctx context.Context, tx ledgerstore.Tx, _ ledgerstore.Entry) error {
			return addExposure(ctx, tx, plan.MarketID, plan.CategoryID, plan.Notional())
		},
		abort: release,
	})
}

// skip moves a pending entry to skipped and logs the reason.
func (m *Manager) skip(ctx context.Context, entry ledgerstore.Entry, reason, detail string) (Outcome, error) {
	out, err := m.ledger.Advance(context.WithoutCancel(ctx), entry.LeaderEventID, ledgerstore.StatusSkipped,
		ledger.WithReason(reason, detail))
	if err != nil {
		return Outcome{}, m.systemic(err)
	}
	m.logger.Info("signal skipped",
		observability.F("leader_event_id", entry.LeaderEventID),
		observability.F("leader_id", entry.LeaderID),
		observability.F("market_id", entry.MarketID),
		observability.F("kind", string(entry.Kind)),
		observability.F("reason", reason),
		observability.F("detail", detail))
	m.metrics.SignalHandled(out.Kind, out.Status, reason)
	return outcomeOf(out), nil
}

// marketState reads the market with retries and rejects data that fails quality checks.
// Quality faults are reported to the breaker.
func (m *Manager) marketState(ctx context.Context, marketID string) (market.State, error) {
	st, err := retry.Do(ctx, m.retry, func(ctx context.Context) (market.State, error) {
		return m.market.State(ctx, marketID)
	})
	if err != nil {
		return market.State{}, fmt.Errorf("market %s unavailable: %w", marketID, err)
	}
	if st.MarketID == "" {
		st.MarketID = marketID
	}
	if err := st.CheckQuality(m.gate.Limits().SaneSpreadPct); err != nil {
		m.breaker.RecordDataFault(err.Error())
		return market.State{}, err
	}
	return st, nil
}

// systemic latches the breaker for invariant violations and passes err through.
func (m *Manager) systemic(err error) error {
	if err != nil && errs.Systemic(err) {
		m.breaker.Halt(err.Error())
		m.logger.Error("systemic fault, trading halted", observability.F("error", err.Error()))
	}
	return err
}

func (m *Manager) lockMarket(marketID string) func() {
	m.mu.Lock()
	mu, ok := m.markets[marketID]
	if !ok {
		mu = new(sync.Mutex)
		m.markets[marketID] = mu
	}
	m.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) track(entry ledgerstore.Entry) {
	m.mu.Lock()
	m.working[entry.LeaderEventID] = workingOrder{
		id:            entry.LeaderEventID,
		clientOrderID: entry.ClientOrderID,
		marketID:      entry.MarketID,
		submittedAt:   entry.UpdatedAt,
	}
	m.mu.Unlock()
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.working, id)
	m.mu.Unlock()
}

func (m *Manager) workingOrders() []workingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]workingOrder, 0, len(m.working))
	for _, w := range m.working {
		out = append(out, w)
	}
	return out
}

// WorkingOrders returns the number of orders awaiting a terminal venue state.
func (m *Manager) WorkingOrders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.working)
}

func addExposure(ctx context.Context, tx ledgerstore.Tx, marketID, categoryID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	if err := tx.AddExposure(ctx, ledgerstore.ScopeMarket, marketID, delta); err != nil {
		return err
	}
	return tx.AddExposure(ctx, ledgerstore.ScopeCategory, categoryID, delta)
}
