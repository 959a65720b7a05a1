package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/app/breaker"
	"github.com/coachpo/tandem/internal/app/exposure"
	"github.com/coachpo/tandem/internal/app/ledger"
	"github.com/coachpo/tandem/internal/app/retry"
	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/app/sizing"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/market"
	"github.com/coachpo/tandem/internal/domain/signal"
	"github.com/coachpo/tandem/internal/infra/paper"
	"github.com/coachpo/tandem/internal/infra/persistence/sqlite"
	"github.com/coachpo/tandem/lib/async"
	"github.com/coachpo/tandem/tests/unit/fakes"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var start = time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)

func defaultBook() market.State {
	return market.State{
		MarketID: "M",
		Bid:      d("0.40"),
		Ask:      d("0.41"),
		Bids:     []market.Level{{Price: d("0.40"), Size: d("1000")}},
		Asks:     []market.Level{{Price: d("0.41"), Size: d("1000")}},
	}
}

type harness struct {
	t        *testing.T
	clock    *fakes.FakeClock
	store    *sqlite.Store
	venue    *paper.Venue
	ledger   *ledger.Ledger
	exposure *exposure.State
	breaker  *breaker.Breaker
	limits   risk.Limits
	cfg      Config
	market   market.Provider
	manager  *Manager
}

type option func(*harness)

func withConfig(fn func(*Config)) option {
	return func(h *harness) { fn(&h.cfg) }
}

func withLimits(fn func(*risk.Limits)) option {
	return func(h *harness) { fn(&h.limits) }
}

func withVenue(opts paper.Options) option {
	return func(h *harness) {
		opts.Clock = h.clock.Now
		h.venue = paper.NewVenue(opts)
		h.market = h.venue
	}
}

func withMarket(provider market.Provider) option {
	return func(h *harness) { h.market = provider }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	clock := fakes.NewFakeClock(start)
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "tandem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	limits := risk.DefaultLimits()
	limits.MaxExposurePerMarket = d("20")
	h := &harness{
		t:      t,
		clock:  clock,
		store:  store,
		limits: limits,
		cfg:    DefaultConfig(),
	}
	h.cfg.SubmitRate = 0
	h.venue = paper.NewVenue(paper.Options{Books: []market.State{defaultBook()}, Clock: clock.Now})
	h.market = h.venue
	for _, opt := range opts {
		opt(h)
	}
	h.restart()
	return h
}

// restart builds a fresh manager over the same store and venue, as a new process would.
func (h *harness) restart() {
	h.t.Helper()
	h.ledger = ledger.New(h.store, ledger.WithClock(h.clock.Now))
	h.exposure = exposure.New()
	h.breaker = breaker.New(breaker.DefaultConfig(), breaker.WithClock(h.clock.Now))
	sizer := sizing.NewSizer(sizing.Config{
		Mode:                  risk.CopyProportional,
		MinTradeNotional:      h.limits.MinTradeNotional,
		MaxTradeNotional:      h.limits.MaxTradeNotional,
		FollowerBankroll:      d("100"),
		Policy:                sizing.BankrollStatic,
		DefaultLeaderBankroll: d("1000"),
	}, nil)
	pool, err := async.NewPool(4, 16)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	h.manager, err = NewManager(h.cfg, Dependencies{
		Ledger:   h.ledger,
		Gate:     risk.NewGate(h.limits, sizer),
		Sizer:    sizer,
		Exposure: h.exposure,
		Breaker:  h.breaker,
		Gateway:  h.venue,
		Market:   h.market,
		Pool:     pool,
		Retry:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Clock:    h.clock.Now,
	})
	require.NoError(h.t, err)
}

func (h *harness) signal(id, leader string, side signal.Side, size string) signal.TradeSignal {
	return signal.TradeSignal{
		LeaderEventID: id,
		LeaderID:      leader,
		MarketID:      "M",
		Side:          side,
		Size:          d(size),
		Band:          signal.PriceBand{Low: d("0.40"), High: d("0.42")},
		ObservedAt:    h.clock.Now(),
	}
}

func (h *harness) handle(sig signal.TradeSignal) Outcome {
	h.t.Helper()
	out, err := h.manager.Handle(context.Background(), sig)
	require.NoError(h.t, err)
	return out
}

func (h *harness) marketExposure() decimal.Decimal {
	return h.exposure.Snapshot().Markets["M"]
}

func (h *harness) requireConsistentExposure() {
	h.t.Helper()
	ctx := context.Background()
	positions, err := h.store.ListActivePositions(ctx)
	require.NoError(h.t, err)
	inFlight, err := h.ledger.ListInFlight(ctx)
	require.NoError(h.t, err)
	records, err := h.store.LoadExposure(ctx)
	require.NoError(h.t, err)
	recomputed := exposure.Recompute(positions, inFlight)
	require.NoError(h.t, exposure.Compare(exposure.FromRecords(records), recomputed))
	require.NoError(h.t, exposure.Compare(h.exposure.Snapshot(), recomputed))
}

func TestProportionalEntryScenario(t *testing.T) {
	h := newHarness(t)

	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusFilled, out.Status)
	require.True(t, out.Quantity.Equal(d("10")), "qty %s", out.Quantity)
	require.Equal(t, signal.ClientOrderID("e1"), out.ClientOrderID)
	require.Equal(t, 1, h.venue.Submissions())
	require.True(t, h.marketExposure().Equal(d("4.1")), "exposure %s", h.marketExposure())

	entry, err := h.ledger.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.True(t, entry.LimitPrice.Equal(d("0.4305")))
	require.True(t, entry.ReferencePrice.Equal(d("0.41")))

	pos, err := h.store.GetActivePosition(context.Background(), "M")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.PositionOpen, pos.State)
	require.Equal(t, ledgerstore.ExitMirror, pos.Exit.Mode)
	require.True(t, pos.Quantity.Equal(d("10")))
	require.True(t, pos.CostBasis.Equal(d("4.1")))
	require.Equal(t, "e1", pos.LinkedLeaderEventID)
	require.Equal(t, 0, h.manager.WorkingOrders())
	h.requireConsistentExposure()
}

func TestDuplicateDeliveryIsNotResubmitted(t *testing.T) {
	h := newHarness(t)
	sig := h.signal("e1", "0xleader", signal.SideBuy, "100")

	first := h.handle(sig)
	require.False(t, first.Duplicate)
	second := h.handle(sig)
	require.True(t, second.Duplicate)
	require.Equal(t, ledgerstore.StatusFilled, second.Status)
	require.Equal(t, 1, h.venue.Submissions())
	require.True(t, h.marketExposure().Equal(d("4.1")))
}

func TestConcurrentDuplicateDeliveryPlacesOneOrder(t *testing.T) {
	h := newHarness(t)
	sig := h.signal("e1", "0xleader", signal.SideBuy, "100")

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.manager.Handle(context.Background(), sig)
			require.NoError(t, err)
			if !out.Duplicate {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), created.Load())
	require.Equal(t, 1, h.venue.Submissions())
}

func TestSpreadTooWideSkipsWithoutGatewayCall(t *testing.T) {
	h := newHarness(t, withLimits(func(l *risk.Limits) { l.MaxSpreadPct = d("2") }))
	book := defaultBook()
	book.Ask = d("0.412")
	book.Asks = []market.Level{{Price: d("0.412"), Size: d("1000")}}
	h.venue.SetBook(book)

	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusSkipped, out.Status)
	require.Equal(t, string(risk.ReasonSpreadTooWide), out.Reason)
	require.Equal(t, 0, h.venue.Submissions())
	require.True(t, h.marketExposure().IsZero())
	require.False(t, h.breaker.IsOpen())
}

func TestConcurrentSignalsNeverOverspendMarketBudget(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := h.signal(fmt.Sprintf("e%d", i), fmt.Sprintf("0xleader%d", i), signal.SideBuy, "100")
			_, err := h.manager.Handle(context.Background(), sig)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.True(t, h.marketExposure().LessThanOrEqual(d("20")), "exposure %s", h.marketExposure())
	pos, err := h.store.GetActivePosition(context.Background(), "M")
	require.NoError(t, err)
	require.True(t, pos.CostBasis.LessThanOrEqual(d("20")))
	require.Greater(t, h.venue.Submissions(), 3)
	h.requireConsistentExposure()
}

func TestStalePlanIsNeverSubmitted(t *testing.T) {
	h := newHarness(t)
	sig := h.signal("e1", "0xleader", signal.SideBuy, "100")
	sig.ObservedAt = h.clock.Now().Add(-2 * time.Minute)

	out := h.handle(sig)
	require.Equal(t, ledgerstore.StatusSkipped, out.Status)
	require.Equal(t, string(risk.ReasonStalePlan), out.Reason)
	require.Equal(t, 0, h.venue.Submissions())
	require.True(t, h.marketExposure().IsZero())
}

// movingMarket serves the first book once and the second afterwards.
type movingMarket struct {
	calls  atomic.Int32
	first  market.State
	second market.State
}

func (m *movingMarket) State(context.Context, string) (market.State, error) {
	if m.calls.Add(1) == 1 {
		return m.first, nil
	}
	return m.second, nil
}

func TestPriceDriftBeforeSubmitSkips(t *testing.T) {
	moved := defaultBook()
	moved.Bid, moved.Ask = d("0.43"), d("0.44")
	moved.Asks = []market.Level{{Price: d("0.44"), Size: d("1000")}}
	provider := &movingMarket{first: defaultBook(), second: moved}
	h := newHarness(t, withMarket(provider))

	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusSkipped, out.Status)
	require.Equal(t, string(risk.ReasonStalePlan), out.Reason)
	require.Contains(t, out.Detail, "above limit")
	require.Equal(t, 0, h.venue.Submissions())
	require.True(t, h.marketExposure().IsZero())
}

func TestCircuitOpenSkipsBeforeRisk(t *testing.T) {
	h := newHarness(t)
	h.breaker.Halt("manual")

	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusSkipped, out.Status)
	require.Equal(t, ReasonCircuitOpen, out.Reason)
	require.Equal(t, 0, h.venue.Submissions())
}

func TestDataQualityFaultTripsBreaker(t *testing.T) {
	h := newHarness(t)
	crossed := defaultBook()
	crossed.Bid, crossed.Ask = d("0.42"), d("0.41")
	h.venue.SetBook(crossed)

	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ReasonDataQualityFault, out.Reason)
	require.True(t, h.breaker.IsOpen())

	h.venue.SetBook(defaultBook())
	out = h.handle(h.signal("e2", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ReasonCircuitOpen, out.Reason)

	h.clock.Advance(2 * time.Minute)
	out = h.handle(h.signal("e3", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusFilled, out.Status)
}

func TestGatewayErrorWithUnknownOrderRejects(t *testing.T) {
	h := newHarness(t)
	h.venue.Inject(paper.Fault{Op: "submit", Err: errors.New("connection refused")})

	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusRejected, out.Status)
	require.Equal(t, ReasonGatewayError, out.Reason)
	require.True(t, h.marketExposure().IsZero())
	require.Equal(t, 1, h.breaker.Status().ConsecutiveErrors)
	_, err := h.store.GetActivePosition(context.Background(), "M")
	require.ErrorIs(t, err, ledgerstore.ErrNotFound)
	h.requireConsistentExposure()
}

func TestRepeatedStatusFailuresTripBreaker(t *testing.T) {
	h := newHarness(t)
	down := errors.New("status endpoint down")
	h.venue.Inject(paper.Fault{Op: "submit", Err: down, Placed: true})
	for i := 0; i < 16; i++ {
		h.venue.Inject(paper.Fault{Op: "status", Err: down})
	}

	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusSubmitted, out.Status)
	require.Equal(t, 2, h.breaker.Status().ConsecutiveErrors)
	require.False(t, h.breaker.IsOpen())

	for i := 0; i < 6; i++ {
		require.NoError(t, h.manager.Tick(context.Background()))
	}
	require.True(t, h.breaker.IsOpen())
	require.Equal(t, 1, h.manager.WorkingOrders())
}

func TestFailedCancelCountsAsGatewayError(t *testing.T) {
	h := newHarness(t, withVenue(paper.Options{Books: []market.State{defaultBook()}, FillRatio: d("0.5")}))
	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusPartiallyFilled, out.Status)
	require.Zero(t, h.breaker.Status().ConsecutiveErrors)

	h.venue.Inject(paper.Fault{Op: "cancel", Err: errors.New("cancel rejected upstream")})
	h.clock.Advance(3 * time.Minute)
	require.NoError(t, h.manager.Tick(context.Background()))
	require.Equal(t, 1, h.breaker.Status().ConsecutiveErrors)
	require.Equal(t, 1, h.manager.WorkingOrders())
}

func TestRecoveryResolvesLostAcknowledgement(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("connection reset")
	h.venue.Inject(paper.Fault{Op: "submit", Err: boom, Placed: true})
	h.venue.Inject(paper.Fault{Op: "status", Err: boom})
	h.venue.Inject(paper.Fault{Op: "status", Err: boom})

	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusSubmitted, out.Status)
	require.Equal(t, 1, h.manager.WorkingOrders())

	h.restart()
	require.NoError(t, h.manager.Recover(context.Background()))

	entry, err := h.ledger.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.StatusFilled, entry.Status)
	require.True(t, entry.FilledQty.Equal(d("10")))
	require.Equal(t, 1, h.venue.Submissions())
	require.Equal(t, 0, h.manager.WorkingOrders())
	require.True(t, h.marketExposure().Equal(d("4.1")))
	h.requireConsistentExposure()

	// Replaying recovery is a no-op.
	h.restart()
	require.NoError(t, h.manager.Recover(context.Background()))
	require.Equal(t, 1, h.venue.Submissions())
	require.True(t, h.marketExposure().Equal(d("4.1")))
}

func TestRecoverySkipsStalePending(t *testing.T) {
	h := newHarness(t)
	_, created, err := h.ledger.Register(context.Background(), ledgerstore.Entry{
		LeaderEventID: "e1", LeaderID: "0xleader", MarketID: "M", Side: signal.SideBuy,
	})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, h.manager.Recover(context.Background()))
	entry, err := h.ledger.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.StatusSkipped, entry.Status)
	require.Equal(t, string(risk.ReasonStalePlan), entry.Reason)
}

func TestRecoveryDetectsExposureMismatch(t *testing.T) {
	h := newHarness(t)
	h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	err := h.store.WithTransaction(context.Background(), func(ctx context.Context, tx ledgerstore.Tx) error {
		return tx.AddExposure(ctx, ledgerstore.ScopeMarket, "M", d("1"))
	})
	require.NoError(t, err)

	h.restart()
	err = h.manager.Recover(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeIntegrityFault), "got %v", err)
	require.True(t, h.breaker.Status().Latched)

	h.clock.Advance(time.Hour)
	out := h.handle(h.signal("e2", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ReasonCircuitOpen, out.Reason)
}

func TestMirrorExitIsProportionalToLeaderSell(t *testing.T) {
	h := newHarness(t)
	h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))

	out := h.handle(h.signal("x1", "0xleader", signal.SideSell, "50"))
	require.Equal(t, ledgerstore.KindExit, out.Kind)
	require.Equal(t, ledgerstore.StatusFilled, out.Status)
	require.True(t, out.Quantity.Equal(d("5")), "qty %s", out.Quantity)

	pos, err := h.store.GetActivePosition(context.Background(), "M")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.PositionOpen, pos.State)
	require.True(t, pos.Quantity.Equal(d("5")))
	require.True(t, pos.CostBasis.Equal(d("2.05")))
	require.True(t, pos.RealizedPnL.Equal(d("-0.05")), "pnl %s", pos.RealizedPnL)
	require.Equal(t, 1, pos.ExitAttempts)
	require.True(t, h.marketExposure().Equal(d("2.05")))

	exit, err := h.ledger.Get(context.Background(), "x1")
	require.NoError(t, err)
	require.Equal(t, "e1", exit.LinkedLeaderEventID)
	require.True(t, exit.LimitPrice.Equal(d("0.38")))

	out = h.handle(h.signal("x2", "0xleader", signal.SideSell, "50"))
	require.True(t, out.Quantity.Equal(d("5")))
	_, err = h.store.GetActivePosition(context.Background(), "M")
	require.ErrorIs(t, err, ledgerstore.ErrNotFound)
	require.True(t, h.marketExposure().IsZero())
	h.requireConsistentExposure()
}

func TestLeaderSellDuringWorkingExitClosesPosition(t *testing.T) {
	h := newHarness(t, withVenue(paper.Options{Books: []market.State{defaultBook()}, FillRatio: d("0.5")}))
	ctx := context.Background()

	entry := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.NoError(t, h.venue.Fill(entry.ClientOrderID, d("5"), d("0.41")))
	require.NoError(t, h.manager.Tick(ctx))
	pos, err := h.store.GetActivePosition(ctx, "M")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(d("10")))

	first := h.handle(h.signal("x1", "0xleader", signal.SideSell, "50"))
	require.Equal(t, ledgerstore.StatusPartiallyFilled, first.Status)
	require.True(t, first.Quantity.Equal(d("5")))

	second := h.handle(h.signal("x2", "0xleader", signal.SideSell, "50"))
	require.Equal(t, ledgerstore.StatusSkipped, second.Status)
	require.Equal(t, ReasonExitDeferred, second.Reason)
	pos, err = h.store.GetActivePosition(ctx, "M")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.PositionClosing, pos.State)
	require.True(t, pos.DeferredExitFraction.Equal(d("1")))

	// Settling the first exit reopens the position and the same tick sells the rest.
	require.NoError(t, h.venue.Fill(first.ClientOrderID, d("2.5"), d("0.40")))
	require.NoError(t, h.manager.Tick(ctx))
	followUp, err := h.ledger.Get(ctx, "e1:exit:2")
	require.NoError(t, err)
	require.Equal(t, TriggerMirror, followUp.Detail)
	require.True(t, followUp.RequestedQty.Equal(d("5")), "qty %s", followUp.RequestedQty)
	pos, err = h.store.GetActivePosition(ctx, "M")
	require.NoError(t, err)
	require.True(t, pos.DeferredExitFraction.IsZero())

	require.NoError(t, h.venue.Fill(followUp.ClientOrderID, d("2.5"), d("0.40")))
	require.NoError(t, h.manager.Tick(ctx))

	_, err = h.store.GetActivePosition(ctx, "M")
	require.ErrorIs(t, err, ledgerstore.ErrNotFound)
	require.Equal(t, 0, h.manager.WorkingOrders())
	require.True(t, h.marketExposure().IsZero())
	h.requireConsistentExposure()
}

func TestLeaderSellWithoutPosition(t *testing.T) {
	h := newHarness(t)
	out := h.handle(h.signal("x1", "0xleader", signal.SideSell, "50"))
	require.Equal(t, ledgerstore.StatusSkipped, out.Status)
	require.Equal(t, ReasonNoOpenPosition, out.Reason)
	require.Equal(t, 0, h.venue.Submissions())
}

func tpsl() option {
	return withConfig(func(c *Config) {
		c.Exit = ExitConfig{Mode: ledgerstore.ExitTPSL, TakeProfitPct: d("10"), StopLossPct: d("10")}
	})
}

func TestTPSLPositionIgnoresLeaderExit(t *testing.T) {
	h := newHarness(t, tpsl())
	h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))

	pos, err := h.store.GetActivePosition(context.Background(), "M")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.ExitTPSL, pos.Exit.Mode)
	require.True(t, pos.Exit.TakeProfit.Equal(d("0.451")), "tp %s", pos.Exit.TakeProfit)
	require.True(t, pos.Exit.StopLoss.Equal(d("0.369")), "sl %s", pos.Exit.StopLoss)

	out := h.handle(h.signal("x1", "0xleader", signal.SideSell, "100"))
	require.Equal(t, ledgerstore.StatusSkipped, out.Status)
	require.Equal(t, ReasonAlreadyManagedIndependently, out.Reason)
	require.Equal(t, 1, h.venue.Submissions())

	pos, err = h.store.GetActivePosition(context.Background(), "M")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(d("10")))
}

func TestTakeProfitTickClosesPosition(t *testing.T) {
	h := newHarness(t, tpsl())
	h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))

	require.NoError(t, h.manager.Tick(context.Background()))
	require.Equal(t, 1, h.venue.Submissions())

	up := defaultBook()
	up.Bid, up.Ask = d("0.46"), d("0.47")
	up.Bids = []market.Level{{Price: d("0.46"), Size: d("1000")}}
	up.Asks = []market.Level{{Price: d("0.47"), Size: d("1000")}}
	h.venue.SetBook(up)

	require.NoError(t, h.manager.Tick(context.Background()))
	require.Equal(t, 2, h.venue.Submissions())

	exit, err := h.ledger.Get(context.Background(), "e1:exit:1")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.StatusFilled, exit.Status)
	require.Equal(t, TriggerTakeProfit, exit.Detail)
	require.True(t, exit.FilledQty.Equal(d("10")))

	_, err = h.store.GetActivePosition(context.Background(), "M")
	require.ErrorIs(t, err, ledgerstore.ErrNotFound)
	require.True(t, h.marketExposure().IsZero())
	h.requireConsistentExposure()
}

func TestFillTimeoutCancelsRemainder(t *testing.T) {
	h := newHarness(t, withVenue(paper.Options{Books: []market.State{defaultBook()}, FillRatio: d("0.5")}))

	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusPartiallyFilled, out.Status)
	require.True(t, out.FilledQty.Equal(d("5")))
	require.True(t, h.marketExposure().Equal(d("4.1")))

	require.NoError(t, h.manager.Tick(context.Background()))
	require.Equal(t, 1, h.manager.WorkingOrders())

	h.clock.Advance(3 * time.Minute)
	require.NoError(t, h.manager.Tick(context.Background()))
	require.Equal(t, 0, h.manager.WorkingOrders())

	entry, err := h.ledger.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.StatusFilled, entry.Status)
	require.Equal(t, ReasonCancelledRemainder, entry.Reason)
	require.True(t, entry.FilledQty.Equal(d("5")))
	require.True(t, h.marketExposure().Equal(d("2.05")), "exposure %s", h.marketExposure())

	pos, err := h.store.GetActivePosition(context.Background(), "M")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(d("5")))
	h.requireConsistentExposure()
}

func TestIncrementalFillsReachTerminalState(t *testing.T) {
	h := newHarness(t, withVenue(paper.Options{Books: []market.State{defaultBook()}, FillRatio: d("0.5")}))
	out := h.handle(h.signal("e1", "0xleader", signal.SideBuy, "100"))
	require.Equal(t, ledgerstore.StatusPartiallyFilled, out.Status)

	require.NoError(t, h.venue.Fill(out.ClientOrderID, d("2"), d("0.41")))
	require.NoError(t, h.manager.Tick(context.Background()))
	entry, err := h.ledger.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.StatusPartiallyFilled, entry.Status)
	require.True(t, entry.FilledQty.Equal(d("7")))

	require.NoError(t, h.venue.Fill(out.ClientOrderID, d("3"), d("0.41")))
	require.NoError(t, h.manager.Tick(context.Background()))
	entry, err = h.ledger.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, ledgerstore.StatusFilled, entry.Status)
	require.Empty(t, entry.Reason)

	pos, err := h.store.GetActivePosition(context.Background(), "M")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(d("10")))
	require.True(t, h.marketExposure().Equal(d("4.1")))
	h.requireConsistentExposure()
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Exit = ExitConfig{Mode: ledgerstore.ExitTPSL}
	require.Error(t, cfg.Validate())

	cfg.Exit = ExitConfig{Mode: "trailing"}
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Categories = map[string]string{"M": "politics"}
	require.Equal(t, "politics", cfg.Category("M"))
	require.Equal(t, DefaultCategory, cfg.Category("N"))
}

func TestEvaluateExit(t *testing.T) {
	open := ledgerstore.Position{Quantity: d("10"), State: ledgerstore.PositionOpen, Exit: ledgerstore.MirrorExit()}
	dec := evaluateExit(open, exitTrigger{leaderSell: true, SellSize: d("25"), Held: d("100")})
	require.True(t, dec.Quantity.Equal(d("2.5")))
	require.Equal(t, TriggerMirror, dec.Trigger)
	require.True(t, evaluateExit(open, exitTrigger{Price: d("0.9")}).Quantity.IsZero())

	closing := open
	closing.State = ledgerstore.PositionClosing
	deferred := evaluateExit(closing, exitTrigger{leaderSell: true, SellSize: d("50"), Held: d("50")})
	require.Empty(t, deferred.SkipReason)
	require.True(t, deferred.DeferFraction.Equal(d("1")))
	require.Equal(t, ReasonExitInFlight, evaluateExit(closing, exitTrigger{Price: d("0.4")}).SkipReason)

	pending := open
	pending.DeferredExitFraction = d("0.5")
	require.True(t, evaluateExit(pending, exitTrigger{Price: d("0.4")}).Quantity.Equal(d("5")))
	combined := evaluateExit(pending, exitTrigger{leaderSell: true, SellSize: d("50"), Held: d("100")})
	require.True(t, combined.Quantity.Equal(d("7.5")), "qty %s", combined.Quantity)

	managed := open
	managed.Exit = ledgerstore.TPSLExit(d("0.5"), d("0.3"))
	require.Equal(t, ReasonAlreadyManagedIndependently, evaluateExit(managed, exitTrigger{leaderSell: true}).SkipReason)
	require.Equal(t, TriggerStopLoss, evaluateExit(managed, exitTrigger{Price: d("0.3")}).Trigger)
	require.Equal(t, TriggerTakeProfit, evaluateExit(managed, exitTrigger{Price: d("0.51")}).Trigger)
	require.True(t, evaluateExit(managed, exitTrigger{Price: d("0.4")}).Quantity.IsZero())
}
