package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/app/ledger"
	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/app/sizing"
	"github.com/coachpo/tandem/internal/domain/gateway"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/market"
	"github.com/coachpo/tandem/internal/domain/signal"
	"github.com/coachpo/tandem/internal/observability"
)

// exitTrigger is what prompted an exit evaluation: a leader sell or a price tick.
type exitTrigger struct {
	leaderSell bool
	// SellSize and Held describe the leader sell; Price is the current bid for ticks.
	SellSize decimal.Decimal
	Held     decimal.Decimal
	Price    decimal.Decimal
}

type exitDecision struct {
	Quantity decimal.Decimal
	Trigger  string
	// SkipReason is set when a leader sell must be recorded as skipped.
	SkipReason string
	Detail     string
	// DeferFraction is set when a leader sell arrives while an exit is working.
	DeferFraction decimal.Decimal
}

// evaluateExit is the single exit rule for both triggers.
func evaluateExit(pos ledgerstore.Position, trig exitTrigger) exitDecision {
	if trig.leaderSell && pos.Exit.Mode == ledgerstore.ExitTPSL {
		return exitDecision{SkipReason: ReasonAlreadyManagedIndependently, Detail: "position exits on take profit / stop loss"}
	}
	if pos.State == ledgerstore.PositionClosing {
		if trig.leaderSell {
			return exitDecision{DeferFraction: sizing.ExitFraction(trig.SellSize, trig.Held), Detail: "behind exit " + pos.PendingExitID}
		}
		return exitDecision{SkipReason: ReasonExitInFlight, Detail: "exit " + pos.PendingExitID + " in flight"}
	}
	switch pos.Exit.Mode {
	case ledgerstore.ExitTPSL:
		if pos.Exit.TakeProfit.IsPositive() && trig.Price.GreaterThanOrEqual(pos.Exit.TakeProfit) {
			return exitDecision{Quantity: pos.Quantity, Trigger: TriggerTakeProfit, Detail: "bid " + trig.Price.String() + " >= " + pos.Exit.TakeProfit.String()}
		}
		if pos.Exit.StopLoss.IsPositive() && trig.Price.LessThanOrEqual(pos.Exit.StopLoss) {
			return exitDecision{Quantity: pos.Quantity, Trigger: TriggerStopLoss, Detail: "bid " + trig.Price.String() + " <= " + pos.Exit.StopLoss.String()}
		}
	default:
		switch {
		case trig.leaderSell && pos.DeferredExitFraction.IsPositive():
			fraction := sizing.CombineExitFractions(pos.DeferredExitFraction, sizing.ExitFraction(trig.SellSize, trig.Held))
			return exitDecision{Quantity: sizing.FractionQuantity(pos.Quantity, fraction), Trigger: TriggerMirror}
		case trig.leaderSell:
			return exitDecision{Quantity: sizing.ExitQuantity(pos.Quantity, trig.SellSize, trig.Held), Trigger: TriggerMirror}
		case pos.DeferredExitFraction.IsPositive():
			return exitDecision{Quantity: sizing.FractionQuantity(pos.Quantity, pos.DeferredExitFraction), Trigger: TriggerMirror, Detail: "deferred leader sell"}
		}
	}
	return exitDecision{}
}

// mirrorExit handles a leader sell for the market's open position.
func (m *Manager) mirrorExit(ctx context.Context, reg ledgerstore.Entry, sig signal.TradeSignal, held decimal.Decimal) (Outcome, error) {
	pos, err := m.store.GetActivePosition(ctx, sig.MarketID)
	if errors.Is(err, ledgerstore.ErrNotFound) {
		return m.skip(ctx, reg, ReasonNoOpenPosition, "")
	}
	if err != nil {
		return Outcome{}, err
	}

	decision := evaluateExit(pos, exitTrigger{leaderSell: true, SellSize: sig.Size, Held: held})
	if decision.DeferFraction.IsPositive() {
		return m.deferExit(ctx, reg, sig, pos, decision, held)
	}
	if decision.SkipReason != "" {
		return m.skip(ctx, reg, decision.SkipReason, decision.Detail)
	}
	if !decision.Quantity.IsPositive() {
		return m.skip(ctx, reg, ReasonNoOpenPosition, "exit quantity is zero")
	}
	st, err := m.marketState(ctx, sig.MarketID)
	if err != nil {
		return m.skip(ctx, reg, ReasonDataQualityFault, err.Error())
	}
	return m.submitExit(ctx, reg, pos, decision, st, true)
}

// deferExit records a leader sell that arrived while an exit order is working. The sold
// fraction is folded into the position and the remainder is sold by the next tick once
// the working exit settles.
func (m *Manager) deferExit(ctx context.Context, reg ledgerstore.Entry, sig signal.TradeSignal, pos ledgerstore.Position, decision exitDecision, held decimal.Decimal) (Outcome, error) {
	var (
		skipped  ledgerstore.Entry
		reopened bool
	)
	unlock := m.lockMarket(pos.MarketID)
	err := m.store.WithTransaction(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		current, err := tx.GetActivePosition(ctx, pos.MarketID)
		if err != nil {
			return err
		}
		if !current.OpenedAt.Equal(pos.OpenedAt) {
			return ledgerstore.ErrNotFound
		}
		if current.State != ledgerstore.PositionClosing {
			reopened = true
			return nil
		}
		current.DeferredExitFraction = sizing.CombineExitFractions(current.DeferredExitFraction, decision.DeferFraction)
		current.UpdatedAt = m.ledger.Now()
		if err := tx.UpdatePosition(ctx, current); err != nil {
			return err
		}
		skipped, err = m.ledger.AdvanceTx(ctx, tx, reg.LeaderEventID, ledgerstore.StatusSkipped,
			ledger.WithReason(ReasonExitDeferred, "behind exit "+current.PendingExitID))
		return err
	})
	unlock()
	switch {
	case errors.Is(err, ledgerstore.ErrNotFound):
		return m.skip(ctx, reg, ReasonNoOpenPosition, "position closed before deferral")
	case err != nil:
		return Outcome{}, m.systemic(err)
	case reopened:
		// The working exit settled in the meantime; the sell applies to the open position.
		return m.mirrorExit(ctx, reg, sig, held)
	}

	m.ledger.Committed(skipped)
	m.logger.Info("leader sell deferred behind working exit",
		observability.F("leader_event_id", reg.LeaderEventID),
		observability.F("market_id", pos.MarketID),
		observability.F("fraction", decision.DeferFraction.String()))
	m.metrics.SignalHandled(skipped.Kind, skipped.Status, ReasonExitDeferred)
	return outcomeOf(skipped), nil
}

// submitExit sends a closing order for pos. The position is marked closing in the same
// transaction as the submitted transition, provided it is still the same open position.
func (m *Manager) submitExit(ctx context.Context, reg ledgerstore.Entry, pos ledgerstore.Position, decision exitDecision, st market.State, countAttempt bool) (Outcome, error) {
	ref := st.Touch(signal.SideSell)
	limit := risk.LimitPrice(m.gate.Limits(), signal.SideSell, ref)
	qty := decimal.Min(decision.Quantity, pos.Quantity)

	link := func(e *ledgerstore.Entry) {
		e.LinkedLeaderEventID = pos.LinkedLeaderEventID
		e.ExitMode = pos.Exit.Mode
		e.Detail = decision.Trigger
	}
	return m.submit(ctx, submission{
		entry: reg,
		order: gateway.Order{
			ClientOrderID: signal.ClientOrderID(reg.LeaderEventID),
			MarketID:      pos.MarketID,
			Side:          signal.SideSell,
			Quantity:      qty,
			LimitPrice:    limit,
		},
		reference: ref,
		updates:   []ledger.Update{link},
		prepare: func(ctx context.Context, tx ledgerstore.Tx, submitted ledgerstore.Entry) error {
			current, err := tx.GetActivePosition(ctx, pos.MarketID)
			if errors.Is(err, ledgerstore.ErrNotFound) {
				return &skipError{reason: ReasonNoOpenPosition, detail: "position closed before submission"}
			}
			if err != nil {
				return err
			}
			if !current.OpenedAt.Equal(pos.OpenedAt) {
				return &skipError{reason: ReasonNoOpenPosition, detail: "position replaced before submission"}
			}
			if current.State != ledgerstore.PositionOpen {
				return &skipError{reason: ReasonExitInFlight, detail: "exit " + current.PendingExitID + " in flight"}
			}
			current.State = ledgerstore.PositionClosing
			current.PendingExitID = submitted.LeaderEventID
			current.DeferredExitFraction = decimal.Zero
			if countAttempt {
				current.ExitAttempts++
			}
			current.UpdatedAt = m.ledger.Now()
			return tx.UpdatePosition(ctx, current)
		},
		lockMarket: pos.MarketID,
	})
}

// evaluatePositionExits checks every open tp_sl position against the current bid and
// sells what deferred leader sells left on mirror positions.
func (m *Manager) evaluatePositionExits(ctx context.Context) error {
	if m.breaker.IsOpen() {
		return nil
	}
	positions, err := m.store.ListActivePositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.State != ledgerstore.PositionOpen {
			continue
		}
		if pos.Exit.Mode != ledgerstore.ExitTPSL && !pos.DeferredExitFraction.IsPositive() {
			continue
		}
		st, err := m.marketState(ctx, pos.MarketID)
		if err != nil {
			m.logger.Info("exit evaluation skipped",
				observability.F("market_id", pos.MarketID),
				observability.F("error", err.Error()))
			continue
		}
		decision := evaluateExit(pos, exitTrigger{Price: st.Touch(signal.SideSell)})
		if !decision.Quantity.IsPositive() {
			continue
		}
		if err := m.triggerExit(ctx, pos, decision, st); err != nil {
			return err
		}
	}
	return nil
}

// triggerExit registers and submits an exit entry raised by a tick rather than a leader
// event. Exit ids
// are derived from the opening leader event and the attempt counter, which is bumped in
// the registering transaction so a crashed attempt is never reused.
func (m *Manager) triggerExit(ctx context.Context, pos ledgerstore.Position, decision exitDecision, st market.State) error {
	var (
		reg     ledgerstore.Entry
		created bool
	)
	unlock := m.lockMarket(pos.MarketID)
	err := m.store.WithTransaction(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		current, err := tx.GetActivePosition(ctx, pos.MarketID)
		if err != nil {
			return err
		}
		if current.State != ledgerstore.PositionOpen || !current.OpenedAt.Equal(pos.OpenedAt) {
			return nil
		}
		current.ExitAttempts++
		current.UpdatedAt = m.ledger.Now()
		entry := ledgerstore.Entry{
			LeaderEventID:       fmt.Sprintf("%s:exit:%d", current.LinkedLeaderEventID, current.ExitAttempts),
			Kind:                ledgerstore.KindExit,
			LeaderID:            current.LeaderID,
			MarketID:            current.MarketID,
			CategoryID:          current.CategoryID,
			Side:                signal.SideSell,
			ExitMode:            current.Exit.Mode,
			Detail:              decision.Detail,
			LinkedLeaderEventID: current.LinkedLeaderEventID,
			ObservedAt:          m.now(),
		}
		reg, created, err = m.ledger.RegisterTx(ctx, tx, entry)
		if err != nil || !created {
			return err
		}
		pos = current
		return tx.UpdatePosition(ctx, current)
	})
	unlock()
	if err != nil {
		if errors.Is(err, ledgerstore.ErrNotFound) {
			return nil
		}
		return m.systemic(err)
	}
	if !created {
		return nil
	}
	m.ledger.Committed(reg)
	m.logger.Info("position exit triggered",
		observability.F("market_id", pos.MarketID),
		observability.F("trigger", decision.Trigger),
		observability.F("detail", decision.Detail),
		observability.F("leader_event_id", reg.LeaderEventID))

	_, err = m.submitExit(ctx, reg, pos, decision, st, false)
	return err
}
