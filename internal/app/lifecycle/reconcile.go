package lifecycle

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/app/ledger"
	"github.com/coachpo/tandem/internal/domain/gateway"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/signal"
	"github.com/coachpo/tandem/internal/observability"
)

// reconcile applies a venue status to an in-flight entry. The ledger transition, the
// position change, the persisted exposure and the report record commit together; the
// in-memory exposure follows after commit. rejectReason overrides the reason recorded
// when the order ends without any fill.
func (m *Manager) reconcile(ctx context.Context, id string, status gateway.Status, rejectReason string) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	current, err := m.ledger.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	unlock := m.lockMarket(current.MarketID)
	defer unlock()

	var (
		result  = current
		changed bool
		delta   decimal.Decimal
	)
	err = m.store.WithTransaction(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		before, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		result = before
		if !before.Status.InFlight() {
			return nil
		}
		next, updates, ok := transitionFor(before, status, rejectReason)
		if !ok {
			return nil
		}
		after, err := m.ledger.AdvanceTx(ctx, tx, id, next, updates...)
		if err != nil {
			return err
		}
		if before.Kind == ledgerstore.KindExit {
			delta, err = m.applyExitFill(ctx, tx, before, after)
		} else {
			delta, err = m.applyEntryFill(ctx, tx, before, after)
		}
		if err != nil {
			return err
		}
		if err := addExposure(ctx, tx, after.MarketID, after.CategoryID, delta); err != nil {
			return err
		}
		result = after
		changed = true
		return nil
	})
	if err != nil {
		return Outcome{}, m.systemic(err)
	}

	if changed {
		m.ledger.Committed(result)
		if !delta.IsZero() {
			m.exposure.Apply(result.MarketID, result.CategoryID, delta)
		}
		m.metrics.SignalHandled(result.Kind, result.Status, result.Reason)
		m.logger.Info("order reconciled",
			observability.F("leader_event_id", result.LeaderEventID),
			observability.F("status", string(result.Status)),
			observability.F("reason", result.Reason),
			observability.F("filled_qty", result.FilledQty.String()),
			observability.F("avg_fill_price", result.AvgFillPrice.String()))
	}
	if result.Status.Terminal() {
		m.untrack(id)
	}
	return outcomeOf(result), nil
}

// transitionFor maps a venue status onto the next ledger status. Fill quantities never
// move backwards.
func transitionFor(entry ledgerstore.Entry, status gateway.Status, rejectReason string) (ledgerstore.Status, []ledger.Update, bool) {
	filled, avg := entry.FilledQty, entry.AvgFillPrice
	if status.FilledQty.GreaterThan(filled) {
		filled, avg = status.FilledQty, status.AvgFillPrice
	}
	fill := ledger.WithFill(filled, avg)

	switch status.State {
	case gateway.StateFilled:
		return ledgerstore.StatusFilled, []ledger.Update{fill}, true
	case gateway.StateCancelled, gateway.StateRejected:
		if filled.IsPositive() {
			return ledgerstore.StatusFilled, []ledger.Update{fill, ledger.WithReason(ReasonCancelledRemainder, status.Reason)}, true
		}
		reason := rejectReason
		if reason == "" {
			reason = ReasonGatewayRejected
		}
		return ledgerstore.StatusRejected, []ledger.Update{fill, ledger.WithReason(reason, status.Reason)}, true
	case gateway.StatePartiallyFilled, gateway.StateAccepted:
		if filled.GreaterThan(entry.FilledQty) {
			return ledgerstore.StatusPartiallyFilled, []ledger.Update{fill}, true
		}
	}
	return "", nil, false
}

// fillDelta returns the quantity and notional filled between two versions of an entry.
func fillDelta(before, after ledgerstore.Entry) (decimal.Decimal, decimal.Decimal) {
	qty := after.FilledQty.Sub(before.FilledQty)
	if !qty.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	notional := after.FilledQty.Mul(after.AvgFillPrice).Sub(before.FilledQty.Mul(before.AvgFillPrice))
	return qty, notional
}

// applyEntryFill grows the market's position and returns the exposure change: filled cost
// moves into the position while the entry's outstanding reservation shrinks.
func (m *Manager) applyEntryFill(ctx context.Context, tx ledgerstore.Tx, before, after ledgerstore.Entry) (decimal.Decimal, error) {
	qty, cost := fillDelta(before, after)
	delta := cost.Add(after.Outstanding()).Sub(before.Outstanding())
	if !qty.IsPositive() {
		return delta, nil
	}

	now := m.ledger.Now()
	pos, err := tx.GetActivePosition(ctx, after.MarketID)
	switch {
	case errors.Is(err, ledgerstore.ErrNotFound):
		pos = ledgerstore.Position{
			MarketID:            after.MarketID,
			OpenedAt:            now,
			CategoryID:          after.CategoryID,
			LeaderID:            after.LeaderID,
			Side:                signal.SideBuy,
			Quantity:            qty,
			CostBasis:           cost,
			AvgEntryPrice:       cost.Div(qty),
			State:               ledgerstore.PositionOpen,
			LinkedLeaderEventID: after.LeaderEventID,
			UpdatedAt:           now,
		}
		pos.Exit = m.cfg.Exit.Policy(m.gate.Limits(), pos.AvgEntryPrice)
		return delta, tx.InsertPosition(ctx, pos)
	case err != nil:
		return decimal.Zero, err
	}

	pos.Quantity = pos.Quantity.Add(qty)
	pos.CostBasis = pos.CostBasis.Add(cost)
	pos.AvgEntryPrice = pos.CostBasis.Div(pos.Quantity)
	if pos.Exit.Mode == ledgerstore.ExitTPSL {
		pos.Exit = m.cfg.Exit.Policy(m.gate.Limits(), pos.AvgEntryPrice)
	}
	pos.UpdatedAt = now
	return delta, tx.UpdatePosition(ctx, pos)
}

// applyExitFill shrinks the position by the sold quantity, realises PnL against the
// proportional cost basis and settles the position state once the exit order is done.
func (m *Manager) applyExitFill(ctx context.Context, tx ledgerstore.Tx, before, after ledgerstore.Entry) (decimal.Decimal, error) {
	pos, err := tx.GetActivePosition(ctx, after.MarketID)
	if errors.Is(err, ledgerstore.ErrNotFound) {
		m.logger.Error("exit fill without an active position",
			observability.F("leader_event_id", after.LeaderEventID),
			observability.F("market_id", after.MarketID))
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	now := m.ledger.Now()
	delta := decimal.Zero
	qty, proceeds := fillDelta(before, after)
	if qty.IsPositive() {
		sold := decimal.Min(qty, pos.Quantity)
		released := pos.CostBasis
		if sold.LessThan(pos.Quantity) {
			released = pos.CostBasis.Mul(sold).Div(pos.Quantity)
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(proceeds.Sub(released))
		pos.Quantity = pos.Quantity.Sub(sold)
		pos.CostBasis = pos.CostBasis.Sub(released)
		delta = released.Neg()
	}

	if after.Status.Terminal() {
		if pos.PendingExitID == after.LeaderEventID {
			pos.PendingExitID = ""
		}
		if pos.Quantity.IsPositive() {
			pos.State = ledgerstore.PositionOpen
		} else {
			pos.State = ledgerstore.PositionClosed
			pos.Quantity = decimal.Zero
			pos.CostBasis = decimal.Zero
			pos.ClosedAt = &now
		}
	}
	pos.UpdatedAt = now
	return delta, tx.UpdatePosition(ctx, pos)
}
