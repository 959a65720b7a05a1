package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/app/breaker"
	"github.com/coachpo/tandem/internal/app/exposure"
	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/domain/gateway"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/observability"
)

// Run drives ticks and the archive janitor until ctx ends. It returns early only on a
// systemic fault.
func (m *Manager) Run(ctx context.Context) error {
	tick := time.NewTicker(m.cfg.TickInterval)
	defer tick.Stop()
	janitor := time.NewTicker(m.cfg.ArchiveInterval)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := m.Tick(ctx); err != nil {
				if errs.Systemic(err) {
					return err
				}
				m.logger.Error("tick failed", observability.F("error", err.Error()))
			}
		case <-janitor.C:
			m.archive(ctx)
		}
	}
}

// Tick polls working orders, forces cancellation of orders past the fill timeout and
// evaluates price-triggered exits.
func (m *Manager) Tick(ctx context.Context) error {
	for _, w := range m.workingOrders() {
		out, err := m.poll(ctx, w)
		if err != nil {
			if errs.Systemic(err) {
				return err
			}
			m.logger.Error("working order poll failed",
				observability.F("leader_event_id", w.id),
				observability.F("error", err.Error()))
			continue
		}
		if !out.Status.InFlight() || m.cfg.PartialFillTimeout <= 0 {
			continue
		}
		if m.now().Sub(w.submittedAt) < m.cfg.PartialFillTimeout {
			continue
		}
		if _, err := m.cancelAndReconcile(ctx, w); err != nil && errs.Systemic(err) {
			return err
		}
	}
	return m.evaluatePositionExits(ctx)
}

func (m *Manager) poll(ctx context.Context, w workingOrder) (Outcome, error) {
	entry, err := m.ledger.Get(ctx, w.id)
	if err != nil {
		return Outcome{}, err
	}
	if !entry.Status.InFlight() {
		m.untrack(w.id)
		return outcomeOf(entry), nil
	}
	return m.resolve(ctx, entry)
}

func (m *Manager) cancelAndReconcile(ctx context.Context, w workingOrder) (Outcome, error) {
	status, err := m.gateway.Cancel(ctx, w.clientOrderID)
	if err != nil {
		if gateway.IsNotFound(err) {
			return m.reconcile(ctx, w.id, gateway.Status{ClientOrderID: w.clientOrderID, State: gateway.StateRejected}, ReasonGatewayError)
		}
		m.metrics.GatewayCall("cancel", "error")
		if ctx.Err() == nil {
			m.breaker.Record(breaker.OutcomeError)
		}
		m.logger.Error("cancel failed", observability.F("leader_event_id", w.id), observability.F("error", err.Error()))
		return Outcome{}, err
	}
	m.metrics.GatewayCall("cancel", "ok")
	if !status.State.Done() {
		status.State = gateway.StateCancelled
	}
	m.logger.Info("fill timeout, order cancelled",
		observability.F("leader_event_id", w.id),
		observability.F("filled_qty", status.FilledQty.String()))
	return m.reconcile(ctx, w.id, status, ReasonFillTimeout)
}

// Recover restores the session after a restart: exposure is recomputed and compared with
// the persisted aggregate, stale pending entries are skipped, in-flight orders are
// resolved through the gateway and closing positions without a live exit are reopened.
// An exposure mismatch latches the breaker and is returned.
func (m *Manager) Recover(ctx context.Context) error {
	positions, err := m.store.ListActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("recover positions: %w", err)
	}
	inFlight, err := m.ledger.ListInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight entries: %w", err)
	}
	records, err := m.store.LoadExposure(ctx)
	if err != nil {
		return fmt.Errorf("recover exposure: %w", err)
	}
	recomputed := exposure.Recompute(positions, inFlight)
	if err := exposure.Compare(exposure.FromRecords(records), recomputed); err != nil {
		m.breaker.Halt(err.Error())
		m.logger.Error("exposure integrity fault, trading halted", observability.F("error", err.Error()))
		return err
	}
	m.exposure.Load(recomputed)

	pending, err := m.ledger.ListPending(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("recover pending entries: %w", err)
	}
	for _, entry := range pending {
		if _, err := m.skip(ctx, entry, string(risk.ReasonStalePlan), "pending at recovery"); err != nil {
			return err
		}
	}

	for _, entry := range inFlight {
		m.track(entry)
		if _, err := m.resolve(ctx, entry); err != nil {
			return err
		}
	}

	if err := m.reopenOrphanedExits(ctx); err != nil {
		return err
	}
	m.logger.Info("recovery complete",
		observability.F("positions", len(positions)),
		observability.F("in_flight", len(inFlight)),
		observability.F("stale_pending", len(pending)),
		observability.F("working", m.WorkingOrders()))
	return nil
}

func (m *Manager) reopenOrphanedExits(ctx context.Context) error {
	positions, err := m.store.ListActivePositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.State != ledgerstore.PositionClosing {
			continue
		}
		if pos.PendingExitID != "" {
			exit, err := m.ledger.Get(ctx, pos.PendingExitID)
			if err == nil && exit.Status.InFlight() {
				continue
			}
			if err != nil && !errs.IsCode(err, errs.CodeNotFound) {
				return err
			}
		}
		unlock := m.lockMarket(pos.MarketID)
		err := m.store.WithTransaction(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
			current, err := tx.GetActivePosition(ctx, pos.MarketID)
			if err != nil {
				return err
			}
			current.State = ledgerstore.PositionOpen
			current.PendingExitID = ""
			current.UpdatedAt = m.ledger.Now()
			return tx.UpdatePosition(ctx, current)
		})
		unlock()
		if err != nil {
			return err
		}
		m.logger.Info("orphaned exit cleared, position reopened", observability.F("market_id", pos.MarketID))
	}
	return nil
}

// Flush waits for queued submissions to finish. The pool accepts no work afterwards.
func (m *Manager) Flush(ctx context.Context) error {
	return m.pool.Shutdown(ctx)
}

func (m *Manager) archive(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.Retention)
	n, err := m.ledger.Archive(ctx, cutoff)
	if err != nil {
		m.logger.Error("ledger archive failed", observability.F("error", err.Error()))
		return
	}
	if n > 0 {
		m.logger.Info("ledger entries archived", observability.F("count", n), observability.F("before", cutoff))
	}
}
