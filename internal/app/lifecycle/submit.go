package lifecycle

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/app/breaker"
	"github.com/coachpo/tandem/internal/app/ledger"
	"github.com/coachpo/tandem/internal/app/retry"
	"github.com/coachpo/tandem/internal/domain/gateway"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/observability"
)

// submission describes one order about to leave the process.
type submission struct {
	entry     ledgerstore.Entry
	order     gateway.Order
	reference decimal.Decimal
	updates   []ledger.Update
	// prepare runs in the transaction that marks the entry submitted.
	prepare func(ctx context.Context, tx ledgerstore.Tx, submitted ledgerstore.Entry) error
	// abort undoes in-memory effects when the order is never sent.
	abort func()
	// lockMarket serialises the submitted mark with other position changes in the market.
	lockMarket string
}

// skipError aborts a submission before anything is sent and names the skip reason.
type skipError struct {
	reason string
	detail string
}

func (e *skipError) Error() string {
	return e.reason + ": " + e.detail
}

// submit throttles, marks the entry submitted and calls the gateway on a pool worker. The
// order is sent at most once; failures after the submitted mark are resolved by status
// queries, never by resending.
func (m *Manager) submit(ctx context.Context, sub submission) (Outcome, error) {
	var (
		out  Outcome
		sent bool
	)
	err := m.pool.Do(ctx, func(ctx context.Context) error {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		unlock := func() {}
		if sub.lockMarket != "" {
			unlock = m.lockMarket(sub.lockMarket)
		}
		entry, err := m.markSubmitted(ctx, sub)
		unlock()
		if err != nil {
			return err
		}
		sent = true
		out, err = m.send(ctx, entry, sub.order)
		return err
	})
	if sent {
		if err != nil {
			return out, m.systemic(err)
		}
		return out, nil
	}

	if sub.abort != nil {
		sub.abort()
	}
	if err == nil {
		err = errors.New("submission not attempted")
	}
	if errs.Systemic(err) {
		return Outcome{}, m.systemic(err)
	}
	var skipped *skipError
	if errors.As(err, &skipped) {
		return m.skip(ctx, sub.entry, skipped.reason, skipped.detail)
	}
	return m.skip(ctx, sub.entry, ReasonNotSubmitted, err.Error())
}

func (m *Manager) markSubmitted(ctx context.Context, sub submission) (ledgerstore.Entry, error) {
	updates := append([]ledger.Update{
		ledger.WithOrder(sub.order.ClientOrderID, sub.order.Quantity, sub.reference, sub.order.LimitPrice),
	}, sub.updates...)

	var submitted ledgerstore.Entry
	err := m.store.WithTransaction(ctx, func(ctx context.Context, tx ledgerstore.Tx) error {
		var err error
		submitted, err = m.ledger.AdvanceTx(ctx, tx, sub.entry.LeaderEventID, ledgerstore.StatusSubmitted, updates...)
		if err != nil {
			return err
		}
		if sub.prepare != nil {
			return sub.prepare(ctx, tx, submitted)
		}
		return nil
	})
	if err != nil {
		return ledgerstore.Entry{}, err
	}
	m.ledger.Committed(submitted)
	m.track(submitted)
	return submitted, nil
}

// send calls the gateway once and reconciles whatever it learns.
func (m *Manager) send(ctx context.Context, entry ledgerstore.Entry, order gateway.Order) (Outcome, error) {
	status, err := m.gateway.Submit(ctx, order)
	if err != nil {
		m.breaker.Record(breaker.OutcomeError)
		m.metrics.GatewayCall("submit", "error")
		m.logger.Error("gateway submit failed",
			observability.F("leader_event_id", entry.LeaderEventID),
			observability.F("client_order_id", order.ClientOrderID),
			observability.F("error", err.Error()))
		return m.resolve(ctx, entry)
	}
	if status.State == gateway.StateRejected {
		m.breaker.Record(breaker.OutcomeRejected)
		m.metrics.GatewayCall("submit", "rejected")
	} else {
		m.breaker.Record(breaker.OutcomeAccepted)
		m.metrics.GatewayCall("submit", "accepted")
	}
	return m.reconcile(ctx, entry.LeaderEventID, status, "")
}

// resolve learns the true state of a submitted order by its client order id.
func (m *Manager) resolve(ctx context.Context, entry ledgerstore.Entry) (Outcome, error) {
	status, err := m.queryStatus(ctx, entry.ClientOrderID)
	switch {
	case err == nil:
		return m.reconcile(ctx, entry.LeaderEventID, status, "")
	case gateway.IsNotFound(err):
		return m.reconcile(ctx, entry.LeaderEventID, gateway.Status{
			ClientOrderID: entry.ClientOrderID,
			State:         gateway.StateRejected,
			Reason:        "order unknown to venue",
		}, ReasonGatewayError)
	default:
		m.logger.Info("order unresolved, kept in working set",
			observability.F("leader_event_id", entry.LeaderEventID),
			observability.F("error", err.Error()))
		return outcomeOf(entry), nil
	}
}

func (m *Manager) queryStatus(ctx context.Context, clientOrderID string) (gateway.Status, error) {
	status, err := retry.Do(ctx, m.retry, func(ctx context.Context) (gateway.Status, error) {
		st, err := m.gateway.Status(ctx, clientOrderID)
		if gateway.IsNotFound(err) {
			return st, retry.Permanent(err)
		}
		return st, err
	})
	if err != nil {
		m.metrics.GatewayCall("status", "error")
		if !gateway.IsNotFound(err) && ctx.Err() == nil {
			m.breaker.Record(breaker.OutcomeError)
		}
		return gateway.Status{}, err
	}
	m.metrics.GatewayCall("status", "ok")
	return status, nil
}
