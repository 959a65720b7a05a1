package lifecycle

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/ledgerstore"
)

// Skip and reject reasons raised by the manager itself. Risk reasons come from the risk package.
const (
	ReasonCircuitOpen                 = "CircuitOpen"
	ReasonDataQualityFault            = "DataQualityFault"
	ReasonNoOpenPosition              = "NoOpenPosition"
	ReasonAlreadyManagedIndependently = "AlreadyManagedIndependently"
	ReasonExitInFlight                = "ExitInFlight"
	ReasonExitDeferred                = "ExitDeferred"
	ReasonCancelledRemainder          = "CancelledRemainder"
	ReasonGatewayError                = "GatewayError"
	ReasonGatewayRejected             = "GatewayRejected"
	ReasonFillTimeout                 = "FillTimeout"
	ReasonNotSubmitted                = "NotSubmitted"
)

// Exit triggers recorded in the detail of exit entries.
const (
	TriggerMirror     = "MirrorExit"
	TriggerTakeProfit = "TakeProfit"
	TriggerStopLoss   = "StopLoss"
)

// Outcome is the per-signal result returned by Handle.
type Outcome struct {
	LeaderEventID string
	Kind          ledgerstore.Kind
	Status        ledgerstore.Status
	Reason        string
	Detail        string
	ClientOrderID string
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	// Duplicate is set when the leader event was already registered.
	Duplicate bool
}

func outcomeOf(e ledgerstore.Entry) Outcome {
	return Outcome{
		LeaderEventID: e.LeaderEventID,
		Kind:          e.Kind,
		Status:        e.Status,
		Reason:        e.Reason,
		Detail:        e.Detail,
		ClientOrderID: e.ClientOrderID,
		Quantity:      e.RequestedQty,
		FilledQty:     e.FilledQty,
	}
}

// Metrics receives lifecycle counters.
type Metrics interface {
	SignalHandled(kind ledgerstore.Kind, status ledgerstore.Status, reason string)
	GatewayCall(op, result string)
}

type noopMetrics struct{}

func (noopMetrics) SignalHandled(ledgerstore.Kind, ledgerstore.Status, string) {}
func (noopMetrics) GatewayCall(string, string)                                 {}
