// Package report turns ledger transitions into audit records and relays them to sinks.
package report

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/ledgerstore"
)

// EventTypeTransition tags outbox rows carrying a Record.
const EventTypeTransition = "ledger.transition"

// Record is the audit record emitted for every ledger transition.
type Record struct {
	LeaderEventID  string          `json:"leaderEventId"`
	LeaderID       string          `json:"leaderId"`
	MarketID       string          `json:"marketId"`
	MarketTitle    string          `json:"marketTitle,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	CategoryID     string          `json:"categoryId,omitempty"`
	Kind           string          `json:"kind"`
	Side           string          `json:"side"`
	ExitMode       string          `json:"exitMode,omitempty"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	ClientOrderID  string          `json:"clientOrderId,omitempty"`
	LeaderSize     decimal.Decimal `json:"leaderSize"`
	LeaderPrice    decimal.Decimal `json:"leaderPrice"`
	RequestedQty   decimal.Decimal `json:"requestedQty"`
	FilledQty      decimal.Decimal `json:"filledQty"`
	ReferencePrice decimal.Decimal `json:"referencePrice"`
	LimitPrice     decimal.Decimal `json:"limitPrice"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice"`
	ObservedAt     time.Time       `json:"observedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LatencyMs      int64           `json:"latencyMs"`
}

// FromEntry builds the record for the entry's current state.
func FromEntry(e ledgerstore.Entry) Record {
	var latency int64
	if !e.ObservedAt.IsZero() && e.UpdatedAt.After(e.ObservedAt) {
		latency = e.UpdatedAt.Sub(e.ObservedAt).Milliseconds()
	}
	leaderPrice := e.BandLow
	if e.BandHigh.IsPositive() {
		leaderPrice = e.BandLow.Add(e.BandHigh).Div(decimal.NewFromInt(2))
	}
	return Record{
		LeaderEventID:  e.LeaderEventID,
		LeaderID:       e.LeaderID,
		MarketID:       e.MarketID,
		MarketTitle:    e.MarketTitle,
		Outcome:        e.Outcome,
		CategoryID:     e.CategoryID,
		Kind:           string(e.Kind),
		Side:           string(e.Side),
		ExitMode:       string(e.ExitMode),
		Status:         string(e.Status),
		Reason:         e.Reason,
		Detail:         e.Detail,
		ClientOrderID:  e.ClientOrderID,
		LeaderSize:     e.LeaderSize,
		LeaderPrice:    leaderPrice,
		RequestedQty:   e.RequestedQty,
		FilledQty:      e.FilledQty,
		ReferencePrice: e.ReferencePrice,
		LimitPrice:     e.LimitPrice,
		AvgFillPrice:   e.AvgFillPrice,
		ObservedAt:     e.ObservedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		LatencyMs:      latency,
	}
}

// Encode marshals a record for the outbox.
func Encode(r Record) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("report: encode record: %w", err)
	}
	return json.RawMessage(data), nil
}

// Decode unmarshals an outbox payload.
func Decode(payload json.RawMessage) (Record, error) {
	if len(payload) == 0 {
		return Record{}, fmt.Errorf("report: empty payload")
	}
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return Record{}, fmt.Errorf("report: decode record: %w", err)
	}
	return r, nil
}

// Sink receives audit records. Implementations must tolerate redelivery of the same
// record after a crash between emit and acknowledgement.
type Sink interface {
	Emit(ctx context.Context, record Record) error
	Close() error
}
