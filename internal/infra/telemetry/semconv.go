// Package telemetry provides OpenTelemetry metrics and semantic attribute keys.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by every tandem instrument.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrEntryKind separates entry orders from exits.
	AttrEntryKind = attribute.Key("ledger.kind")
	// AttrEntryStatus is the ledger status after a transition.
	AttrEntryStatus = attribute.Key("ledger.status")
	// AttrReason carries the skip or reject reason.
	AttrReason = attribute.Key("reason")
	// AttrOperation differentiates gateway calls (submit, status, cancel) and migration directions.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (accepted, rejected, error, ok).
	AttrResult = attribute.Key("result")
	// AttrVenue names the execution gateway.
	AttrVenue = attribute.Key("venue")
	// AttrScope is the exposure aggregate dimension (market, category).
	AttrScope = attribute.Key("exposure.scope")
	// AttrSource names the leader event source.
	AttrSource = attribute.Key("source")
)

// SignalAttributes returns attributes for handled signal counters.
func SignalAttributes(environment, kind, status, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEntryKind.String(kind),
		AttrEntryStatus.String(status),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, venue, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
