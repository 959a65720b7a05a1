// Package errs provides structured error types and helpers for Tandem services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a replication error category.
type Code string

const (
	// CodeMalformedEvent indicates a leader observation that cannot be normalised.
	CodeMalformedEvent Code = "malformed_event"
	// CodeInvalidTransition indicates an attempted non-monotonic ledger transition.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeRiskRejected indicates the risk gate refused the trade plan.
	CodeRiskRejected Code = "risk_rejected"
	// CodeStalePlan indicates the plan aged out or the market moved before submission.
	CodeStalePlan Code = "stale_plan"
	// CodeGateway indicates an execution gateway failure.
	CodeGateway Code = "gateway_error"
	// CodeIntegrityFault indicates recomputed exposure diverged from persisted state.
	CodeIntegrityFault Code = "integrity_fault"
	// CodeCircuitOpen indicates trading is halted by the circuit breaker.
	CodeCircuitOpen Code = "circuit_open"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Tandem stack.
type E struct {
	Component string
	Code      Code
	Reason    string
	Message   string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Reason:    "",
		Message:   "",
		Fields:    nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithReason records the machine-readable reason (e.g. SpreadTooWide).
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair of context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope found in err's chain.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries an envelope with the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// ReasonOf returns the reason recorded on the first envelope in err's chain.
func ReasonOf(err error) string {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}

// Systemic reports whether the error must halt trading rather than being absorbed per signal.
func Systemic(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidTransition, CodeIntegrityFault:
		return true
	default:
		return false
	}
}
