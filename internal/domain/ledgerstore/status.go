package ledgerstore

// Status is the replication outcome of a ledger entry.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSubmitted       Status = "submitted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusRejected        Status = "rejected"
	StatusSkipped         Status = "skipped"
)

var transitions = map[Status][]Status{
	StatusPending:         {StatusSubmitted, StatusSkipped},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusRejected},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusRejected},
}

// CanTransition reports whether from -> to respects the monotonic ledger order.
// partially_filled -> partially_filled is allowed to record additional fills.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// InFlight reports whether an order has been handed to the gateway and is unresolved.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusPartiallyFilled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusPartiallyFilled, StatusFilled, StatusRejected, StatusSkipped:
		return true
	default:
		return false
	}
}
