// Package tx tracks logical distributed transactions: participants, a
// two-phase-commit-style status machine, timeouts and parent/child traceability.
package tx

import "fmt"

// Status is a transaction lifecycle state. Terminal statuses are final; no
// transition ever leaves them.
type Status int

const (
	StatusActive Status = iota
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	StatusInDoubt
	StatusFailed
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPreparing:
		return "preparing"
	case StatusPrepared:
		return "prepared"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusRollingBack:
		return "rolling-back"
	case StatusRolledBack:
		return "rolled-back"
	case StatusInDoubt:
		return "in-doubt"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// transitions is the legal edge set of the status machine. FAILED and TIMEOUT
// are reachable from any non-terminal state and are handled separately.
var transitions = map[Status][]Status{
	StatusActive:      {StatusPreparing, StatusRollingBack},
	StatusPreparing:   {StatusPrepared, StatusRollingBack},
	StatusPrepared:    {StatusCommitting, StatusRollingBack},
	StatusCommitting:  {StatusCommitted, StatusInDoubt},
	StatusInDoubt:     {StatusRollingBack},
	StatusRollingBack: {StatusRolledBack},
}

func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusTimeout {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateError reports an illegal status transition attempt.
type StateError struct {
	TxID string
	From Status
	To   Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("tx %s: illegal transition %s -> %s", e.TxID, e.From, e.To)
}
