package types

// statemachine.go — item lifecycle state transition rules.
//
// State diagram:
//
//	PENDING ──────────► PROCESSING
//	                        │
//	       ┌────────────────┼──────────────┐
//	       ▼                ▼              ▼
//	   COMPLETED        RETRYING        FAILED
//	                        │
//	                        └──► PROCESSING   (once NextRetryAfter elapses)
//
// RETRYING → FAILED also occurs directly during stale-claim recovery, when
// the extra counted attempt exhausts the retry budget.

// ValidTransition reports whether moving an item from → to is a legal state
// change.
//
// The stores enforce this on every RecordOutcome so that terminal states stay
// immutable no matter what the caller asks for.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		// PENDING can only be claimed.
		return to == StatusProcessing
	case StatusProcessing:
		// PROCESSING resolves to a terminal state, schedules a retry, or is
		// released back to PENDING when the rate limiter denied budget.
		return to == StatusCompleted || to == StatusRetrying ||
			to == StatusFailed || to == StatusPending
	case StatusRetrying:
		// RETRYING re-enters the ready pool via a claim; recovery may fail it
		// outright when the budget is already spent.
		return to == StatusProcessing || to == StatusFailed
	case StatusCompleted, StatusFailed:
		// Terminal.
		return false
	}
	return false
}
