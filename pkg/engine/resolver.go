package engine

import "fmt"

// Action is what the loop does after a failed provider call.
type Action string

const (
	// ActionRetryNow re-reads the target, recomputes the operation and retries once.
	ActionRetryNow Action = "retry_now"

	// ActionBackoff schedules a retry of the unchanged operation.
	ActionBackoff Action = "backoff"

	// ActionBlock moves the binding to BLOCKED.
	ActionBlock Action = "block"

	// ActionWait keeps the status unchanged without counting a failure.
	ActionWait Action = "wait"
)

// Decision is the resolver's verdict on one failure.
type Decision struct {
	// Action is the chosen action.
	Action Action

	// Err is the classified error.
	Err *EngineError

	// Attempt is the attempt count after this failure, for backoff decisions.
	Attempt int

	// counter is the attempt counter Attempt belongs to, empty when the
	// failure is not counted.
	counter string
}

// Reason returns the operator-facing reason of the decision.
func (d Decision) Reason() string {
	if d.Err == nil {
		return ""
	}
	return d.Err.Reason()
}

// ConflictResolver classifies apply and read failures and decides
// retry, backoff or escalation.
type ConflictResolver struct {
	policy BackoffPolicy
}

// NewConflictResolver creates a resolver for a backoff policy.
func NewConflictResolver(policy BackoffPolicy) *ConflictResolver {
	return &ConflictResolver{policy: policy}
}

// Policy returns the resolver's backoff policy.
func (r *ConflictResolver) Policy() BackoffPolicy {
	return r.policy
}

// Resolve classifies err against the default attempt ceiling.
func (r *ConflictResolver) Resolve(err error, retriedNow bool, attempts int) Decision {
	return r.ResolveFor(err, "", retriedNow, attempts)
}

// ResolveFor classifies a failure of an operation on kind. retriedNow reports
// whether the operation was already retried immediately after a conflict in
// this tick; attempts is the operation's attempt count before this failure.
func (r *ConflictResolver) ResolveFor(err error, kind ResourceKind, retriedNow bool, attempts int) Decision {
	e := AsEngineError(err)
	if e == nil {
		return Decision{Action: ActionWait, Attempt: attempts}
	}

	switch {
	case e.Code == ErrCodeNotFound || e.Code == ErrCodeValidationPending:
		return Decision{Action: ActionWait, Err: e, Attempt: attempts}

	case e.Class == ErrorClassConflict && !retriedNow:
		return Decision{Action: ActionRetryNow, Err: e, Attempt: attempts}

	case e.Class == ErrorClassPermanent:
		return Decision{Action: ActionBlock, Err: e, Attempt: attempts}

	case e.Class == ErrorClassConflict, e.Class == ErrorClassBusy,
		e.Class == ErrorClassThrottled, e.Class == ErrorClassTransient:
		next := attempts + 1
		if r.policy.ExhaustedFor(kind, next) {
			return Decision{Action: ActionBlock, Err: e, Attempt: next}
		}
		return Decision{Action: ActionBackoff, Err: e, Attempt: next}
	}

	return Decision{
		Action: ActionBlock,
		Err: NewPermanentError(fmt.Sprintf("unknown error class %q", e.Class), e).
			WithCode(ErrCodeInternal),
		Attempt: attempts,
	}
}
