package automation

import "fmt"

// ConflictError rejects a mutation because of conflicting state: a structural
// edit on an active automation, a delete while executions are live, or a lost
// optimistic-lock race. Surfaced to the caller as a validation failure.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// InvalidStateError rejects a status transition outside the allowed matrix.
type InvalidStateError struct {
	From string
	To   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("illegal status transition from %q to %q", e.From, e.To)
}

// AlreadyExistsError marks a duplicate trigger event. Recovered where it
// occurs; callers never see it as a failure.
type AlreadyExistsError struct {
	AutomationID uint
	LeadID       uint
	EventID      string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("execution already exists for automation %d, lead %d, event %q",
		e.AutomationID, e.LeadID, e.EventID)
}

// NotFoundError reports a missing automation or related record.
type NotFoundError struct {
	Resource string
	ID       uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// StepExecutionError reports a failed send-email step. It terminates the
// affected execution only; sibling executions keep running.
type StepExecutionError struct {
	ExecutionID uint
	StepIndex   int
	Cause       error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("execution %d step %d failed: %v", e.ExecutionID, e.StepIndex, e.Cause)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// SchedulerClaimError reports a transient failure while resuming a claimed
// wait step. Retried with capped attempts before the execution is failed.
type SchedulerClaimError struct {
	ExecutionID uint
	StepIndex   int
	Cause       error
}

func (e *SchedulerClaimError) Error() string {
	return fmt.Sprintf("resume of execution %d step %d failed: %v", e.ExecutionID, e.StepIndex, e.Cause)
}

func (e *SchedulerClaimError) Unwrap() error {
	return e.Cause
}
