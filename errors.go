package sagacore

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() support.
var (
	ErrStepFailed            = errors.New("step failed")
	ErrCompensationFailed    = errors.New("compensation failed")
	ErrUnregisteredHandler   = errors.New("unregistered compensation handler")
	ErrVersionConflict       = errors.New("version conflict")
	ErrSequenceConflict      = errors.New("sequence conflict")
	ErrInternalInconsistency = errors.New("internal inconsistency")
	ErrSagaNotFound          = errors.New("saga not found")
)

// StepFailureError reports a milestone step function failure. When saga
// guarantees were enabled it is returned only after compensation resolved,
// with the outcome attached as metadata; the original step error is always
// reachable via Unwrap.
type StepFailureError struct {
	SagaID       SagaID
	Milestone    MilestoneName
	Err          error
	Compensation *CompensationOutcome
}

func (e *StepFailureError) Error() string {
	if e.Compensation != nil && e.Compensation.FullyCompensated {
		return fmt.Sprintf("milestone %q failed (saga %s compensated): %v", e.Milestone, e.SagaID, e.Err)
	}
	return fmt.Sprintf("milestone %q failed: %v", e.Milestone, e.Err)
}

func (e *StepFailureError) Unwrap() error { return e.Err }

func (e *StepFailureError) Is(target error) bool { return target == ErrStepFailed }

// CompensationFailedError reports that a compensation handler exhausted its
// retry budget. The saga is left in compensation_failed and requires manual
// remediation; both the original step failure and the compensation failure
// are carried so neither incident is hidden.
type CompensationFailedError struct {
	SagaID            SagaID
	FailedMilestone   MilestoneName
	OriginalErr       error
	CompensationErr   error
	CompensatedBefore []MilestoneName
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("compensation for milestone %q of saga %s failed: %v (original failure: %v)",
		e.FailedMilestone, e.SagaID, e.CompensationErr, e.OriginalErr)
}

func (e *CompensationFailedError) Unwrap() error { return e.CompensationErr }

func (e *CompensationFailedError) Is(target error) bool { return target == ErrCompensationFailed }

// UnregisteredHandlerError is returned when a saga is rejected before it
// starts because a milestone has no registered compensation handler under the
// policy's compensation map.
type UnregisteredHandlerError struct {
	OperationKind OperationKind
	Milestone     MilestoneName
	Handler       HandlerName
}

func (e *UnregisteredHandlerError) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("milestone %q of %q has no compensation mapping", e.Milestone, e.OperationKind)
	}
	return fmt.Sprintf("compensation handler %q for milestone %q of %q is not registered",
		e.Handler, e.Milestone, e.OperationKind)
}

func (e *UnregisteredHandlerError) Is(target error) bool { return target == ErrUnregisteredHandler }

// SequenceConflictError reports a rejected out-of-order step append, the
// ledger's defense against duplicate or racing writers.
type SequenceConflictError struct {
	SagaID   SagaID
	Got      uint64
	Expected uint64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("saga %s: step sequence %d rejected, expected %d", e.SagaID, e.Got, e.Expected)
}

func (e *SequenceConflictError) Is(target error) bool { return target == ErrSequenceConflict }

// InternalInconsistencyError is fatal to the current saga execution. It marks
// either an exhausted optimistic-concurrency retry budget or an illegal state
// transition, and is never silently ignored.
type InternalInconsistencyError struct {
	SagaID SagaID
	Err    error
}

func (e *InternalInconsistencyError) Error() string {
	return fmt.Sprintf("saga %s: internal inconsistency: %v", e.SagaID, e.Err)
}

func (e *InternalInconsistencyError) Unwrap() error { return e.Err }

func (e *InternalInconsistencyError) Is(target error) bool {
	return target == ErrInternalInconsistency
}
