package sagacore

import (
	"context"
)

// Ledger is the durable record of saga instances and their step history: an
// append-only event log per saga plus a current-state snapshot with
// optimistic concurrency. It is the only shared mutable resource in the core
// and must support concurrent access from independent saga executions.
//
// Durability contract: AppendStep and AppendCompensation must be durable
// before they return; the orchestrator does not proceed to the next milestone
// until the previous one's record is on stable storage. A crash between a
// milestone completing and its append is the documented at-least-once gap;
// the recovery sweep resolves it from the last durable state.
type Ledger interface {
	// CreateInstance persists a new instance at version 1. The saga ID must
	// be unused.
	CreateInstance(ctx context.Context, inst SagaInstance) error

	// GetInstance returns the current snapshot, or ErrSagaNotFound.
	GetInstance(ctx context.Context, id SagaID) (*SagaInstance, error)

	// UpdateStatus conditionally updates the instance's status, milestone
	// index, and failure detail. It returns false (and no error) when
	// expectedVersion does not match the stored version; the caller must
	// re-read and retry. On success the stored version increments.
	UpdateStatus(ctx context.Context, id SagaID, expectedVersion int64, upd StatusUpdate) (bool, error)

	// AppendStep durably appends a step record. Sequence numbers per saga
	// must be exactly lastSequence+1; anything else is rejected with a
	// SequenceConflictError.
	AppendStep(ctx context.Context, rec StepRecord) error

	// Steps returns all step records for a saga in ascending sequence order.
	Steps(ctx context.Context, id SagaID) ([]StepRecord, error)

	// AppendCompensation durably appends one compensation attempt record.
	AppendCompensation(ctx context.Context, rec CompensationRecord) error

	// Compensations returns all compensation records for a saga in append
	// order.
	Compensations(ctx context.Context, id SagaID) ([]CompensationRecord, error)

	// ListInstances returns instances whose status is one of the given
	// statuses (all instances when none are given). Used by the recovery
	// sweep to find in-flight sagas.
	ListInstances(ctx context.Context, statuses ...SagaStatus) ([]SagaInstance, error)
}

// StatusUpdate is the mutable slice of a SagaInstance touched by a
// version-checked update. Nil fields are left unchanged.
type StatusUpdate struct {
	Status         SagaStatus
	MilestoneIndex *int
	FailureDetail  *string
}
