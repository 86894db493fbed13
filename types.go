package sagacore

import (
	"context"
	"encoding/json"
	"time"
)

// SagaID uniquely identifies one saga execution.
type SagaID string

// OperationKind names a class of transactional operation, e.g.
// "data_ingest_pipeline". Policy and compensation handlers are keyed by it.
type OperationKind string

// MilestoneName names one step of a saga's forward execution plan.
type MilestoneName string

// HandlerName identifies a registered compensation handler.
type HandlerName string

// SagaStatus is the lifecycle state of a SagaInstance.
type SagaStatus string

const (
	StatusPending            SagaStatus = "pending"
	StatusRunning            SagaStatus = "running"
	StatusCompleted          SagaStatus = "completed"
	StatusCompensating       SagaStatus = "compensating"
	StatusCompensated        SagaStatus = "compensated"
	StatusCompensationFailed SagaStatus = "compensation_failed"

	// StatusFailedNoSaga marks an execution that ran without saga guarantees
	// and failed. It appears only on ExecutionResult; nothing is persisted
	// for policy-off executions.
	StatusFailedNoSaga SagaStatus = "failed_no_saga"
)

// Terminal reports whether the status is a terminal state.
func (s SagaStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed, StatusFailedNoSaga:
		return true
	}
	return false
}

// StepOutcome is the recorded outcome of a milestone execution or a
// compensation attempt.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailure StepOutcome = "failure"
)

// Context is opaque caller-supplied key/value data passed to every step
// function and compensation handler of a saga (e.g. file_id, tenant_id).
// The core persists it with the instance but never interprets it.
type Context map[string]any

// clone returns a shallow copy so ledger rows never alias caller maps.
func (c Context) clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// StepFunc is the forward work of one milestone, supplied by the caller per
// execution. It must return a JSON-serializable result on success.
type StepFunc func(ctx context.Context, sagaCtx Context) (any, error)

// Milestone pairs a name with the step function that realizes it.
type Milestone struct {
	Name MilestoneName
	Step StepFunc
}

// CompensationHandler undoes the effect of one completed milestone. It
// receives the saga context and the milestone's recorded result payload.
// Handlers must be idempotent: retries and crash-recovery sweeps may invoke
// the same handler again after a partial success that was never recorded.
type CompensationHandler func(ctx context.Context, sagaCtx Context, priorResult json.RawMessage) error

// SagaDefinition describes one class of transactional operation: the ordered
// milestone plan and which handler undoes each milestone. It is immutable and
// built per execution from the caller's milestone list plus the policy
// decision's compensation map.
type SagaDefinition struct {
	OperationKind   OperationKind
	Milestones      []MilestoneName
	CompensationMap map[MilestoneName]HandlerName
}

// SagaInstance is one execution of a SagaDefinition. Mutated exclusively by
// the Orchestrator and the Compensator through version-checked ledger updates.
type SagaInstance struct {
	SagaID                SagaID                        `json:"saga_id"`
	OperationKind         OperationKind                 `json:"operation_kind"`
	Status                SagaStatus                    `json:"status"`
	CurrentMilestoneIndex int                           `json:"current_milestone_index"`
	CompensationMap       map[MilestoneName]HandlerName `json:"compensation_map,omitempty"`
	Context               Context                       `json:"context,omitempty"`
	FailureDetail         string                        `json:"failure_detail,omitempty"`
	CreatedAt             time.Time                     `json:"created_at"`
	UpdatedAt             time.Time                     `json:"updated_at"`
	Version               int64                         `json:"version"`
}

// StepRecord is one append-only entry in a saga's forward execution history.
// Sequence numbers start at 1 and are strictly increasing per saga; the set
// of success records defines exactly the milestones eligible for compensation.
type StepRecord struct {
	SagaID         SagaID          `json:"saga_id"`
	MilestoneName  MilestoneName   `json:"milestone_name"`
	SequenceNumber uint64          `json:"sequence_number"`
	Outcome        StepOutcome     `json:"outcome"`
	ResultPayload  json.RawMessage `json:"result_payload,omitempty"`
	FailureDetail  string          `json:"failure_detail,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// CompensationRecord is one compensation attempt against a StepRecord.
// Attempts against a saga happen in strictly descending sequence order; a
// milestone's compensation never starts until every later milestone's
// compensation has terminally succeeded.
type CompensationRecord struct {
	SagaID         SagaID        `json:"saga_id"`
	MilestoneName  MilestoneName `json:"milestone_name"`
	SequenceNumber uint64        `json:"sequence_number"`
	AttemptNumber  int           `json:"attempt_number"`
	Outcome        StepOutcome   `json:"outcome"`
	Detail         string        `json:"detail,omitempty"`
	RecordedAt     time.Time     `json:"recorded_at"`
}

// ExecutionResult is returned by Orchestrator.Execute. For policy-off
// executions SagaID is empty and Status is StatusCompleted or
// StatusFailedNoSaga.
type ExecutionResult struct {
	SagaID  SagaID
	Status  SagaStatus
	Results map[MilestoneName]json.RawMessage
}

// CompensationOutcome summarizes one walk-back over a saga's recorded steps.
type CompensationOutcome struct {
	FullyCompensated bool
	Compensated      []MilestoneName
	FailedMilestones []MilestoneName
}

// SagaHistory bundles an instance with its full ledger streams, for status
// and audit queries.
type SagaHistory struct {
	Instance      SagaInstance
	Steps         []StepRecord
	Compensations []CompensationRecord
}
