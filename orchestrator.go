package sagacore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	defaultCompensationAttempts = 3
	defaultCompensationBackoff  = 100 * time.Millisecond
	defaultConflictRetries      = 5
	defaultConflictBackoff      = 20 * time.Millisecond
)

type conflictPolicy struct {
	retries uint64
	backoff time.Duration
}

var defaultConflictPolicy = conflictPolicy{
	retries: defaultConflictRetries,
	backoff: defaultConflictBackoff,
}

// Options configures an Orchestrator. Zero values take the documented
// defaults, so Options{} is a usable configuration.
type Options struct {
	// CompensationAttempts bounds handler retries per milestone (default 3).
	CompensationAttempts int
	// CompensationBackoff is the base of the exponential backoff between
	// handler retries (default 100ms).
	CompensationBackoff time.Duration
	// ConflictRetries bounds internal retries of optimistic-concurrency
	// conflicts before they surface as InternalInconsistencyError (default 5).
	ConflictRetries uint64
	// ConflictBackoff is the pause between conflict retries (default 20ms).
	ConflictBackoff time.Duration
	// Logger receives structured execution logs; nil disables logging.
	Logger *zerolog.Logger
}

// Orchestrator drives saga executions: it consults the policy resolver once
// per call, runs milestones strictly sequentially on the caller's goroutine,
// advances the ledger after every milestone, and on failure invokes the
// compensator synchronously before re-raising the failure. It is not a
// background scheduler; Execute returns only when the saga reached a
// terminal state.
type Orchestrator struct {
	ledger      Ledger
	registry    *CompensationRegistry
	resolver    *PolicyResolver
	compensator *Compensator
	conflict    conflictPolicy
	logger      zerolog.Logger
}

// NewOrchestrator wires the core together. Policy is injected here, never
// read from ambient globals, so it is swappable per test case.
func NewOrchestrator(ledger Ledger, registry *CompensationRegistry, source PolicySource, opts Options) *Orchestrator {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	attempts := opts.CompensationAttempts
	if attempts <= 0 {
		attempts = defaultCompensationAttempts
	}
	backoff := opts.CompensationBackoff
	if backoff <= 0 {
		backoff = defaultCompensationBackoff
	}
	conflict := conflictPolicy{retries: opts.ConflictRetries, backoff: opts.ConflictBackoff}
	if conflict.retries == 0 {
		conflict.retries = defaultConflictRetries
	}
	if conflict.backoff <= 0 {
		conflict.backoff = defaultConflictBackoff
	}

	compensator := NewCompensator(ledger, registry, attempts, backoff, logger)
	compensator.conflict = conflict

	return &Orchestrator{
		ledger:      ledger,
		registry:    registry,
		resolver:    NewPolicyResolver(source, logger),
		compensator: compensator,
		conflict:    conflict,
		logger:      logger,
	}
}

// Compensator exposes the orchestrator's compensation executor, for operator
// tooling that needs to re-drive a compensation_failed saga after manual
// remediation.
func (o *Orchestrator) Compensator() *Compensator {
	return o.compensator
}

// Execute runs one operation under the resolved policy.
//
// With guarantees disabled the milestones run directly, no ledger writes
// occur, and a step error propagates unchanged. With guarantees enabled a
// ledger instance is created, every milestone outcome is durably recorded
// before the next milestone starts, and a milestone failure triggers
// reverse-order compensation before the failure is re-raised as a
// StepFailureError (or CompensationFailedError when a handler exhausts its
// retries).
//
// Cancellation is honored only between milestones; a started step function
// runs to completion or failure. A cancellation observed between milestones
// is treated as a milestone failure and compensates everything completed so
// far.
func (o *Orchestrator) Execute(ctx context.Context, kind OperationKind, sagaCtx Context, milestones []Milestone, policyOverride *bool) (*ExecutionResult, error) {
	decision := o.resolver.Resolve(ctx, kind, policyOverride)
	if !decision.Enabled {
		return o.executePlain(ctx, kind, sagaCtx, milestones)
	}

	def := SagaDefinition{
		OperationKind:   kind,
		Milestones:      make([]MilestoneName, len(milestones)),
		CompensationMap: decision.CompensationMap,
	}
	for i, m := range milestones {
		def.Milestones[i] = m.Name
	}
	if err := o.registry.Validate(def); err != nil {
		return nil, err
	}

	now := time.Now()
	inst := &SagaInstance{
		SagaID:          SagaID(uuid.NewString()),
		OperationKind:   kind,
		Status:          StatusPending,
		CompensationMap: decision.CompensationMap,
		Context:         sagaCtx.clone(),
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	if err := o.ledger.CreateInstance(ctx, *inst); err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("saga_id", string(inst.SagaID)).
		Str("operation_kind", string(kind)).
		Int("milestones", len(milestones)).
		Msg("saga created")

	sm := newStatusMachine(StatusPending)
	result := &ExecutionResult{
		SagaID:  inst.SagaID,
		Results: make(map[MilestoneName]json.RawMessage),
	}

	// Cancellation is honored only at the per-milestone checkpoint below;
	// ledger bookkeeping between checkpoints runs detached so a caller giving
	// up never aborts a status update mid-flight.
	detached := context.WithoutCancel(ctx)

	for i, m := range milestones {
		trigger := triggerAdvance
		if i == 0 {
			trigger = triggerStart
		}
		if err := fireTransition(sm, inst.SagaID, trigger); err != nil {
			return nil, err
		}

		// A cancellation between milestones is a milestone failure; a step
		// already running is never interrupted mid-flight.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return o.failMilestone(ctx, sm, inst, result, m.Name, uint64(i+1), ctxErr)
		}

		idx := i
		var err error
		if inst, err = o.updateStatus(detached, inst, StatusUpdate{Status: StatusRunning, MilestoneIndex: &idx}); err != nil {
			return nil, err
		}

		o.logger.Debug().
			Str("saga_id", string(inst.SagaID)).
			Str("milestone", string(m.Name)).
			Msg("milestone dispatch")
		out, stepErr := m.Step(ctx, inst.Context)
		if stepErr != nil {
			return o.failMilestone(ctx, sm, inst, result, m.Name, uint64(i+1), stepErr)
		}

		payload, marshalErr := json.Marshal(out)
		if marshalErr != nil {
			serr := fmt.Errorf("milestone %q result is not serializable: %w", m.Name, marshalErr)
			return o.failMilestone(ctx, sm, inst, result, m.Name, uint64(i+1), serr)
		}

		rec := StepRecord{
			SagaID:         inst.SagaID,
			MilestoneName:  m.Name,
			SequenceNumber: uint64(i + 1),
			Outcome:        OutcomeSuccess,
			ResultPayload:  payload,
		}
		if err := o.ledger.AppendStep(detached, rec); err != nil {
			return nil, err
		}
		result.Results[m.Name] = payload
	}

	if len(milestones) > 0 {
		if err := fireTransition(sm, inst.SagaID, triggerComplete); err != nil {
			return nil, err
		}
	}
	idx := len(milestones)
	var err error
	if inst, err = o.updateStatus(detached, inst, StatusUpdate{Status: StatusCompleted, MilestoneIndex: &idx}); err != nil {
		return nil, err
	}
	result.Status = StatusCompleted
	o.logger.Info().
		Str("saga_id", string(inst.SagaID)).
		Str("operation_kind", string(kind)).
		Msg("saga completed")
	return result, nil
}

// executePlain is the policy-off path: no ledger, no compensation, errors
// propagate unchanged.
func (o *Orchestrator) executePlain(ctx context.Context, kind OperationKind, sagaCtx Context, milestones []Milestone) (*ExecutionResult, error) {
	result := &ExecutionResult{Results: make(map[MilestoneName]json.RawMessage)}
	for _, m := range milestones {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Status = StatusFailedNoSaga
			return result, ctxErr
		}
		out, err := m.Step(ctx, sagaCtx)
		if err != nil {
			o.logger.Debug().
				Str("operation_kind", string(kind)).
				Str("milestone", string(m.Name)).
				Err(err).
				Msg("milestone failed without saga guarantees")
			result.Status = StatusFailedNoSaga
			return result, err
		}
		payload, err := json.Marshal(out)
		if err != nil {
			result.Status = StatusFailedNoSaga
			return result, fmt.Errorf("milestone %q result is not serializable: %w", m.Name, err)
		}
		result.Results[m.Name] = payload
	}
	result.Status = StatusCompleted
	return result, nil
}

// failMilestone records the failing milestone, drives the saga through
// compensation, and re-raises the original failure with the compensation
// outcome attached. Compensation runs on a cancellation-detached context:
// the caller giving up must not leave the saga half-applied.
func (o *Orchestrator) failMilestone(ctx context.Context, sm *stateless.StateMachine, inst *SagaInstance, result *ExecutionResult, milestone MilestoneName, seq uint64, stepErr error) (*ExecutionResult, error) {
	detached := context.WithoutCancel(ctx)

	rec := StepRecord{
		SagaID:         inst.SagaID,
		MilestoneName:  milestone,
		SequenceNumber: seq,
		Outcome:        OutcomeFailure,
		FailureDetail:  stepErr.Error(),
	}
	if err := o.ledger.AppendStep(detached, rec); err != nil {
		return nil, err
	}

	if err := fireTransition(sm, inst.SagaID, triggerFail); err != nil {
		return nil, err
	}
	detail := stepErr.Error()
	var err error
	if inst, err = o.updateStatus(detached, inst, StatusUpdate{Status: StatusCompensating, FailureDetail: &detail}); err != nil {
		return nil, err
	}
	o.logger.Warn().
		Str("saga_id", string(inst.SagaID)).
		Str("milestone", string(milestone)).
		Err(stepErr).
		Msg("milestone failed, compensating")

	outcome, compErr := o.compensator.Compensate(detached, inst.SagaID)
	if compErr != nil {
		result.Status = StatusCompensationFailed
		var failed MilestoneName
		if outcome != nil && len(outcome.FailedMilestones) > 0 {
			failed = outcome.FailedMilestones[0]
		}
		var compensated []MilestoneName
		if outcome != nil {
			compensated = outcome.Compensated
		}
		return result, &CompensationFailedError{
			SagaID:            inst.SagaID,
			FailedMilestone:   failed,
			OriginalErr:       stepErr,
			CompensationErr:   compErr,
			CompensatedBefore: compensated,
		}
	}

	result.Status = StatusCompensated
	return result, &StepFailureError{
		SagaID:       inst.SagaID,
		Milestone:    milestone,
		Err:          stepErr,
		Compensation: outcome,
	}
}

// GetSagaStatus returns the current instance snapshot.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, id SagaID) (*SagaInstance, error) {
	return o.ledger.GetInstance(ctx, id)
}

// History returns the instance together with its full step and compensation
// streams.
func (o *Orchestrator) History(ctx context.Context, id SagaID) (*SagaHistory, error) {
	inst, err := o.ledger.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := o.ledger.Steps(ctx, id)
	if err != nil {
		return nil, err
	}
	comps, err := o.ledger.Compensations(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SagaHistory{Instance: *inst, Steps: steps, Compensations: comps}, nil
}

// updateStatus performs a version-checked status update with bounded retry.
func (o *Orchestrator) updateStatus(ctx context.Context, inst *SagaInstance, upd StatusUpdate) (*SagaInstance, error) {
	return updateStatusRetry(ctx, o.ledger, inst, upd, o.conflict)
}

// updateStatusRetry drives a ledger UpdateStatus through version conflicts:
// on a mismatch it re-reads the instance and retries with the fresh version,
// up to the policy's bound, then surfaces InternalInconsistencyError: a
// saga whose version keeps moving under its own driver is corrupt state, not
// a transient hiccup.
func updateStatusRetry(ctx context.Context, ledger Ledger, inst *SagaInstance, upd StatusUpdate, pol conflictPolicy) (*SagaInstance, error) {
	current := inst
	backoff := retry.WithMaxRetries(pol.retries, retry.NewConstant(pol.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := ledger.UpdateStatus(ctx, current.SagaID, current.Version, upd)
		if err != nil {
			return err
		}
		if !ok {
			fresh, err := ledger.GetInstance(ctx, current.SagaID)
			if err != nil {
				return err
			}
			current = fresh
			return retry.RetryableError(fmt.Errorf("saga %s: %w at version %d", current.SagaID, ErrVersionConflict, current.Version))
		}
		return nil
	})
	if err != nil {
		return nil, &InternalInconsistencyError{SagaID: current.SagaID, Err: err}
	}

	updated := *current
	updated.Status = upd.Status
	if upd.MilestoneIndex != nil {
		updated.CurrentMilestoneIndex = *upd.MilestoneIndex
	}
	if upd.FailureDetail != nil {
		updated.FailureDetail = *upd.FailureDetail
	}
	updated.Version++
	updated.UpdatedAt = time.Now()
	return &updated, nil
}
