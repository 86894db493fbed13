package sagacore

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Compensator walks a saga's recorded-success steps in descending sequence
// order and undoes each through its registered handler. One milestone's
// compensation never starts until every later milestone's compensation has
// terminally succeeded; when a handler exhausts its retry budget the walk
// stops where it is, because an unresolved later-milestone compensation makes
// earlier ones unsafe to touch.
type Compensator struct {
	ledger   Ledger
	registry *CompensationRegistry
	attempts int
	backoff  time.Duration
	conflict conflictPolicy
	logger   zerolog.Logger
}

// NewCompensator creates a compensation executor. attempts is the per-handler
// retry bound (minimum 1), backoff the base of its exponential schedule.
func NewCompensator(ledger Ledger, registry *CompensationRegistry, attempts int, backoff time.Duration, logger zerolog.Logger) *Compensator {
	if attempts < 1 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = defaultCompensationBackoff
	}
	return &Compensator{
		ledger:   ledger,
		registry: registry,
		attempts: attempts,
		backoff:  backoff,
		conflict: defaultConflictPolicy,
		logger:   logger,
	}
}

// Compensate undoes every recorded-success step of the saga in reverse
// order. It is idempotent: an already-compensated saga is a no-op, and steps
// whose compensation already succeeded (crash-recovery re-entry) are skipped
// without invoking their handlers again.
//
// On a terminal handler failure the saga is left in compensation_failed, the
// walk stops, and the returned error carries the handler failure; the partial
// outcome is still returned.
func (c *Compensator) Compensate(ctx context.Context, id SagaID) (*CompensationOutcome, error) {
	inst, err := c.ledger.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	switch inst.Status {
	case StatusCompensated:
		return &CompensationOutcome{FullyCompensated: true}, nil
	case StatusCompleted:
		return nil, fmt.Errorf("saga %s is completed, nothing to compensate", id)
	case StatusCompensating, StatusCompensationFailed, StatusPending, StatusRunning:
		// Walkable. Recovery sweeps re-enter from any of these.
	default:
		return nil, fmt.Errorf("saga %s has unknown status %q", id, inst.Status)
	}

	if inst.Status != StatusCompensating {
		if inst, err = c.updateStatus(ctx, inst, StatusUpdate{Status: StatusCompensating}); err != nil {
			return nil, err
		}
	}

	steps, err := c.ledger.Steps(ctx, id)
	if err != nil {
		return nil, err
	}
	undone, err := c.compensatedMilestones(ctx, id)
	if err != nil {
		return nil, err
	}

	outcome := &CompensationOutcome{}
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Outcome != OutcomeSuccess {
			continue
		}
		if undone[step.MilestoneName] {
			outcome.Compensated = append(outcome.Compensated, step.MilestoneName)
			continue
		}

		if handlerErr := c.compensateStep(ctx, inst, step); handlerErr != nil {
			outcome.FullyCompensated = false
			outcome.FailedMilestones = append(outcome.FailedMilestones, step.MilestoneName)
			detail := handlerErr.Error()
			if _, err := c.updateStatus(ctx, inst, StatusUpdate{Status: StatusCompensationFailed, FailureDetail: &detail}); err != nil {
				return outcome, err
			}
			c.logger.Error().
				Str("saga_id", string(id)).
				Str("milestone", string(step.MilestoneName)).
				Err(handlerErr).
				Msg("compensation exhausted retries, manual remediation required")
			return outcome, fmt.Errorf("compensation of milestone %q: %w", step.MilestoneName, handlerErr)
		}
		outcome.Compensated = append(outcome.Compensated, step.MilestoneName)
	}

	if _, err := c.updateStatus(ctx, inst, StatusUpdate{Status: StatusCompensated}); err != nil {
		return outcome, err
	}
	outcome.FullyCompensated = true
	return outcome, nil
}

// compensateStep undoes one recorded-success step, retrying the handler up to
// the configured bound with exponential backoff and recording one
// CompensationRecord per attempt.
func (c *Compensator) compensateStep(ctx context.Context, inst *SagaInstance, step StepRecord) error {
	handlerName, mapped := inst.CompensationMap[step.MilestoneName]
	if !mapped {
		// Milestone was executed without a compensation mapping; there is
		// nothing to undo for it.
		c.logger.Debug().
			Str("saga_id", string(inst.SagaID)).
			Str("milestone", string(step.MilestoneName)).
			Msg("no compensation mapping, skipping")
		return nil
	}

	handler, err := c.registry.Lookup(inst.OperationKind, step.MilestoneName)
	if err != nil {
		return err
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewExponential(c.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		handlerErr := handler(ctx, inst.Context, step.ResultPayload)

		rec := CompensationRecord{
			SagaID:         inst.SagaID,
			MilestoneName:  step.MilestoneName,
			SequenceNumber: step.SequenceNumber,
			AttemptNumber:  attempt,
			Outcome:        OutcomeSuccess,
		}
		if handlerErr != nil {
			rec.Outcome = OutcomeFailure
			rec.Detail = handlerErr.Error()
		}
		if appendErr := c.ledger.AppendCompensation(ctx, rec); appendErr != nil {
			// A ledger failure is not the handler's fault; abort rather
			// than burn retry budget.
			return appendErr
		}

		if handlerErr != nil {
			c.logger.Warn().
				Str("saga_id", string(inst.SagaID)).
				Str("milestone", string(step.MilestoneName)).
				Str("handler", string(handlerName)).
				Int("attempt", attempt).
				Err(handlerErr).
				Msg("compensation handler failed")
			return retry.RetryableError(handlerErr)
		}
		return nil
	})
}

// compensatedMilestones returns the milestones whose compensation has already
// terminally succeeded.
func (c *Compensator) compensatedMilestones(ctx context.Context, id SagaID) (map[MilestoneName]bool, error) {
	records, err := c.ledger.Compensations(ctx, id)
	if err != nil {
		return nil, err
	}
	done := make(map[MilestoneName]bool)
	for _, rec := range records {
		if rec.Outcome == OutcomeSuccess {
			done[rec.MilestoneName] = true
		}
	}
	return done, nil
}

// updateStatus performs a version-checked status update, re-reading and
// retrying on conflict up to the conflict policy's bound.
func (c *Compensator) updateStatus(ctx context.Context, inst *SagaInstance, upd StatusUpdate) (*SagaInstance, error) {
	return updateStatusRetry(ctx, c.ledger, inst, upd, c.conflict)
}
