package sagacore

import (
	"context"
)

// RecoveryReport is the result of sweeping one in-flight saga.
type RecoveryReport struct {
	SagaID  SagaID
	Outcome *CompensationOutcome
	Err     error
}

// Recover sweeps the ledger for sagas left in-flight by a crash and drives
// each to a terminal state. Forward execution cannot resume, the step
// functions live in the caller and died with it, so every in-flight saga is rolled
// back from its last durable state: recorded-success steps are compensated
// through the handler map persisted on the instance, and a saga with no
// recorded steps simply closes as compensated.
//
// The sweep is safe to run repeatedly: compensation is idempotent, and a
// saga concurrently owned by a live execution loses the version race and is
// reported with an error instead of being corrupted.
func (o *Orchestrator) Recover(ctx context.Context) ([]RecoveryReport, error) {
	inFlight, err := o.ledger.ListInstances(ctx, StatusPending, StatusRunning, StatusCompensating)
	if err != nil {
		return nil, err
	}

	reports := make([]RecoveryReport, 0, len(inFlight))
	for _, inst := range inFlight {
		o.logger.Info().
			Str("saga_id", string(inst.SagaID)).
			Str("status", string(inst.Status)).
			Msg("recovering in-flight saga")
		outcome, err := o.compensator.Compensate(ctx, inst.SagaID)
		reports = append(reports, RecoveryReport{SagaID: inst.SagaID, Outcome: outcome, Err: err})
	}
	return reports, nil
}
