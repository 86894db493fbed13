package sagacore

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

type sagaTrigger string

const (
	triggerStart            sagaTrigger = "start"
	triggerAdvance          sagaTrigger = "advance"
	triggerComplete         sagaTrigger = "complete"
	triggerFail             sagaTrigger = "fail"
	triggerCompensated      sagaTrigger = "compensated"
	triggerCompensationFail sagaTrigger = "compensation_fail"
)

// newStatusMachine builds the per-instance lifecycle machine. The machine
// guards the code paths; the ledger's version-checked update remains the
// durable authority on what the status actually is.
func newStatusMachine(initial SagaStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(initial)

	sm.Configure(StatusPending).
		Permit(triggerStart, StatusRunning)

	sm.Configure(StatusRunning).
		PermitReentry(triggerAdvance).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusCompensating)

	sm.Configure(StatusCompensating).
		Permit(triggerCompensated, StatusCompensated).
		Permit(triggerCompensationFail, StatusCompensationFailed)

	return sm
}

// fireTransition fires a trigger and converts an illegal transition into the
// fatal InternalInconsistencyError: a wrong transition means the driver and
// the ledger disagree about where the saga is.
func fireTransition(sm *stateless.StateMachine, id SagaID, trigger sagaTrigger) error {
	if err := sm.Fire(trigger); err != nil {
		return &InternalInconsistencyError{
			SagaID: id,
			Err:    fmt.Errorf("illegal transition %q from %v: %w", trigger, sm.MustState(), err),
		}
	}
	return nil
}
