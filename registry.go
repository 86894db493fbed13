package sagacore

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

type handlerKey struct {
	kind      OperationKind
	milestone MilestoneName
}

// CompensationRegistry maps (operation_kind, milestone_name) to the idempotent
// handler that undoes that milestone.
//
// Handlers are statically known functions registered at process startup, not
// discovered dynamically. Saga construction happens per call and sagas can be
// compensated long after the creating process died (recovery sweep); the only
// thing that survives in the ledger is the handler's name, so every handler
// a saga may need must be registered before the saga is allowed to start.
type CompensationRegistry struct {
	handlers *xsync.MapOf[handlerKey, registeredHandler]
}

type registeredHandler struct {
	name HandlerName
	fn   CompensationHandler
}

// NewCompensationRegistry creates an empty registry.
func NewCompensationRegistry() *CompensationRegistry {
	return &CompensationRegistry{
		handlers: xsync.NewMapOf[handlerKey, registeredHandler](),
	}
}

// Register adds a handler for one milestone of one operation kind.
// Registering the same (kind, milestone) twice is an error.
func (r *CompensationRegistry) Register(kind OperationKind, milestone MilestoneName, name HandlerName, fn CompensationHandler) error {
	if fn == nil {
		return fmt.Errorf("handler %q for %s/%s is nil", name, kind, milestone)
	}
	key := handlerKey{kind: kind, milestone: milestone}
	if _, loaded := r.handlers.LoadOrStore(key, registeredHandler{name: name, fn: fn}); loaded {
		return fmt.Errorf("handler for %s/%s already registered", kind, milestone)
	}
	return nil
}

// Lookup retrieves the handler for a milestone of an operation kind.
func (r *CompensationRegistry) Lookup(kind OperationKind, milestone MilestoneName) (CompensationHandler, error) {
	h, ok := r.handlers.Load(handlerKey{kind: kind, milestone: milestone})
	if !ok {
		return nil, &UnregisteredHandlerError{OperationKind: kind, Milestone: milestone}
	}
	return h.fn, nil
}

// Validate checks that every milestone of the definition has a compensation
// mapping and that the mapped handler is registered. The orchestrator calls
// this before a saga leaves pending, so missing rollback logic is discovered
// up front rather than at failure time.
func (r *CompensationRegistry) Validate(def SagaDefinition) error {
	for _, m := range def.Milestones {
		name, ok := def.CompensationMap[m]
		if !ok {
			return &UnregisteredHandlerError{OperationKind: def.OperationKind, Milestone: m}
		}
		key := handlerKey{kind: def.OperationKind, milestone: m}
		h, found := r.handlers.Load(key)
		if !found {
			return &UnregisteredHandlerError{OperationKind: def.OperationKind, Milestone: m, Handler: name}
		}
		if h.name != name {
			return &UnregisteredHandlerError{OperationKind: def.OperationKind, Milestone: m, Handler: name}
		}
	}
	return nil
}
