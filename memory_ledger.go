package sagacore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// MemoryLedger is an in-memory Ledger for tests and for embedders that do
// not need crash durability. Sagas are kept in an arena keyed by saga ID so
// unrelated sagas stay fully independent; within a row the version number
// implements the optimistic-concurrency check.
type MemoryLedger struct {
	rows *xsync.MapOf[SagaID, *memoryRow]
}

type memoryRow struct {
	mu            sync.Mutex
	inst          SagaInstance
	steps         *btree.Map[uint64, StepRecord]
	lastSeq       uint64
	compensations []CompensationRecord
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		rows: xsync.NewMapOf[SagaID, *memoryRow](),
	}
}

// CreateInstance implements Ledger.
func (m *MemoryLedger) CreateInstance(_ context.Context, inst SagaInstance) error {
	inst.Version = 1
	inst.Context = inst.Context.clone()
	row := &memoryRow{
		inst:  inst,
		steps: btree.NewMap[uint64, StepRecord](8),
	}
	if _, loaded := m.rows.LoadOrStore(inst.SagaID, row); loaded {
		return fmt.Errorf("saga %s already exists", inst.SagaID)
	}
	return nil
}

// GetInstance implements Ledger.
func (m *MemoryLedger) GetInstance(_ context.Context, id SagaID) (*SagaInstance, error) {
	row, ok := m.rows.Load(id)
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", id, ErrSagaNotFound)
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	inst := row.inst
	inst.Context = inst.Context.clone()
	return &inst, nil
}

// UpdateStatus implements Ledger.
func (m *MemoryLedger) UpdateStatus(_ context.Context, id SagaID, expectedVersion int64, upd StatusUpdate) (bool, error) {
	row, ok := m.rows.Load(id)
	if !ok {
		return false, fmt.Errorf("saga %s: %w", id, ErrSagaNotFound)
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	if row.inst.Version != expectedVersion {
		return false, nil
	}
	row.inst.Status = upd.Status
	if upd.MilestoneIndex != nil {
		row.inst.CurrentMilestoneIndex = *upd.MilestoneIndex
	}
	if upd.FailureDetail != nil {
		row.inst.FailureDetail = *upd.FailureDetail
	}
	row.inst.Version++
	row.inst.UpdatedAt = time.Now()
	return true, nil
}

// AppendStep implements Ledger.
func (m *MemoryLedger) AppendStep(_ context.Context, rec StepRecord) error {
	row, ok := m.rows.Load(rec.SagaID)
	if !ok {
		return fmt.Errorf("saga %s: %w", rec.SagaID, ErrSagaNotFound)
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	if rec.SequenceNumber != row.lastSeq+1 {
		return &SequenceConflictError{SagaID: rec.SagaID, Got: rec.SequenceNumber, Expected: row.lastSeq + 1}
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	row.steps.Set(rec.SequenceNumber, rec)
	row.lastSeq = rec.SequenceNumber
	return nil
}

// Steps implements Ledger.
func (m *MemoryLedger) Steps(_ context.Context, id SagaID) ([]StepRecord, error) {
	row, ok := m.rows.Load(id)
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", id, ErrSagaNotFound)
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	out := make([]StepRecord, 0, row.steps.Len())
	row.steps.Scan(func(_ uint64, rec StepRecord) bool {
		out = append(out, rec)
		return true
	})
	return out, nil
}

// AppendCompensation implements Ledger.
func (m *MemoryLedger) AppendCompensation(_ context.Context, rec CompensationRecord) error {
	row, ok := m.rows.Load(rec.SagaID)
	if !ok {
		return fmt.Errorf("saga %s: %w", rec.SagaID, ErrSagaNotFound)
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	row.compensations = append(row.compensations, rec)
	return nil
}

// Compensations implements Ledger.
func (m *MemoryLedger) Compensations(_ context.Context, id SagaID) ([]CompensationRecord, error) {
	row, ok := m.rows.Load(id)
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", id, ErrSagaNotFound)
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	out := make([]CompensationRecord, len(row.compensations))
	copy(out, row.compensations)
	return out, nil
}

// ListInstances implements Ledger.
func (m *MemoryLedger) ListInstances(_ context.Context, statuses ...SagaStatus) ([]SagaInstance, error) {
	var out []SagaInstance
	m.rows.Range(func(_ SagaID, row *memoryRow) bool {
		row.mu.Lock()
		inst := row.inst
		row.mu.Unlock()
		if len(statuses) == 0 {
			out = append(out, inst)
			return true
		}
		for _, s := range statuses {
			if inst.Status == s {
				out = append(out, inst)
				break
			}
		}
		return true
	})
	return out, nil
}
