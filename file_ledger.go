package sagacore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileLedger persists each saga as one JSON file on disk. Appends are synced
// before they return, satisfying the ledger durability contract for
// single-node deployments; anything needing replicated durability should
// implement Ledger over a real store.
type FileLedger struct {
	basePath string
	mu       sync.Mutex // protects file operations
}

// fileSagaState is the on-disk shape of one saga.
type fileSagaState struct {
	Instance      SagaInstance         `json:"instance"`
	Steps         []StepRecord         `json:"steps,omitempty"`
	Compensations []CompensationRecord `json:"compensations,omitempty"`
}

// NewFileLedger creates a file-backed ledger rooted at basePath.
func NewFileLedger(basePath string) (*FileLedger, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileLedger{basePath: basePath}, nil
}

// CreateInstance implements Ledger.
func (f *FileLedger) CreateInstance(_ context.Context, inst SagaInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(inst.SagaID)
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("saga %s already exists", inst.SagaID)
	}
	inst.Version = 1
	return f.write(inst.SagaID, &fileSagaState{Instance: inst})
}

// GetInstance implements Ledger.
func (f *FileLedger) GetInstance(_ context.Context, id SagaID) (*SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read(id)
	if err != nil {
		return nil, err
	}
	inst := state.Instance
	return &inst, nil
}

// UpdateStatus implements Ledger.
func (f *FileLedger) UpdateStatus(_ context.Context, id SagaID, expectedVersion int64, upd StatusUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read(id)
	if err != nil {
		return false, err
	}
	if state.Instance.Version != expectedVersion {
		return false, nil
	}
	state.Instance.Status = upd.Status
	if upd.MilestoneIndex != nil {
		state.Instance.CurrentMilestoneIndex = *upd.MilestoneIndex
	}
	if upd.FailureDetail != nil {
		state.Instance.FailureDetail = *upd.FailureDetail
	}
	state.Instance.Version++
	state.Instance.UpdatedAt = time.Now()
	if err := f.write(id, state); err != nil {
		return false, err
	}
	return true, nil
}

// AppendStep implements Ledger.
func (f *FileLedger) AppendStep(_ context.Context, rec StepRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read(rec.SagaID)
	if err != nil {
		return err
	}
	var lastSeq uint64
	if n := len(state.Steps); n > 0 {
		lastSeq = state.Steps[n-1].SequenceNumber
	}
	if rec.SequenceNumber != lastSeq+1 {
		return &SequenceConflictError{SagaID: rec.SagaID, Got: rec.SequenceNumber, Expected: lastSeq + 1}
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	state.Steps = append(state.Steps, rec)
	return f.write(rec.SagaID, state)
}

// Steps implements Ledger.
func (f *FileLedger) Steps(_ context.Context, id SagaID) ([]StepRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read(id)
	if err != nil {
		return nil, err
	}
	return state.Steps, nil
}

// AppendCompensation implements Ledger.
func (f *FileLedger) AppendCompensation(_ context.Context, rec CompensationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read(rec.SagaID)
	if err != nil {
		return err
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	state.Compensations = append(state.Compensations, rec)
	return f.write(rec.SagaID, state)
}

// Compensations implements Ledger.
func (f *FileLedger) Compensations(_ context.Context, id SagaID) ([]CompensationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read(id)
	if err != nil {
		return nil, err
	}
	return state.Compensations, nil
}

// ListInstances implements Ledger.
func (f *FileLedger) ListInstances(_ context.Context, statuses ...SagaStatus) ([]SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger directory: %w", err)
	}

	var out []SagaInstance
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := SagaID(strings.TrimSuffix(entry.Name(), ".json"))
		state, err := f.read(id)
		if err != nil {
			return nil, err
		}
		if len(statuses) == 0 {
			out = append(out, state.Instance)
			continue
		}
		for _, s := range statuses {
			if state.Instance.Status == s {
				out = append(out, state.Instance)
				break
			}
		}
	}
	return out, nil
}

// read loads and unmarshals one saga's state file. Callers hold f.mu.
func (f *FileLedger) read(id SagaID) (*fileSagaState, error) {
	data, err := os.ReadFile(f.filename(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("saga %s: %w", id, ErrSagaNotFound)
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var state fileSagaState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// write marshals and durably replaces one saga's state file: temp file,
// fsync, rename. Callers hold f.mu.
func (f *FileLedger) write(id SagaID, state *fileSagaState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	filename := f.filename(id)
	tmp, err := os.CreateTemp(f.basePath, string(id)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// filename returns the full path for a saga's state file.
func (f *FileLedger) filename(id SagaID) string {
	return filepath.Join(f.basePath, string(id)+".json")
}
