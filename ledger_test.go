package sagacore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedgers(t *testing.T) map[string]Ledger {
	t.Helper()
	fileLedger, err := NewFileLedger(t.TempDir())
	require.NoError(t, err)
	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"file":   fileLedger,
	}
}

func newTestInstance(id SagaID) SagaInstance {
	now := time.Now()
	return SagaInstance{
		SagaID:        id,
		OperationKind: "data_ingest_pipeline",
		Status:        StatusPending,
		CompensationMap: map[MilestoneName]HandlerName{
			"ingest": "delete_uploaded_file",
		},
		Context:   Context{"file_id": "file-1"},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

func TestLedgerInstanceLifecycle(t *testing.T) {
	for name, ledger := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, ledger.CreateInstance(ctx, newTestInstance("saga-1")))
			assert.Error(t, ledger.CreateInstance(ctx, newTestInstance("saga-1")))

			inst, err := ledger.GetInstance(ctx, "saga-1")
			require.NoError(t, err)
			assert.Equal(t, StatusPending, inst.Status)
			assert.Equal(t, int64(1), inst.Version)
			assert.Equal(t, "file-1", inst.Context["file_id"])

			_, err = ledger.GetInstance(ctx, "missing")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSagaNotFound))
		})
	}
}

func TestLedgerStatusUpdateVersionCheck(t *testing.T) {
	for name, ledger := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.CreateInstance(ctx, newTestInstance("saga-1")))

			idx := 0
			ok, err := ledger.UpdateStatus(ctx, "saga-1", 1, StatusUpdate{Status: StatusRunning, MilestoneIndex: &idx})
			require.NoError(t, err)
			require.True(t, ok)

			// Stale version is rejected without error.
			ok, err = ledger.UpdateStatus(ctx, "saga-1", 1, StatusUpdate{Status: StatusCompleted})
			require.NoError(t, err)
			assert.False(t, ok)

			inst, err := ledger.GetInstance(ctx, "saga-1")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, inst.Status)
			assert.Equal(t, int64(2), inst.Version)
			assert.Equal(t, 0, inst.CurrentMilestoneIndex)
		})
	}
}

func TestLedgerConcurrentStatusUpdates(t *testing.T) {
	for name, ledger := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.CreateInstance(ctx, newTestInstance("saga-1")))

			const writers = 8
			var wg sync.WaitGroup
			wins := make(chan bool, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := ledger.UpdateStatus(ctx, "saga-1", 1, StatusUpdate{Status: StatusRunning})
					assert.NoError(t, err)
					wins <- ok
				}()
			}
			wg.Wait()
			close(wins)

			won := 0
			for ok := range wins {
				if ok {
					won++
				}
			}
			// Exactly one writer with the same expected version succeeds.
			assert.Equal(t, 1, won)
		})
	}
}

func TestLedgerStepOrdering(t *testing.T) {
	for name, ledger := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.CreateInstance(ctx, newTestInstance("saga-1")))

			step := func(seq uint64, milestone MilestoneName) StepRecord {
				return StepRecord{
					SagaID:         "saga-1",
					MilestoneName:  milestone,
					SequenceNumber: seq,
					Outcome:        OutcomeSuccess,
					ResultPayload:  json.RawMessage(`{}`),
				}
			}

			require.NoError(t, ledger.AppendStep(ctx, step(1, "ingest")))
			require.NoError(t, ledger.AppendStep(ctx, step(2, "parse")))

			// Duplicate and skipped sequence numbers are rejected.
			err := ledger.AppendStep(ctx, step(2, "parse"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSequenceConflict))
			err = ledger.AppendStep(ctx, step(5, "embed"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSequenceConflict))

			steps, err := ledger.Steps(ctx, "saga-1")
			require.NoError(t, err)
			require.Len(t, steps, 2)
			assert.Equal(t, MilestoneName("ingest"), steps[0].MilestoneName)
			assert.Equal(t, MilestoneName("parse"), steps[1].MilestoneName)
			assert.False(t, steps[0].RecordedAt.IsZero())
		})
	}
}

func TestLedgerCompensationRecords(t *testing.T) {
	for name, ledger := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.CreateInstance(ctx, newTestInstance("saga-1")))

			require.NoError(t, ledger.AppendCompensation(ctx, CompensationRecord{
				SagaID: "saga-1", MilestoneName: "parse", SequenceNumber: 2, AttemptNumber: 1, Outcome: OutcomeFailure, Detail: "downstream 503",
			}))
			require.NoError(t, ledger.AppendCompensation(ctx, CompensationRecord{
				SagaID: "saga-1", MilestoneName: "parse", SequenceNumber: 2, AttemptNumber: 2, Outcome: OutcomeSuccess,
			}))

			recs, err := ledger.Compensations(ctx, "saga-1")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, 1, recs[0].AttemptNumber)
			assert.Equal(t, OutcomeFailure, recs[0].Outcome)
			assert.Equal(t, 2, recs[1].AttemptNumber)
			assert.Equal(t, OutcomeSuccess, recs[1].Outcome)
		})
	}
}

func TestLedgerListInstances(t *testing.T) {
	for name, ledger := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []SagaID{"saga-1", "saga-2", "saga-3"} {
				require.NoError(t, ledger.CreateInstance(ctx, newTestInstance(id)))
			}
			ok, err := ledger.UpdateStatus(ctx, "saga-2", 1, StatusUpdate{Status: StatusRunning})
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = ledger.UpdateStatus(ctx, "saga-3", 1, StatusUpdate{Status: StatusCompleted})
			require.NoError(t, err)
			require.True(t, ok)

			inFlight, err := ledger.ListInstances(ctx, StatusPending, StatusRunning)
			require.NoError(t, err)
			ids := make(map[SagaID]bool)
			for _, inst := range inFlight {
				ids[inst.SagaID] = true
			}
			assert.Equal(t, map[SagaID]bool{"saga-1": true, "saga-2": true}, ids)

			all, err := ledger.ListInstances(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestFileLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ledger, err := NewFileLedger(dir)
	require.NoError(t, err)
	require.NoError(t, ledger.CreateInstance(ctx, newTestInstance("saga-1")))
	require.NoError(t, ledger.AppendStep(ctx, StepRecord{
		SagaID: "saga-1", MilestoneName: "ingest", SequenceNumber: 1,
		Outcome: OutcomeSuccess, ResultPayload: json.RawMessage(`{"object":"s3://bucket/file-1"}`),
	}))
	ok, err := ledger.UpdateStatus(ctx, "saga-1", 1, StatusUpdate{Status: StatusRunning})
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh ledger over the same directory sees the durable state.
	reopened, err := NewFileLedger(dir)
	require.NoError(t, err)
	inst, err := reopened.GetInstance(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, int64(2), inst.Version)
	assert.Equal(t, HandlerName("delete_uploaded_file"), inst.CompensationMap["ingest"])

	steps, err := reopened.Steps(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.JSONEq(t, `{"object":"s3://bucket/file-1"}`, string(steps[0].ResultPayload))
}
