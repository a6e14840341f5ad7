package experiment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/locks"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	machine *Machine
	store   *repository.MemoryStore
}

func newFixture(t *testing.T, datasetStatus models.DatasetStatus) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.SaveDataset(ctx, &models.Dataset{
		ID: "ds-1", LineageID: "ds-1", Version: 1, Status: datasetStatus, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.SaveExperiment(ctx, &models.Experiment{
		ID:          "exp-1",
		OwnerID:     "alice",
		DatasetID:   "ds-1",
		BaseModelID: "base-1",
		Config:      models.DefaultTrainingConfig(),
		Status:      models.ExperimentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
	return &fixture{
		machine: NewMachine(store, store, store, locks.NewKeyedMutex(), logger.Nop()),
		store:   store,
	}
}

func (f *fixture) get(t *testing.T) *models.Experiment {
	t.Helper()
	e, err := f.store.GetExperiment(context.Background(), "exp-1")
	require.NoError(t, err)
	return e
}

func submitAs(jobID string) SubmitFunc {
	return func(context.Context, string) (string, error) { return jobID, nil }
}

func TestStartRequiresPassedDataset(t *testing.T) {
	for _, status := range []models.DatasetStatus{
		models.DatasetStatusDraft,
		models.DatasetStatusGatePending,
		models.DatasetStatusBlocked,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, status)
			called := false
			_, err := f.machine.Start(context.Background(), "exp-1", func(context.Context, string) (string, error) {
				called = true
				return "job-1", nil
			})
			assert.True(t, apperr.Is(err, apperr.CodeDatasetNotReady))
			assert.False(t, called)

			e := f.get(t)
			assert.Equal(t, models.ExperimentStatusPending, e.Status)
			assert.Nil(t, e.JobHandle)
			assert.Nil(t, e.StartedAt)

			events, err := f.store.ListEvents(context.Background(), "exp-1", 0)
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestStartRunsExperiment(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)

	e, err := f.machine.Start(context.Background(), "exp-1", submitAs("job-1"))
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusRunning, e.Status)
	require.NotNil(t, e.JobHandle)
	assert.Equal(t, "job-1", *e.JobHandle)
	assert.NotNil(t, e.StartedAt)

	_, err = f.machine.Start(context.Background(), "exp-1", submitAs("job-2"))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	assert.Equal(t, "job-1", *f.get(t).JobHandle)

	events, err := f.store.ListEvents(context.Background(), "exp-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pending", *events[0].FromStatus)
	assert.Equal(t, "running", events[0].ToStatus)
}

func TestConcurrentStartsAllowOne(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)

	var ok, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.Start(context.Background(), "exp-1", submitAs("job"))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case apperr.Is(err, apperr.CodeInvalidTransition):
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(7), rejected)
}

func TestStartSubmissionRejected(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)

	_, err := f.machine.Start(context.Background(), "exp-1", func(context.Context, string) (string, error) {
		return "", apperr.New(apperr.CodeUnavailable, "job queue is full")
	})
	assert.True(t, apperr.Is(err, apperr.CodeUnavailable))

	e := f.get(t)
	assert.Equal(t, models.ExperimentStatusFailed, e.Status)
	require.NotNil(t, e.Error)
	assert.Equal(t, string(apperr.CodeUnavailable), e.Error.Code)
	assert.NotNil(t, e.CompletedAt)
	assert.Nil(t, e.StartedAt)
}

func TestCompleteGuardedByJobHandle(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)
	ctx := context.Background()

	_, err := f.machine.Complete(ctx, "exp-1", "job-1", models.ExperimentMetrics{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition), "pending experiment has no job")

	_, err = f.machine.Start(ctx, "exp-1", submitAs("job-1"))
	require.NoError(t, err)

	_, err = f.machine.Complete(ctx, "exp-1", "stale-job", models.ExperimentMetrics{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	assert.Equal(t, models.ExperimentStatusRunning, f.get(t).Status)

	e, err := f.machine.Complete(ctx, "exp-1", "job-1", models.ExperimentMetrics{FinalLoss: 0.23, EpochsCompleted: 10})
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusCompleted, e.Status)
	assert.Equal(t, 0.23, e.Metrics.FinalLoss)
	assert.NotNil(t, e.CompletedAt)

	_, err = f.machine.Fail(ctx, "exp-1", "job-1", errors.New("late"))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	assert.Equal(t, models.ExperimentStatusCompleted, f.get(t).Status)
}

func TestFailKeepsCheckpointAndProgress(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)
	ctx := context.Background()
	_, err := f.machine.Start(ctx, "exp-1", submitAs("job-1"))
	require.NoError(t, err)

	require.NoError(t, f.machine.RecordProgress(ctx, "exp-1", "job-1", models.ProgressSnapshot{ExperimentID: "exp-1", CurrentEpoch: 3, TotalEpochs: 5}))
	require.NoError(t, f.machine.RecordCheckpoint(ctx, "exp-1", "job-1", "file:///ckpt/exp-1/final.pt"))

	e, err := f.machine.Fail(ctx, "exp-1", "job-1", apperr.Fatal(errors.New("disk full"), "write checkpoint"))
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusFailed, e.Status)
	assert.Equal(t, &models.ErrorDetail{Code: "FATAL", Message: "write checkpoint: disk full"}, e.Error)
	assert.Equal(t, 3, e.Progress.CurrentEpoch)
	assert.Equal(t, "file:///ckpt/exp-1/final.pt", *e.CheckpointURI)
}

func TestStop(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)
	ctx := context.Background()

	_, err := f.machine.Stop(ctx, "exp-1")
	assert.True(t, apperr.Is(err, apperr.CodeNotRunning))

	_, err = f.machine.Start(ctx, "exp-1", submitAs("job-1"))
	require.NoError(t, err)

	e, err := f.machine.Stop(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusStopped, e.Status)
	assert.Equal(t, "job-1", *e.JobHandle)
	assert.NotNil(t, e.CompletedAt)

	_, err = f.machine.Complete(ctx, "exp-1", "job-1", models.ExperimentMetrics{})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	assert.Equal(t, models.ExperimentStatusStopped, f.get(t).Status)
}

func TestConcurrentStopsExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)
	_, err := f.machine.Start(context.Background(), "exp-1", submitAs("job-1"))
	require.NoError(t, err)

	var ok, notRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.Stop(context.Background(), "exp-1")
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case apperr.Is(err, apperr.CodeNotRunning):
				atomic.AddInt32(&notRunning, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(1), notRunning)
}

func TestRecordProgress(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)
	ctx := context.Background()
	_, err := f.machine.Start(ctx, "exp-1", submitAs("job-1"))
	require.NoError(t, err)

	require.NoError(t, f.machine.RecordProgress(ctx, "exp-1", "job-1", models.ProgressSnapshot{CurrentEpoch: 2, Loss: 0.47}))
	require.NoError(t, f.machine.RecordProgress(ctx, "exp-1", "job-1", models.ProgressSnapshot{CurrentEpoch: 1, Loss: 0.5}))
	assert.Equal(t, 2, f.get(t).Progress.CurrentEpoch)

	err = f.machine.RecordProgress(ctx, "exp-1", "job-2", models.ProgressSnapshot{CurrentEpoch: 3})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	_, err = f.machine.Stop(ctx, "exp-1")
	require.NoError(t, err)
	require.NoError(t, f.machine.RecordProgress(ctx, "exp-1", "job-1", models.ProgressSnapshot{CurrentEpoch: 3, Loss: 0.44}))
	assert.Equal(t, 3, f.get(t).Progress.CurrentEpoch)
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)
	ctx := context.Background()

	cfg := models.DefaultTrainingConfig()
	cfg.Epochs = 3

	_, err := f.machine.UpdateConfig(ctx, "exp-1", "mallory", cfg)
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	e, err := f.machine.UpdateConfig(ctx, "exp-1", "alice", cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Config.Epochs)

	_, err = f.machine.Start(ctx, "exp-1", submitAs("job-1"))
	require.NoError(t, err)

	cfg.Epochs = 7
	_, err = f.machine.UpdateConfig(ctx, "exp-1", "alice", cfg)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	assert.Equal(t, 3, f.get(t).Config.Epochs)
}

func TestAttach(t *testing.T) {
	f := newFixture(t, models.DatasetStatusPassed)
	ctx := context.Background()
	_, err := f.machine.Start(ctx, "exp-1", submitAs("job-1"))
	require.NoError(t, err)

	e, err := f.machine.Attach(ctx, "exp-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "exp-1", e.ID)

	_, err = f.machine.Attach(ctx, "exp-1", "job-2")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	_, err = f.machine.Stop(ctx, "exp-1")
	require.NoError(t, err)
	_, err = f.machine.Attach(ctx, "exp-1", "job-1")
	assert.True(t, apperr.Is(err, apperr.CodeNotRunning))
}
