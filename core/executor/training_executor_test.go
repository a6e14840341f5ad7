package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/experiment"
	"veritrain-orchestrator/core/locks"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/progress"
	"veritrain-orchestrator/core/repository"
	"veritrain-orchestrator/core/scheduler"
	"veritrain-orchestrator/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	epochs []int
}

func (s *recordingSink) Forward(snapshot models.ProgressSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs = append(s.epochs, snapshot.CurrentEpoch)
}

func (s *recordingSink) seen() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.epochs...)
}

// hookTrainer wraps the simulated trainer and runs onEpoch inside each epoch
type hookTrainer struct {
	inner      Trainer
	onEpoch    func(epoch int) error
	checkpoint func(w io.Writer) error
}

func (h *hookTrainer) Open(ctx context.Context, input TrainingInput) (Session, error) {
	s, err := h.inner.Open(ctx, input)
	if err != nil {
		return nil, err
	}
	return &hookSession{Session: s, h: h}, nil
}

type hookSession struct {
	Session
	h *hookTrainer
}

func (s *hookSession) TrainEpoch(ctx context.Context, epoch int) (EpochResult, error) {
	if s.h.onEpoch != nil {
		if err := s.h.onEpoch(epoch); err != nil {
			return EpochResult{}, err
		}
	}
	return s.Session.TrainEpoch(ctx, epoch)
}

func (s *hookSession) SaveCheckpoint(ctx context.Context, w io.Writer) error {
	if s.h.checkpoint != nil {
		return s.h.checkpoint(w)
	}
	return s.Session.SaveCheckpoint(ctx, w)
}

// gatedSubmitter forwards to the queue unless evaluation jobs are rejected
type gatedSubmitter struct {
	sched      *scheduler.Scheduler
	rejectEval atomic.Bool
}

func (g *gatedSubmitter) Submit(ctx context.Context, kind models.JobKind, payload string) (string, error) {
	if kind == models.JobKindEvaluate && g.rejectEval.Load() {
		return "", apperr.New(apperr.CodeUnavailable, "job queue is shutting down")
	}
	return g.sched.Submit(ctx, kind, payload)
}

type harness struct {
	store     *repository.MemoryStore
	sched     *scheduler.Scheduler
	machine   *experiment.Machine
	publisher *progress.Publisher
	sink      *recordingSink
	trainer   *hookTrainer
	submitter *gatedSubmitter
	evals     atomic.Int32
}

func newHarness(t *testing.T, epochs int) *harness {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	blobs, err := storage.NewFSBlobStore(t.TempDir())
	require.NoError(t, err)
	_, _, err = blobs.Put(ctx, "datasets/ds-1.jsonl", strings.NewReader(
		`{"source":"会議を始めます","target":"Let's start the meeting"}`+"\n"+
			`{"source":"資料をご覧ください","target":"Please look at the materials"}`+"\n"))
	require.NoError(t, err)

	require.NoError(t, store.SaveDataset(ctx, &models.Dataset{
		ID: "ds-1", LineageID: "ds-1", Version: 1, LanguageDirection: "ja-en",
		Scene: "meeting", FilePath: "datasets/ds-1.jsonl", Status: models.DatasetStatusPassed,
	}))
	require.NoError(t, store.SaveModel(ctx, &models.Model{ID: "base-1", Name: "nllb-600m", Kind: models.ModelKindBase}))
	cfg := models.DefaultTrainingConfig()
	cfg.Epochs = epochs
	require.NoError(t, store.SaveExperiment(ctx, &models.Experiment{
		ID: "exp-1", OwnerID: "alice", DatasetID: "ds-1", BaseModelID: "base-1",
		Config: cfg, Status: models.ExperimentStatusPending,
	}))

	h := &harness{
		store:   store,
		sink:    &recordingSink{},
		trainer: &hookTrainer{inner: NewSimulatedTrainer(0)},
	}
	h.machine = experiment.NewMachine(store, store, store, locks.NewKeyedMutex(), logger.Nop())
	h.publisher = progress.NewPublisher(logger.Nop(), h.sink)
	h.sched = scheduler.NewScheduler(scheduler.DefaultConfig(), store, logger.Nop())
	h.submitter = &gatedSubmitter{sched: h.sched}

	exec := NewTrainingExecutor(
		h.machine, store, store,
		storage.NewJSONLSnapshotLoader(blobs),
		h.trainer,
		storage.NewCheckpointManager(blobs, store),
		h.publisher,
		h.submitter,
		logger.Nop(),
	)
	require.NoError(t, h.sched.Register(exec.Handler()))
	require.NoError(t, h.sched.Register(scheduler.HandlerFunc{
		JobKind: models.JobKindEvaluate,
		Fn: func(*scheduler.JobContext) error {
			h.evals.Add(1)
			return nil
		},
	}))

	runCtx, cancel := context.WithCancel(context.Background())
	h.sched.Start(runCtx)
	t.Cleanup(func() {
		cancel()
		h.sched.Stop()
	})
	return h
}

func (h *harness) run(t *testing.T) models.JobOutcome {
	t.Helper()
	ctx := context.Background()
	e, err := h.machine.Start(ctx, "exp-1", func(ctx context.Context, id string) (string, error) {
		return h.sched.Submit(ctx, models.JobKindTrain, id)
	})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := h.sched.Await(waitCtx, *e.JobHandle)
	require.NoError(t, err)
	return out
}

func (h *harness) experiment(t *testing.T) *models.Experiment {
	t.Helper()
	e, err := h.store.GetExperiment(context.Background(), "exp-1")
	require.NoError(t, err)
	return e
}

func TestTrainingCompletes(t *testing.T) {
	h := newHarness(t, 3)
	out := h.run(t)
	assert.Equal(t, models.JobStateSucceeded, out.State)

	e := h.experiment(t)
	assert.Equal(t, models.ExperimentStatusCompleted, e.Status)
	assert.Equal(t, []int{1, 2, 3}, h.sink.seen())
	require.NotNil(t, e.Progress)
	assert.Equal(t, 3, e.Progress.CurrentEpoch)
	require.NotNil(t, e.Metrics)
	assert.Equal(t, 3, e.Metrics.EpochsCompleted)
	assert.InDelta(t, SimulatedLoss(3), e.Metrics.FinalLoss, 1e-9)
	require.NotNil(t, e.CheckpointURI)
	assert.True(t, strings.HasSuffix(*e.CheckpointURI, "checkpoints/exp-1/final.pt"))
	assert.NotNil(t, e.CompletedAt)

	require.Eventually(t, func() bool { return h.evals.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.evals.Load())

	// subscribers arriving after the run see the final snapshot and a closed channel
	sub := h.publisher.Subscribe("exp-1")
	snap, ok := <-sub.C()
	require.True(t, ok)
	assert.Equal(t, 3, snap.CurrentEpoch)
	_, ok = <-sub.C()
	assert.False(t, ok)
}

func TestEvaluationEnqueueFailureIsLogged(t *testing.T) {
	h := newHarness(t, 2)
	h.submitter.rejectEval.Store(true)
	out := h.run(t)
	assert.Equal(t, models.JobStateSucceeded, out.State)

	e := h.experiment(t)
	assert.Equal(t, models.ExperimentStatusCompleted, e.Status)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), h.evals.Load())

	events, err := h.store.ListEvents(context.Background(), "exp-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	latest := events[0]
	assert.Equal(t, ReasonEvaluationEnqueueFailed, latest.Reason)
	assert.Equal(t, string(models.ExperimentStatusCompleted), latest.ToStatus)
	require.NotNil(t, latest.FromStatus)
	assert.Equal(t, string(models.ExperimentStatusCompleted), *latest.FromStatus)
	assert.Equal(t, string(apperr.CodeUnavailable), latest.Meta["code"])
	assert.Contains(t, latest.Meta["error"], "shutting down")
}

func TestStopAfterSecondEpoch(t *testing.T) {
	h := newHarness(t, 5)
	h.trainer.onEpoch = func(epoch int) error {
		if epoch != 2 {
			return nil
		}
		e, err := h.machine.Stop(context.Background(), "exp-1")
		if err != nil {
			return err
		}
		h.sched.Cancel(*e.JobHandle)
		return nil
	}

	out := h.run(t)
	assert.Equal(t, models.JobStateCancelled, out.State)

	e := h.experiment(t)
	assert.Equal(t, models.ExperimentStatusStopped, e.Status)
	require.NotNil(t, e.Progress)
	assert.Equal(t, 2, e.Progress.CurrentEpoch)
	assert.Equal(t, []int{1, 2}, h.sink.seen())
	assert.Nil(t, e.CheckpointURI)
	assert.Nil(t, e.Metrics)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), h.evals.Load())
}

func TestCheckpointFailureFailsExperiment(t *testing.T) {
	h := newHarness(t, 2)
	h.trainer.checkpoint = func(io.Writer) error { return errors.New("disk full") }

	out := h.run(t)
	assert.Equal(t, models.JobStateFailed, out.State)
	require.NotNil(t, out.Error)
	assert.Equal(t, string(apperr.CodeFatal), out.Error.Code)

	e := h.experiment(t)
	assert.Equal(t, models.ExperimentStatusFailed, e.Status)
	require.NotNil(t, e.Error)
	assert.Equal(t, string(apperr.CodeFatal), e.Error.Code)
	// partial progress is kept
	require.NotNil(t, e.Progress)
	assert.Equal(t, 2, e.Progress.CurrentEpoch)
	assert.Equal(t, int32(0), h.evals.Load())
}

func TestEpochErrorFailsExperiment(t *testing.T) {
	h := newHarness(t, 4)
	h.trainer.onEpoch = func(epoch int) error {
		if epoch == 3 {
			return errors.New("cuda out of memory")
		}
		return nil
	}

	out := h.run(t)
	assert.Equal(t, models.JobStateFailed, out.State)
	assert.Equal(t, 1, out.Attempts)

	e := h.experiment(t)
	assert.Equal(t, models.ExperimentStatusFailed, e.Status)
	require.NotNil(t, e.Error)
	assert.Equal(t, string(apperr.CodeFatal), e.Error.Code)
	assert.Contains(t, e.Error.Message, "cuda out of memory")
	assert.Equal(t, 2, e.Progress.CurrentEpoch)
}

func TestMissingModelFails(t *testing.T) {
	h := newHarness(t, 1)
	e := h.experiment(t)
	e.BaseModelID = "missing"
	require.NoError(t, h.store.SaveExperiment(context.Background(), e))

	out := h.run(t)
	assert.Equal(t, models.JobStateFailed, out.State)
	assert.Equal(t, models.ExperimentStatusFailed, h.experiment(t).Status)
	assert.Empty(t, h.sink.seen())
}

func TestSkipCheckpoint(t *testing.T) {
	h := newHarness(t, 1)
	e := h.experiment(t)
	e.Config.SkipCheckpoint = true
	require.NoError(t, h.store.SaveExperiment(context.Background(), e))

	out := h.run(t)
	assert.Equal(t, models.JobStateSucceeded, out.State)
	e = h.experiment(t)
	assert.Equal(t, models.ExperimentStatusCompleted, e.Status)
	assert.Nil(t, e.CheckpointURI)
}

func TestSimulatedLoss(t *testing.T) {
	assert.InDelta(t, 0.5, SimulatedLoss(1), 1e-9)
	assert.InDelta(t, 0.44, SimulatedLoss(3), 1e-9)
}
