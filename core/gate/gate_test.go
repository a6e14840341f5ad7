package gate

import (
	"context"
	"errors"
	"sync"
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

func constant(v float64) ComputeFunc {
	return func(context.Context, *models.DatasetSnapshot) (float64, error) { return v, nil }
}

// fixedRegistry registers the builtin metric names with constant values
func fixedRegistry(t *testing.T, alignment, duplicate, consistency float64) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Metric{Name: MetricAlignmentRate, Direction: models.AtLeast, Compute: constant(alignment)}))
	require.NoError(t, r.Register(Metric{Name: MetricDuplicateRate, Direction: models.AtMost, Compute: constant(duplicate)}))
	require.NoError(t, r.Register(Metric{Name: MetricLanguageConsistency, Direction: models.AtLeast, Compute: constant(consistency)}))
	return r
}

func TestPolicyEvaluate(t *testing.T) {
	tests := []struct {
		name        string
		alignment   float64
		duplicate   float64
		consistency float64
		status      models.GateStatus
		reasons     []string
	}{
		{
			name:      "all metrics pass",
			alignment: 0.92, duplicate: 0.08, consistency: 0.95,
			status: models.GateStatusPassed,
		},
		{
			name:      "low alignment blocks",
			alignment: 0.75, duplicate: 0.08, consistency: 0.95,
			status:  models.GateStatusFailed,
			reasons: []string{"alignment_rate low: 0.75 < 0.80"},
		},
		{
			name:      "values equal to thresholds pass",
			alignment: 0.80, duplicate: 0.20, consistency: 0.90,
			status: models.GateStatusPassed,
		},
		{
			name:      "every failure reported in policy order",
			alignment: 0.5, duplicate: 0.35, consistency: 0.1,
			status: models.GateStatusFailed,
			reasons: []string{
				"alignment_rate low: 0.50 < 0.80",
				"duplicate_rate high: 0.35 > 0.20",
				"language_consistency low: 0.10 < 0.90",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := NewPolicy(fixedRegistry(t, tt.alignment, tt.duplicate, tt.consistency), DefaultThresholds(), time.Second)
			require.NoError(t, err)

			result, err := policy.Evaluate(context.Background(), &models.DatasetSnapshot{})
			require.NoError(t, err)
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, tt.reasons, result.BlockReasons)
			assert.Equal(t, result.Status == models.GateStatusFailed, len(result.BlockReasons) > 0)
			assert.Equal(t, tt.alignment, result.Metrics[MetricAlignmentRate])
			require.Len(t, result.Thresholds, 3)
			assert.Equal(t, models.ThresholdSnapshot{Metric: MetricDuplicateRate, Value: 0.20, Direction: models.AtMost}, result.Thresholds[1])
		})
	}
}

func TestPolicyKeepsConfiguredOrder(t *testing.T) {
	policy, err := NewPolicy(fixedRegistry(t, 0.1, 0.9, 0.1), []Threshold{
		{Metric: MetricLanguageConsistency, Value: 0.9},
		{Metric: MetricDuplicateRate, Value: 0.2},
		{Metric: MetricAlignmentRate, Value: 0.8},
	}, 0)
	require.NoError(t, err)

	result, err := policy.Evaluate(context.Background(), &models.DatasetSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"language_consistency low: 0.10 < 0.90",
		"duplicate_rate high: 0.90 > 0.20",
		"alignment_rate low: 0.10 < 0.80",
	}, result.BlockReasons)
	assert.Equal(t, MetricLanguageConsistency, result.Thresholds[0].Metric)
}

func TestPolicyRecordsUnthresholdedMetrics(t *testing.T) {
	r := fixedRegistry(t, 0.92, 0.08, 0.95)
	require.NoError(t, r.Register(Metric{Name: MetricAvgSampleScore, Direction: models.AtLeast, Compute: constant(0.1)}))
	policy, err := NewPolicy(r, DefaultThresholds(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{MetricAvgSampleScore}, policy.Recorded())

	result, err := policy.Evaluate(context.Background(), &models.DatasetSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, models.GateStatusPassed, result.Status)
	assert.Empty(t, result.BlockReasons)
	assert.InDelta(t, 0.1, result.Metrics[MetricAvgSampleScore], 1e-9)
	assert.Len(t, result.Metrics, 4)
	assert.Len(t, result.Thresholds, 3)
}

func TestPolicyRecordedMetricErrorFailsRun(t *testing.T) {
	r := fixedRegistry(t, 0.92, 0.08, 0.95)
	require.NoError(t, r.Register(Metric{Name: MetricAvgSampleScore, Direction: models.AtLeast,
		Compute: func(context.Context, *models.DatasetSnapshot) (float64, error) {
			return 0, errors.New("scorer offline")
		}}))
	policy, err := NewPolicy(r, DefaultThresholds(), time.Second)
	require.NoError(t, err)

	_, err = policy.Evaluate(context.Background(), &models.DatasetSnapshot{})
	assert.Error(t, err)
}

func TestNewPolicyRejectsBadThresholds(t *testing.T) {
	r := NewBuiltinRegistry()

	_, err := NewPolicy(r, nil, 0)
	assert.Error(t, err)

	_, err = NewPolicy(r, []Threshold{{Metric: "bleu", Value: 30}}, 0)
	assert.ErrorContains(t, err, "unknown metric bleu")

	_, err = NewPolicy(r, []Threshold{{Metric: MetricAlignmentRate, Value: 0.8}, {Metric: MetricAlignmentRate, Value: 0.7}}, 0)
	assert.ErrorContains(t, err, "duplicate")
}

func TestPolicyMetricErrorFailsWholeRun(t *testing.T) {
	r := fixedRegistry(t, 0.9, 0.1, 0.95)
	require.NoError(t, r.Register(Metric{Name: "sample_score", Direction: models.AtLeast, Compute: func(context.Context, *models.DatasetSnapshot) (float64, error) {
		return 0, apperr.Transient(errors.New("scorer unavailable"), "score sample")
	}}))
	thresholds := append(DefaultThresholds(), Threshold{Metric: "sample_score", Value: 4})
	policy, err := NewPolicy(r, thresholds, time.Second)
	require.NoError(t, err)

	result, err := policy.Evaluate(context.Background(), &models.DatasetSnapshot{})
	assert.Nil(t, result)
	assert.True(t, apperr.IsTransient(err))
	assert.ErrorContains(t, err, "sample_score")
}

func TestPolicyMetricTimeoutIsTransient(t *testing.T) {
	r := fixedRegistry(t, 0.9, 0.1, 0.95)
	require.NoError(t, r.Register(Metric{Name: "slow", Direction: models.AtLeast, Compute: func(ctx context.Context, _ *models.DatasetSnapshot) (float64, error) {
		time.Sleep(200 * time.Millisecond) // ignores ctx
		return 1, nil
	}}))
	policy, err := NewPolicy(r, []Threshold{{Metric: "slow", Value: 0.5}}, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = policy.Evaluate(context.Background(), &models.DatasetSnapshot{})
	assert.True(t, apperr.IsTransient(err))
	assert.ErrorContains(t, err, "timed out")
}

func TestBuiltinMetrics(t *testing.T) {
	snapshot := &models.DatasetSnapshot{
		SourceLang: "ja",
		TargetLang: "en",
		Pairs: []models.SentencePair{
			{Source: "会議を始めましょう。", Target: "Let's start the meeting."},
			{Source: "会議を始めましょう。", Target: "let's  start the meeting."},
			{Source: "ありがとうございます。", Target: "Thank you very much."},
			{Source: "", Target: "Orphan target."},
			{Source: "Hello there", Target: "こんにちは"},
		},
	}
	ctx := context.Background()

	alignment, err := AlignmentRate(ctx, snapshot)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, alignment, 1e-9)

	duplicate, err := DuplicateRate(ctx, snapshot)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, duplicate, 1e-9)

	consistency, err := LanguageConsistency(ctx, snapshot)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, consistency, 1e-9)

	empty, err := AlignmentRate(ctx, &models.DatasetSnapshot{})
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestAvgSampleScore(t *testing.T) {
	score := func(v float64) *float64 { return &v }
	ctx := context.Background()

	avg, err := AvgSampleScore(ctx, &models.DatasetSnapshot{Pairs: []models.SentencePair{
		{Source: "a", Target: "b", Score: score(0.9)},
		{Source: "c", Target: "d"},
		{Source: "e", Target: "f", Score: score(0.5)},
	}})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, avg, 1e-9)

	unscored, err := AvgSampleScore(ctx, &models.DatasetSnapshot{Pairs: []models.SentencePair{{Source: "a", Target: "b"}}})
	require.NoError(t, err)
	assert.Zero(t, unscored)
}

func TestRegistryRegister(t *testing.T) {
	r := NewBuiltinRegistry()
	assert.Equal(t, []string{MetricAlignmentRate, MetricAvgSampleScore, MetricDuplicateRate, MetricLanguageConsistency}, r.Names())

	assert.Error(t, r.Register(Metric{Name: MetricAlignmentRate, Direction: models.AtLeast, Compute: constant(1)}))
	assert.Error(t, r.Register(Metric{Name: "x", Direction: "sideways", Compute: constant(1)}))
	assert.Error(t, r.Register(Metric{Name: "x", Direction: models.AtLeast}))
}

type staticLoader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *staticLoader) Load(_ context.Context, d *models.Dataset) (*models.DatasetSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return &models.DatasetSnapshot{DatasetID: d.ID, SourceLang: "ja", TargetLang: "en"}, nil
}

func newTestService(t *testing.T, registry *Registry, loader SnapshotLoader) (*Service, *repository.MemoryStore) {
	t.Helper()
	policy, err := NewPolicy(registry, DefaultThresholds(), time.Second)
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	return NewService(store, store, loader, policy, locks.NewKeyedMutex(), logger.Nop()), store
}

func pendingDataset(t *testing.T, store *repository.MemoryStore, id, jobID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.SaveDataset(context.Background(), &models.Dataset{
		ID:        id,
		LineageID: id,
		Version:   1,
		Status:    models.DatasetStatusGatePending,
		GateJobID: &jobID,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestServiceRunCommitsVerdict(t *testing.T) {
	svc, store := newTestService(t, fixedRegistry(t, 0.75, 0.08, 0.95), &staticLoader{})
	pendingDataset(t, store, "ds-1", "job-1")

	result, err := svc.Run(context.Background(), "ds-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "job-1", result.JobID)

	d, err := store.GetDataset(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.Equal(t, models.DatasetStatusBlocked, d.Status)
	require.NotNil(t, d.QualityGate)
	assert.Equal(t, []string{"alignment_rate low: 0.75 < 0.80"}, d.QualityGate.BlockReasons)

	events, err := store.ListEvents(context.Background(), "ds-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(models.DatasetStatusGatePending), *events[0].FromStatus)
	assert.Equal(t, string(models.DatasetStatusBlocked), events[0].ToStatus)
}

func TestServiceRunSupersededJob(t *testing.T) {
	loader := &staticLoader{}
	svc, store := newTestService(t, fixedRegistry(t, 0.9, 0.1, 0.95), loader)
	pendingDataset(t, store, "ds-1", "job-2")

	result, err := svc.Run(context.Background(), "ds-1", "job-1")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Zero(t, loader.calls)

	d, err := store.GetDataset(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.Equal(t, models.DatasetStatusGatePending, d.Status)

	result, err = svc.Run(context.Background(), "ds-1", "job-2")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "job-2", result.JobID)

	// a duplicate delivery of the committed job is a no-op
	result, err = svc.Run(context.Background(), "ds-1", "job-2")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestServiceRunErrorLeavesDatasetPending(t *testing.T) {
	loader := &staticLoader{err: apperr.Transient(errors.New("s3 throttled"), "load dataset")}
	svc, store := newTestService(t, fixedRegistry(t, 0.9, 0.1, 0.95), loader)
	pendingDataset(t, store, "ds-1", "job-1")

	_, err := svc.Run(context.Background(), "ds-1", "job-1")
	assert.True(t, apperr.IsTransient(err))

	d, err := store.GetDataset(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.Equal(t, models.DatasetStatusGatePending, d.Status)
	assert.Nil(t, d.QualityGate)
}

func TestServiceRunSerialisedPerDataset(t *testing.T) {
	var mu sync.Mutex
	var active, peak int
	r := NewRegistry()
	for _, m := range BuiltinMetrics() {
		name := m.Name
		dir := m.Direction
		require.NoError(t, r.Register(Metric{Name: name, Direction: dir, Compute: func(context.Context, *models.DatasetSnapshot) (float64, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			if dir == models.AtMost {
				return 0, nil
			}
			return 1, nil
		}}))
	}
	svc, store := newTestService(t, r, &staticLoader{})
	pendingDataset(t, store, "ds-1", "job-1")

	var wg sync.WaitGroup
	results := make(chan *models.QualityGateResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Run(context.Background(), "ds-1", "job-1")
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	committed := 0
	for res := range results {
		if res != nil {
			committed++
		}
	}
	assert.Equal(t, 1, committed)
	// metrics of one run execute concurrently, never across runs
	assert.LessOrEqual(t, peak, len(BuiltinMetrics()))
}
