package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"

	"golang.org/x/sync/errgroup"
)

// Threshold is one configured policy entry
type Threshold struct {
	Metric string
	Value  float64
}

// DefaultThresholds returns the promotion policy used when none is configured
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Metric: MetricAlignmentRate, Value: 0.80},
		{Metric: MetricDuplicateRate, Value: 0.20},
		{Metric: MetricLanguageConsistency, Value: 0.90},
	}
}

// Policy evaluates a snapshot against ordered thresholds. Registered
// metrics without a threshold are computed and recorded but never block.
type Policy struct {
	entries       []policyEntry
	recorded      []Metric
	metricTimeout time.Duration
	now           func() time.Time
}

type policyEntry struct {
	metric    Metric
	threshold float64
}

// NewPolicy binds thresholds to registered metrics. Order is preserved in
// results and block reasons.
func NewPolicy(registry *Registry, thresholds []Threshold, metricTimeout time.Duration) (*Policy, error) {
	if len(thresholds) == 0 {
		return nil, fmt.Errorf("quality gate policy has no thresholds")
	}
	seen := make(map[string]bool, len(thresholds))
	entries := make([]policyEntry, 0, len(thresholds))
	for _, t := range thresholds {
		if seen[t.Metric] {
			return nil, fmt.Errorf("duplicate threshold for metric %s", t.Metric)
		}
		seen[t.Metric] = true
		m, ok := registry.Get(t.Metric)
		if !ok {
			return nil, fmt.Errorf("threshold references unknown metric %s", t.Metric)
		}
		if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) {
			return nil, fmt.Errorf("threshold for metric %s is not finite", t.Metric)
		}
		entries = append(entries, policyEntry{metric: m, threshold: t.Value})
	}
	var recorded []Metric
	for _, name := range registry.Names() {
		if seen[name] {
			continue
		}
		m, _ := registry.Get(name)
		recorded = append(recorded, m)
	}
	return &Policy{entries: entries, recorded: recorded, metricTimeout: metricTimeout, now: time.Now}, nil
}

// Thresholds returns the policy in effect, in configured order
func (p *Policy) Thresholds() []models.ThresholdSnapshot {
	out := make([]models.ThresholdSnapshot, len(p.entries))
	for i, e := range p.entries {
		out[i] = models.ThresholdSnapshot{Metric: e.metric.Name, Value: e.threshold, Direction: e.metric.Direction}
	}
	return out
}

// Recorded returns the names of the metrics computed without a threshold
func (p *Policy) Recorded() []string {
	out := make([]string, len(p.recorded))
	for i, m := range p.recorded {
		out[i] = m.Name
	}
	return out
}

// Evaluate computes every metric concurrently and judges the snapshot.
// Any metric error fails the whole evaluation; there is no partial verdict.
func (p *Policy) Evaluate(ctx context.Context, snapshot *models.DatasetSnapshot) (*models.QualityGateResult, error) {
	metrics := make([]Metric, 0, len(p.entries)+len(p.recorded))
	for _, e := range p.entries {
		metrics = append(metrics, e.metric)
	}
	metrics = append(metrics, p.recorded...)
	values := make([]float64, len(metrics))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range metrics {
		i, m := i, m
		g.Go(func() error {
			v, err := p.compute(gctx, m, snapshot)
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &models.QualityGateResult{
		Status:     models.GateStatusPassed,
		ComputedAt: p.now(),
		Metrics:    make(map[string]float64, len(metrics)),
		Thresholds: p.Thresholds(),
	}
	for i, m := range p.recorded {
		result.Metrics[m.Name] = values[len(p.entries)+i]
	}
	for i, e := range p.entries {
		v := values[i]
		result.Metrics[e.metric.Name] = v
		if reason, ok := judge(e.metric, v, e.threshold); !ok {
			result.BlockReasons = append(result.BlockReasons, reason)
		}
	}
	if len(result.BlockReasons) > 0 {
		result.Status = models.GateStatusFailed
	}
	return result, nil
}

// compute runs one metric under its own deadline. A metric that ignores
// its context is abandoned when the deadline passes.
func (p *Policy) compute(ctx context.Context, m Metric, snapshot *models.DatasetSnapshot) (float64, error) {
	mctx := ctx
	if p.metricTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, p.metricTimeout)
		defer cancel()
	}

	type computed struct {
		value float64
		err   error
	}
	ch := make(chan computed, 1)
	go func() {
		v, err := m.Compute(mctx, snapshot)
		ch <- computed{value: v, err: err}
	}()

	var res computed
	select {
	case res = <-ch:
	case <-mctx.Done():
		res.err = mctx.Err()
	}

	switch {
	case res.err == nil:
	case errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil:
		return 0, apperr.Transient(res.err, "metric %s timed out after %s", m.Name, p.metricTimeout)
	default:
		var e *apperr.Error
		if errors.As(res.err, &e) || errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("metric %s: %w", m.Name, res.err)
		}
		return 0, apperr.Wrap(apperr.CodeInternal, res.err, "metric %s", m.Name)
	}
	if math.IsNaN(res.value) || math.IsInf(res.value, 0) {
		return 0, apperr.New(apperr.CodeInternal, "metric %s returned non-finite value", m.Name)
	}
	return res.value, nil
}

// judge compares a value with its threshold. Equality passes.
func judge(m Metric, value, threshold float64) (string, bool) {
	switch m.Direction {
	case models.AtMost:
		if value > threshold {
			return fmt.Sprintf("%s high: %.2f > %.2f", m.Name, value, threshold), false
		}
	default:
		if value < threshold {
			return fmt.Sprintf("%s low: %.2f < %.2f", m.Name, value, threshold), false
		}
	}
	return "", true
}
