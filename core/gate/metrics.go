package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"veritrain-orchestrator/core/models"
)

const (
	MetricAlignmentRate       = "alignment_rate"
	MetricDuplicateRate       = "duplicate_rate"
	MetricLanguageConsistency = "language_consistency"
	MetricAvgSampleScore      = "avg_sample_score"
)

// ComputeFunc scores a dataset snapshot
type ComputeFunc func(ctx context.Context, snapshot *models.DatasetSnapshot) (float64, error)

// Metric is a named dataset check and the direction its threshold applies in
type Metric struct {
	Name      string
	Direction models.Direction
	Compute   ComputeFunc
}

// Registry holds the metrics a policy may reference
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

// NewRegistry creates an empty metric registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// NewBuiltinRegistry creates a registry with the alignment, duplicate and
// language consistency checks installed
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, m := range BuiltinMetrics() {
		_ = r.Register(m)
	}
	return r
}

// Register adds a metric. Names must be unique.
func (r *Registry) Register(m Metric) error {
	if m.Name == "" {
		return fmt.Errorf("metric name is empty")
	}
	if m.Compute == nil {
		return fmt.Errorf("metric %s has no compute function", m.Name)
	}
	if m.Direction != models.AtLeast && m.Direction != models.AtMost {
		return fmt.Errorf("metric %s has invalid direction %q", m.Name, m.Direction)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.metrics[m.Name]; exists {
		return fmt.Errorf("metric %s already registered", m.Name)
	}
	r.metrics[m.Name] = m
	return nil
}

// Get looks up a metric by name
func (r *Registry) Get(name string) (Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[name]
	return m, ok
}

// Names returns the registered metric names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltinMetrics returns the default dataset checks
func BuiltinMetrics() []Metric {
	return []Metric{
		{Name: MetricAlignmentRate, Direction: models.AtLeast, Compute: AlignmentRate},
		{Name: MetricDuplicateRate, Direction: models.AtMost, Compute: DuplicateRate},
		{Name: MetricLanguageConsistency, Direction: models.AtLeast, Compute: LanguageConsistency},
		{Name: MetricAvgSampleScore, Direction: models.AtLeast, Compute: AvgSampleScore},
	}
}

// AlignmentRate is the share of pairs where both sides are non-empty and
// their UTF-8 byte lengths are within a factor of two. Byte length keeps
// CJK and Latin text on a comparable scale.
func AlignmentRate(ctx context.Context, snapshot *models.DatasetSnapshot) (float64, error) {
	return ratio(ctx, snapshot, func(p models.SentencePair) bool {
		src := strings.TrimSpace(p.Source)
		tgt := strings.TrimSpace(p.Target)
		if src == "" || tgt == "" {
			return false
		}
		r := float64(len(src)) / float64(len(tgt))
		return r >= 0.5 && r <= 2.0
	})
}

// DuplicateRate is the share of pairs that repeat an earlier pair after
// whitespace and case normalisation
func DuplicateRate(ctx context.Context, snapshot *models.DatasetSnapshot) (float64, error) {
	seen := make(map[string]struct{}, len(snapshot.Pairs))
	return ratio(ctx, snapshot, func(p models.SentencePair) bool {
		key := normalize(p.Source) + "\x00" + normalize(p.Target)
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		return false
	})
}

// LanguageConsistency is the share of pairs whose source and target are
// written in the scripts expected for the dataset's language direction
func LanguageConsistency(ctx context.Context, snapshot *models.DatasetSnapshot) (float64, error) {
	return ratio(ctx, snapshot, func(p models.SentencePair) bool {
		return inLanguage(p.Source, snapshot.SourceLang) && inLanguage(p.Target, snapshot.TargetLang)
	})
}

// AvgSampleScore is the mean score of the pairs that carry one, or 0 when
// no pair is scored
func AvgSampleScore(ctx context.Context, snapshot *models.DatasetSnapshot) (float64, error) {
	var sum float64
	n := 0
	for i, p := range snapshot.Pairs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if p.Score != nil {
			sum += *p.Score
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func ratio(ctx context.Context, snapshot *models.DatasetSnapshot, match func(models.SentencePair) bool) (float64, error) {
	if len(snapshot.Pairs) == 0 {
		return 0, nil
	}
	n := 0
	for i, p := range snapshot.Pairs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if match(p) {
			n++
		}
	}
	return float64(n) / float64(len(snapshot.Pairs)), nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func inLanguage(text, lang string) bool {
	var japanese, latin bool
	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han):
			japanese = true
		case unicode.In(r, unicode.Latin):
			latin = true
		}
	}
	switch lang {
	case "ja":
		return japanese
	case "en":
		return latin && !japanese
	}
	// no script rule for other languages
	return strings.TrimSpace(text) != ""
}
