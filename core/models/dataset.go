package models

import "time"

// Dataset is one version of a parallel corpus in a lineage
type Dataset struct {
	ID                string
	LineageID         string
	Version           int
	ParentID          *string
	Name              string
	Type              DatasetType
	LanguageDirection string // "ja-en" | "en-ja"
	Scene             string // "meeting" | "written"
	FilePath          string // JSONL source of sentence pairs
	Status            DatasetStatus
	QualityGate       *QualityGateResult
	GateJobID         *string // latest quality gate submission
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DatasetType describes where the pairs came from
type DatasetType string

const (
	DatasetTypeHuman     DatasetType = "human"
	DatasetTypeSynthetic DatasetType = "synthetic"
	DatasetTypeMixed     DatasetType = "mixed"
)

// DatasetStatus is the gate status of a dataset version
type DatasetStatus string

const (
	DatasetStatusDraft       DatasetStatus = "draft"
	DatasetStatusGatePending DatasetStatus = "gate_pending"
	DatasetStatusPassed      DatasetStatus = "passed"
	DatasetStatusBlocked     DatasetStatus = "blocked"
)

// Gated reports whether the dataset has a committed verdict and is therefore immutable
func (s DatasetStatus) Gated() bool {
	return s == DatasetStatusPassed || s == DatasetStatusBlocked
}

// GateStatus is the verdict of a quality gate run
type GateStatus string

const (
	GateStatusPassed GateStatus = "passed"
	GateStatusFailed GateStatus = "failed"
)

// Direction is the comparison a metric must satisfy against its threshold
type Direction string

const (
	AtLeast Direction = "at_least" // value >= threshold
	AtMost  Direction = "at_most"  // value <= threshold
)

// ThresholdSnapshot is the policy value in effect when a gate ran
type ThresholdSnapshot struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Direction Direction `json:"direction"`
}

// QualityGateResult is the committed outcome of one gate run
type QualityGateResult struct {
	Status       GateStatus          `json:"status"`
	ComputedAt   time.Time           `json:"computed_at"`
	Metrics      map[string]float64  `json:"metrics"`
	Thresholds   []ThresholdSnapshot `json:"thresholds"`
	BlockReasons []string            `json:"block_reasons,omitempty"`
	JobID        string              `json:"job_id,omitempty"`
}

// Clone returns a deep copy of the result
func (r *QualityGateResult) Clone() *QualityGateResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Metrics = make(map[string]float64, len(r.Metrics))
	for k, v := range r.Metrics {
		out.Metrics[k] = v
	}
	out.Thresholds = append([]ThresholdSnapshot(nil), r.Thresholds...)
	out.BlockReasons = append([]string(nil), r.BlockReasons...)
	return &out
}

// Clone returns a deep copy of the dataset
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	out := *d
	out.ParentID = cloneString(d.ParentID)
	out.GateJobID = cloneString(d.GateJobID)
	out.QualityGate = d.QualityGate.Clone()
	return &out
}

// SentencePair is one aligned source/target pair
type SentencePair struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Score  *float64 `json:"score,omitempty"` // annotator or QE score, if any
}

// DatasetSnapshot is the loaded content of a dataset version handed to metrics and trainers
type DatasetSnapshot struct {
	DatasetID  string
	SourceLang string
	TargetLang string
	Pairs      []SentencePair
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
