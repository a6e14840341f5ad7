package models

import "time"

// Job is a unit of asynchronous work tracked by the job queue
type Job struct {
	ID          string
	Kind        JobKind
	Payload     string // target entity id
	State       JobState
	Attempts    int
	Error       *ErrorDetail
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// JobKind represents the type of work a job performs
type JobKind string

const (
	JobKindQualityGate JobKind = "quality_gate"
	JobKindTrain       JobKind = "train"
	JobKindEvaluate    JobKind = "evaluate"
)

// JobKinds lists every kind in dispatch preference order
var JobKinds = []JobKind{JobKindQualityGate, JobKindEvaluate, JobKindTrain}

// JobState represents the current state of a job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the job has finished
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

// JobOutcome is the terminal view of a job handed back to the submitter
type JobOutcome struct {
	JobID      string       `json:"job_id"`
	Kind       JobKind      `json:"kind"`
	Payload    string       `json:"payload"`
	State      JobState     `json:"state"`
	Attempts   int          `json:"attempts"`
	Error      *ErrorDetail `json:"error,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.StartedAt = cloneTime(j.StartedAt)
	out.FinishedAt = cloneTime(j.FinishedAt)
	if j.Error != nil {
		d := *j.Error
		out.Error = &d
	}
	return &out
}
