package scheduler

import (
	"context"

	"veritrain-orchestrator/core/models"
)

// Handler executes jobs of one kind
type Handler interface {
	Kind() models.JobKind
	Run(jc *JobContext) error
}

// HandlerFunc adapts a function to a Handler
type HandlerFunc struct {
	JobKind models.JobKind
	Fn      func(jc *JobContext) error
}

func (h HandlerFunc) Kind() models.JobKind     { return h.JobKind }
func (h HandlerFunc) Run(jc *JobContext) error { return h.Fn(jc) }

// JobContext is the execution handle for a single attempt of a job.
// Handlers observe cancellation through it and never touch the job table directly.
type JobContext struct {
	Ctx context.Context
	Job models.Job

	s   *Scheduler
	rec *jobRecord
}

// CancelRequested reports whether Cancel was accepted for this job.
// Long-running handlers poll it at safe points.
func (jc *JobContext) CancelRequested() bool {
	jc.s.mu.Lock()
	defer jc.s.mu.Unlock()
	return jc.rec.cancelRequested
}

// EnterUncancellable marks the job as past its last cancellation point.
// It returns false if a cancel was already accepted, in which case the
// handler must honour it.
func (jc *JobContext) EnterUncancellable() bool {
	jc.s.mu.Lock()
	defer jc.s.mu.Unlock()
	if jc.rec.cancelRequested {
		return false
	}
	jc.rec.uncancellable = true
	return true
}
