package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/repository"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Config holds the job queue settings
type Config struct {
	Workers       int
	Concurrency   map[models.JobKind]int
	MaxQueued     int // 0 means unbounded
	Retry         RetryPolicy
	Retention     time.Duration
	PruneInterval time.Duration
}

// DefaultConfig returns the default job queue settings
func DefaultConfig() Config {
	return Config{
		Workers: 4,
		Concurrency: map[models.JobKind]int{
			models.JobKindQualityGate: 4,
			models.JobKindTrain:       1,
			models.JobKindEvaluate:    2,
		},
		MaxQueued:     1000,
		Retry:         DefaultRetryPolicy(),
		Retention:     time.Hour,
		PruneInterval: time.Minute,
	}
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Queued    map[models.JobKind]int `json:"queued"`
	Running   map[models.JobKind]int `json:"running"`
	Succeeded int64                  `json:"succeeded"`
	Failed    int64                  `json:"failed"`
	Cancelled int64                  `json:"cancelled"`
	Retried   int64                  `json:"retried"`
	Retained  int                    `json:"retained"`
}

type jobRecord struct {
	job             *models.Job
	item            *QueuedJob // set while the job waits in a queue
	cancelRequested bool
	uncancellable   bool
	done            chan struct{}
}

// Scheduler owns the job table and a fixed pool of workers. Each kind has
// its own queue and concurrency limit; a worker holds one job for the whole
// duration of an attempt.
type Scheduler struct {
	cfg    Config
	events repository.EventLog
	log    *logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	handlers  map[models.JobKind]Handler
	queues    map[models.JobKind]*JobQueue
	sems      map[models.JobKind]*semaphore.Weighted
	running   map[models.JobKind]int
	jobs      map[string]*jobRecord
	seq       uint64
	wake      chan struct{}
	succeeded int64
	failed    int64
	cancelled int64
	retried   int64
	started   bool
	stopped   bool
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg Config, events repository.EventLog, log *logger.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	s := &Scheduler{
		cfg:      cfg,
		events:   events,
		log:      log.With("component", "scheduler"),
		now:      time.Now,
		handlers: make(map[models.JobKind]Handler),
		queues:   make(map[models.JobKind]*JobQueue),
		sems:     make(map[models.JobKind]*semaphore.Weighted),
		running:  make(map[models.JobKind]int),
		jobs:     make(map[string]*jobRecord),
		wake:     make(chan struct{}),
	}
	for _, kind := range models.JobKinds {
		limit := cfg.Concurrency[kind]
		if limit <= 0 {
			limit = 1
		}
		s.queues[kind] = NewJobQueue()
		s.sems[kind] = semaphore.NewWeighted(int64(limit))
	}
	return s
}

// Register installs the handler for its job kind
func (s *Scheduler) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	kind := h.Kind()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[kind]; !ok {
		return fmt.Errorf("unknown job kind %q", kind)
	}
	if _, exists := s.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for job kind %s", kind)
	}
	s.handlers[kind] = h
	return nil
}

// Start launches the worker pool and the pruning loop
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}
	s.wg.Add(1)
	go s.pruneLoop(runCtx)

	s.log.Info("scheduler started", "workers", s.cfg.Workers)
}

// Stop stops accepting jobs, cancels running handlers and waits for the workers
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.notifyLocked()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Submit enqueues a job and returns its ID
func (s *Scheduler) Submit(ctx context.Context, kind models.JobKind, payload string) (string, error) {
	if payload == "" {
		return "", apperr.Validation("job payload is required")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", apperr.New(apperr.CodeUnavailable, "job queue is stopped")
	}
	if _, ok := s.handlers[kind]; !ok {
		s.mu.Unlock()
		return "", apperr.Validation("no handler registered for job kind %q", kind)
	}
	if s.cfg.MaxQueued > 0 && s.queuedLocked() >= s.cfg.MaxQueued {
		s.mu.Unlock()
		return "", apperr.New(apperr.CodeUnavailable, "job queue is full (%d queued)", s.cfg.MaxQueued)
	}

	now := s.now()
	s.mu.Unlock()

	job := &models.Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     payload,
		State:       models.JobStateQueued,
		SubmittedAt: now,
	}
	// The submission is logged before the job becomes visible to workers so
	// the event log keeps causal order.
	s.record(ctx, job, "", models.JobStateQueued, "submitted", nil)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", apperr.New(apperr.CodeUnavailable, "job queue is stopped")
	}
	rec := &jobRecord{job: job, done: make(chan struct{})}
	s.jobs[job.ID] = rec
	s.enqueueLocked(rec, now)
	s.mu.Unlock()

	s.log.Debug("job submitted", "job_id", job.ID, "kind", kind, "payload", payload)
	return job.ID, nil
}

// Cancel requests cancellation. A queued job is cancelled immediately; a
// running job is flagged and stops at its next safe point. It returns
// false for unknown or finished jobs and for jobs past their last
// cancellation point.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok || rec.job.State.Terminal() {
		s.mu.Unlock()
		return false
	}

	if rec.job.State == models.JobStateQueued {
		if rec.item != nil {
			s.queues[rec.job.Kind].Remove(rec.item)
			rec.item = nil
		}
		job := s.finishLocked(rec, models.JobStateCancelled, apperr.New(apperr.CodeCancelled, "cancelled before start"))
		s.mu.Unlock()
		s.record(context.Background(), job, models.JobStateQueued, models.JobStateCancelled, "cancel requested", nil)
		return true
	}

	if rec.uncancellable {
		s.mu.Unlock()
		return false
	}
	rec.cancelRequested = true
	s.mu.Unlock()

	s.log.Info("cancel requested for running job", "job_id", jobID)
	return true
}

// Await blocks until the job is terminal or ctx is done
func (s *Scheduler) Await(ctx context.Context, jobID string) (models.JobOutcome, error) {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return models.JobOutcome{}, apperr.NotFound("job", jobID)
	}

	select {
	case <-rec.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return outcome(rec.job), nil
	case <-ctx.Done():
		return models.JobOutcome{}, ctx.Err()
	}
}

// Get returns a copy of the job
func (s *Scheduler) Get(jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("job", jobID)
	}
	return rec.job.Clone(), nil
}

// Stats returns queue depth, running counts and lifetime totals
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Queued:    make(map[models.JobKind]int),
		Running:   make(map[models.JobKind]int),
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Cancelled: s.cancelled,
		Retried:   s.retried,
		Retained:  len(s.jobs),
	}
	for _, kind := range models.JobKinds {
		st.Queued[kind] = s.queues[kind].Len()
		st.Running[kind] = s.running[kind]
	}
	return st
}

// Prune drops finished jobs older than the retention period and returns how many were removed
func (s *Scheduler) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.cfg.Retention)
	removed := 0
	for id, rec := range s.jobs {
		if !rec.job.State.Terminal() || rec.job.FinishedAt == nil {
			continue
		}
		if rec.job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *Scheduler) pruneLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				s.log.Debug("pruned finished jobs", "count", n)
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		rec := s.next(ctx)
		if rec == nil {
			return
		}
		s.execute(ctx, rec)
	}
}

// next blocks until a ready job of a kind with spare capacity exists
func (s *Scheduler) next(ctx context.Context) *jobRecord {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil
		}
		rec, wait := s.dispatchLocked(s.now())
		if rec != nil {
			s.mu.Unlock()
			return rec
		}
		wake := s.wake
		s.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// dispatchLocked pops the earliest ready job whose kind has capacity and
// marks it running. When nothing is dispatchable it returns the delay until
// the next queued job becomes ready, or zero if there is none.
func (s *Scheduler) dispatchLocked(now time.Time) (*jobRecord, time.Duration) {
	var heads []*QueuedJob
	var wait time.Duration
	for _, kind := range models.JobKinds {
		head := s.queues[kind].Peek()
		if head == nil {
			continue
		}
		if head.ReadyAt.After(now) {
			if d := head.ReadyAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		heads = append(heads, head)
	}
	sort.Slice(heads, func(i, j int) bool { return before(heads[i], heads[j]) })

	for _, head := range heads {
		kind := head.rec.job.Kind
		if !s.sems[kind].TryAcquire(1) {
			continue
		}
		s.queues[kind].PopJob()
		rec := head.rec
		rec.item = nil
		rec.job.State = models.JobStateRunning
		rec.job.Attempts++
		started := now
		rec.job.StartedAt = &started
		s.running[kind]++
		return rec, 0
	}
	return nil, wait
}

func (s *Scheduler) execute(ctx context.Context, rec *jobRecord) {
	s.mu.Lock()
	job := rec.job.Clone()
	handler := s.handlers[job.Kind]
	s.mu.Unlock()

	s.record(ctx, job, models.JobStateQueued, models.JobStateRunning, "dispatched", map[string]interface{}{
		"attempt": job.Attempts,
	})

	jc := &JobContext{Ctx: ctx, Job: *job, s: s, rec: rec}
	err := s.invoke(handler, jc)
	s.sems[job.Kind].Release(1)
	s.complete(ctx, rec, err)
}

func (s *Scheduler) invoke(h Handler, jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job handler panicked",
				"job_id", jc.Job.ID,
				"kind", jc.Job.Kind,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = apperr.New(apperr.CodeInternal, "handler panic: %v", r)
		}
	}()
	return h.Run(jc)
}

// complete settles an attempt: success, cancellation, retry or failure
func (s *Scheduler) complete(ctx context.Context, rec *jobRecord, err error) {
	s.mu.Lock()
	kind := rec.job.Kind
	s.running[kind]--

	if err != nil && !apperr.Is(err, apperr.CodeCancelled) && !s.stopped &&
		s.cfg.Retry.ShouldRetry(kind, rec.job.Attempts, err) {
		delay := s.cfg.Retry.Backoff(rec.job.Attempts)
		rec.job.State = models.JobStateQueued
		rec.job.Error = apperr.Detail(err)
		rec.job.StartedAt = nil
		s.retried++
		job := rec.job.Clone()
		s.mu.Unlock()

		s.record(ctx, job, models.JobStateRunning, models.JobStateQueued, "retry scheduled", map[string]interface{}{
			"attempt": job.Attempts,
			"backoff": delay.String(),
			"error":   err.Error(),
		})

		s.mu.Lock()
		// Cancel may have settled the job while the event was written.
		if rec.job.State == models.JobStateQueued {
			s.enqueueLocked(rec, s.now().Add(delay))
		}
		s.mu.Unlock()

		s.log.Warn("job failed transiently, retrying",
			"job_id", job.ID,
			"kind", kind,
			"attempt", job.Attempts,
			"backoff", delay,
			"error", err,
		)
		return
	}

	to := models.JobStateSucceeded
	reason := "completed"
	switch {
	case err == nil:
	case apperr.Is(err, apperr.CodeCancelled):
		to = models.JobStateCancelled
		reason = "cancelled"
	default:
		to = models.JobStateFailed
		reason = "handler failed"
	}
	job := rec.job.Clone()
	s.mu.Unlock()

	var meta map[string]interface{}
	if detail := apperr.Detail(err); detail != nil {
		meta = map[string]interface{}{"code": detail.Code, "message": detail.Message}
	}
	s.record(ctx, job, models.JobStateRunning, to, reason, meta)

	s.mu.Lock()
	s.finishLocked(rec, to, err)
	s.mu.Unlock()

	s.log.Info("job finished",
		"job_id", job.ID,
		"kind", kind,
		"state", to,
		"attempts", job.Attempts,
	)
}

// finishLocked moves a job to a terminal state and wakes its waiters
func (s *Scheduler) finishLocked(rec *jobRecord, to models.JobState, err error) *models.Job {
	now := s.now()
	rec.job.State = to
	rec.job.FinishedAt = &now
	rec.job.Error = apperr.Detail(err)
	switch to {
	case models.JobStateSucceeded:
		s.succeeded++
	case models.JobStateFailed:
		s.failed++
	case models.JobStateCancelled:
		s.cancelled++
	}
	close(rec.done)
	s.notifyLocked()
	return rec.job.Clone()
}

func (s *Scheduler) enqueueLocked(rec *jobRecord, readyAt time.Time) {
	s.seq++
	rec.item = &QueuedJob{rec: rec, ReadyAt: readyAt, Seq: s.seq}
	s.queues[rec.job.Kind].Enqueue(rec.item)
	s.notifyLocked()
}

func (s *Scheduler) queuedLocked() int {
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

// notifyLocked wakes every idle worker
func (s *Scheduler) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Scheduler) record(ctx context.Context, job *models.Job, from, to models.JobState, reason string, meta map[string]interface{}) {
	if s.events == nil {
		return
	}
	event := &models.TransitionEvent{
		EntityKind: models.EntityJob,
		EntityID:   job.ID,
		ToStatus:   string(to),
		Reason:     reason,
		Meta:       meta,
	}
	if from != "" {
		f := string(from)
		event.FromStatus = &f
	}
	if event.Meta == nil {
		event.Meta = map[string]interface{}{}
	}
	event.Meta["kind"] = string(job.Kind)
	event.Meta["payload"] = job.Payload
	if err := s.events.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn("failed to record job event", "job_id", job.ID, "to", to, "error", err)
	}
}

func outcome(job *models.Job) models.JobOutcome {
	out := models.JobOutcome{
		JobID:    job.ID,
		Kind:     job.Kind,
		Payload:  job.Payload,
		State:    job.State,
		Attempts: job.Attempts,
	}
	if job.Error != nil {
		d := *job.Error
		out.Error = &d
	}
	if job.FinishedAt != nil {
		out.FinishedAt = *job.FinishedAt
	}
	return out
}
