package scheduler

import (
	"container/heap"
	"time"
)

// JobQueue is a priority queue of jobs ordered by ready time, then by
// submission sequence. It is not safe for concurrent use; the scheduler
// guards it with its own lock.
type JobQueue struct {
	jobs []*QueuedJob
}

// QueuedJob wraps a job record with ordering information
type QueuedJob struct {
	rec     *jobRecord
	ReadyAt time.Time
	Seq     uint64
	Index   int // For heap.Interface
}

// NewJobQueue creates a new job queue
func NewJobQueue() *JobQueue {
	jq := &JobQueue{
		jobs: make([]*QueuedJob, 0),
	}
	heap.Init(jq)
	return jq
}

// Enqueue adds a job to the queue
func (jq *JobQueue) Enqueue(item *QueuedJob) {
	heap.Push(jq, item)
}

// Peek returns the next job without removing it
func (jq *JobQueue) Peek() *QueuedJob {
	if len(jq.jobs) == 0 {
		return nil
	}
	return jq.jobs[0]
}

// PopJob removes and returns the next job
func (jq *JobQueue) PopJob() *QueuedJob {
	if jq.Len() == 0 {
		return nil
	}
	return heap.Pop(jq).(*QueuedJob)
}

// Remove deletes an item that is still in the queue
func (jq *JobQueue) Remove(item *QueuedJob) bool {
	if item.Index < 0 || item.Index >= len(jq.jobs) || jq.jobs[item.Index] != item {
		return false
	}
	heap.Remove(jq, item.Index)
	return true
}

// Len returns the number of jobs in the queue
func (jq *JobQueue) Len() int {
	return len(jq.jobs)
}

// Less orders by ready time, then by submission order
func (jq *JobQueue) Less(i, j int) bool {
	return before(jq.jobs[i], jq.jobs[j])
}

// Swap swaps two jobs
func (jq *JobQueue) Swap(i, j int) {
	jq.jobs[i], jq.jobs[j] = jq.jobs[j], jq.jobs[i]
	jq.jobs[i].Index = i
	jq.jobs[j].Index = j
}

// Push implements heap.Interface
func (jq *JobQueue) Push(x interface{}) {
	n := len(jq.jobs)
	item := x.(*QueuedJob)
	item.Index = n
	jq.jobs = append(jq.jobs, item)
}

// Pop implements heap.Interface
func (jq *JobQueue) Pop() interface{} {
	old := jq.jobs
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	jq.jobs = old[0 : n-1]
	return item
}

func before(a, b *QueuedJob) bool {
	if !a.ReadyAt.Equal(b.ReadyAt) {
		return a.ReadyAt.Before(b.ReadyAt)
	}
	return a.Seq < b.Seq
}
