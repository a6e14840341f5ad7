// Package progress fans training progress out to subscribers. Each
// subscriber holds at most one unread snapshot; publishing never blocks and
// a slow reader only ever sees the newest value.
package progress

import (
	"sync"
	"time"

	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"
)

// Sink receives every accepted snapshot in addition to local subscribers.
// Forward must not block.
type Sink interface {
	Forward(snapshot models.ProgressSnapshot)
}

// Subscription is one reader of an experiment's progress
type Subscription struct {
	ExperimentID string

	ch     chan models.ProgressSnapshot
	closed bool
	p      *Publisher
}

// C returns the delivery channel. It is closed when the experiment
// finishes or the subscription is closed.
func (s *Subscription) C() <-chan models.ProgressSnapshot {
	return s.ch
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	s.p.unsubscribe(s)
}

type topic struct {
	latest     *models.ProgressSnapshot
	final      bool
	finishedAt time.Time
	subs       map[*Subscription]struct{}
}

// Publisher keeps one topic per experiment
type Publisher struct {
	mu     sync.Mutex
	topics map[string]*topic
	sinks  []Sink
	log    *logger.Logger
	now    func() time.Time
}

// NewPublisher creates a new progress publisher
func NewPublisher(log *logger.Logger, sinks ...Sink) *Publisher {
	return &Publisher{
		topics: make(map[string]*topic),
		sinks:  sinks,
		log:    log.With("component", "progress"),
		now:    time.Now,
	}
}

// Publish records the snapshot as the experiment's latest and hands it to
// every subscriber. Snapshots for a finished experiment or older than the
// latest epoch are dropped.
func (p *Publisher) Publish(snapshot models.ProgressSnapshot) {
	p.mu.Lock()
	t := p.topicLocked(snapshot.ExperimentID)
	if t.final || (t.latest != nil && snapshot.CurrentEpoch < t.latest.CurrentEpoch) {
		p.mu.Unlock()
		return
	}
	s := snapshot
	t.latest = &s
	for sub := range t.subs {
		deliverLocked(sub, snapshot)
	}
	p.mu.Unlock()

	for _, sink := range p.sinks {
		sink.Forward(snapshot)
	}
}

// Subscribe attaches a reader. The latest snapshot, if any, is delivered
// immediately. Subscribing to a finished experiment yields its final
// snapshot once and a closed channel.
func (p *Publisher) Subscribe(experimentID string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{
		ExperimentID: experimentID,
		ch:           make(chan models.ProgressSnapshot, 1),
		p:            p,
	}
	t := p.topicLocked(experimentID)
	if t.latest != nil {
		deliverLocked(sub, *t.latest)
	}
	if t.final {
		closeLocked(sub)
		return sub
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Finish marks the experiment terminal and closes all of its subscriptions
func (p *Publisher) Finish(experimentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.topicLocked(experimentID)
	if t.final {
		return
	}
	t.final = true
	t.finishedAt = p.now()
	for sub := range t.subs {
		closeLocked(sub)
	}
	t.subs = nil
	p.log.Debug("progress topic finished", "experiment_id", experimentID)
}

// Latest returns the newest snapshot seen for the experiment
func (p *Publisher) Latest(experimentID string) (models.ProgressSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[experimentID]
	if !ok || t.latest == nil {
		return models.ProgressSnapshot{}, false
	}
	return *t.latest, true
}

// Subscribers returns the number of open subscriptions for the experiment
func (p *Publisher) Subscribers(experimentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[experimentID]; ok {
		return len(t.subs)
	}
	return 0
}

// Prune forgets finished topics older than retention and returns how many were removed
func (p *Publisher) Prune(retention time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-retention)
	removed := 0
	for id, t := range p.topics {
		if t.final && t.finishedAt.Before(cutoff) {
			delete(p.topics, id)
			removed++
		}
	}
	return removed
}

func (p *Publisher) unsubscribe(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[sub.ExperimentID]; ok {
		delete(t.subs, sub)
	}
	closeLocked(sub)
}

func (p *Publisher) topicLocked(experimentID string) *topic {
	t, ok := p.topics[experimentID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		p.topics[experimentID] = t
	}
	return t
}

// deliverLocked replaces any unread snapshot with the new one
func deliverLocked(sub *Subscription, snapshot models.ProgressSnapshot) {
	if sub.closed {
		return
	}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- snapshot
}

func closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
