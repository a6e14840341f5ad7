package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher is the subset of the redis client the sink needs
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Channel returns the pub/sub channel for an experiment
func Channel(experimentID string) string {
	return "experiment:" + experimentID
}

// Message is the JSON payload published for each snapshot
type Message struct {
	Type         string    `json:"type"`
	ExperimentID string    `json:"experiment_id"`
	Epoch        int       `json:"epoch"`
	TotalEpochs  int       `json:"total_epochs"`
	Step         int       `json:"step"`
	TotalSteps   int       `json:"total_steps"`
	Loss         float64   `json:"loss"`
	Timestamp    time.Time `json:"timestamp"`
}

// RedisSink mirrors snapshots to redis pub/sub through a bounded queue.
// When the queue is full new snapshots are dropped and counted.
type RedisSink struct {
	client  RedisPublisher
	queue   chan models.ProgressSnapshot
	timeout time.Duration
	log     *logger.Logger
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewRedisSink creates a new redis sink
func NewRedisSink(client RedisPublisher, buffer int, log *logger.Logger) *RedisSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisSink{
		client:  client,
		queue:   make(chan models.ProgressSnapshot, buffer),
		timeout: 2 * time.Second,
		log:     log.With("component", "redis_progress_sink"),
	}
}

// NewRedisClient dials redis and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Forward enqueues a snapshot without blocking
func (s *RedisSink) Forward(snapshot models.ProgressSnapshot) {
	select {
	case s.queue <- snapshot:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many snapshots were discarded because the queue was full
func (s *RedisSink) Dropped() int64 {
	return s.dropped.Load()
}

// Start runs the forwarding loop until ctx is done
func (s *RedisSink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case snapshot := <-s.queue:
				s.publish(ctx, snapshot)
			}
		}
	}()
}

// Wait blocks until the forwarding loop has exited
func (s *RedisSink) Wait() {
	s.wg.Wait()
}

func (s *RedisSink) publish(ctx context.Context, snapshot models.ProgressSnapshot) {
	raw, err := json.Marshal(Message{
		Type:         "progress",
		ExperimentID: snapshot.ExperimentID,
		Epoch:        snapshot.CurrentEpoch,
		TotalEpochs:  snapshot.TotalEpochs,
		Step:         snapshot.CurrentStep,
		TotalSteps:   snapshot.TotalSteps,
		Loss:         snapshot.Loss,
		Timestamp:    snapshot.LastUpdate,
	})
	if err != nil {
		s.log.Warn("failed to encode progress", "experiment_id", snapshot.ExperimentID, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Publish(pubCtx, Channel(snapshot.ExperimentID), raw).Err(); err != nil {
		s.log.Warn("failed to publish progress", "experiment_id", snapshot.ExperimentID, "error", err)
	}
}
