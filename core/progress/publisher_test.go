package progress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/models"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	t.Cleanup(log.Sync)
	return log
}

func recvSnapshot(t *testing.T, ch <-chan models.ProgressSnapshot, timeout time.Duration) models.ProgressSnapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "channel closed")
		return s
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for progress snapshot")
	}
	return models.ProgressSnapshot{}
}

func requireClosed(t *testing.T, ch <-chan models.ProgressSnapshot) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected closed channel")
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

func snap(epoch int) models.ProgressSnapshot {
	return models.ProgressSnapshot{ExperimentID: "exp-1", CurrentEpoch: epoch, TotalEpochs: 5, Loss: 0.5 - 0.03*float64(epoch-1)}
}

func TestSubscriberSeesLatestOnly(t *testing.T) {
	p := NewPublisher(mustTestLogger(t))
	sub := p.Subscribe("exp-1")
	defer sub.Close()

	p.Publish(snap(1))
	p.Publish(snap(2))
	p.Publish(snap(3))

	assert.Equal(t, 3, recvSnapshot(t, sub.C(), time.Second).CurrentEpoch)
	select {
	case s := <-sub.C():
		t.Fatalf("unexpected extra snapshot at epoch %d", s.CurrentEpoch)
	default:
	}
}

func TestSubscribePrimesWithLatest(t *testing.T) {
	p := NewPublisher(mustTestLogger(t))
	p.Publish(snap(2))

	sub := p.Subscribe("exp-1")
	defer sub.Close()
	assert.Equal(t, 2, recvSnapshot(t, sub.C(), time.Second).CurrentEpoch)

	latest, ok := p.Latest("exp-1")
	require.True(t, ok)
	assert.Equal(t, 2, latest.CurrentEpoch)
}

func TestOlderSnapshotsDropped(t *testing.T) {
	p := NewPublisher(mustTestLogger(t))
	sub := p.Subscribe("exp-1")
	defer sub.Close()

	p.Publish(snap(3))
	assert.Equal(t, 3, recvSnapshot(t, sub.C(), time.Second).CurrentEpoch)
	p.Publish(snap(2))

	select {
	case s := <-sub.C():
		t.Fatalf("stale snapshot delivered: epoch %d", s.CurrentEpoch)
	default:
	}
	latest, _ := p.Latest("exp-1")
	assert.Equal(t, 3, latest.CurrentEpoch)
}

func TestFinishClosesSubscribers(t *testing.T) {
	p := NewPublisher(mustTestLogger(t))
	a := p.Subscribe("exp-1")
	b := p.Subscribe("exp-1")
	other := p.Subscribe("exp-2")
	defer other.Close()

	p.Publish(snap(2))
	p.Finish("exp-1")

	assert.Equal(t, 2, recvSnapshot(t, a.C(), time.Second).CurrentEpoch)
	requireClosed(t, a.C())
	assert.Equal(t, 2, recvSnapshot(t, b.C(), time.Second).CurrentEpoch)
	requireClosed(t, b.C())
	assert.Equal(t, 0, p.Subscribers("exp-1"))
	assert.Equal(t, 1, p.Subscribers("exp-2"))

	// publishing after finish is ignored
	p.Publish(snap(3))
	latest, _ := p.Latest("exp-1")
	assert.Equal(t, 2, latest.CurrentEpoch)
}

func TestSubscribeAfterFinish(t *testing.T) {
	p := NewPublisher(mustTestLogger(t))
	p.Publish(snap(5))
	p.Finish("exp-1")

	sub := p.Subscribe("exp-1")
	assert.Equal(t, 5, recvSnapshot(t, sub.C(), time.Second).CurrentEpoch)
	requireClosed(t, sub.C())
	sub.Close()
}

func TestCloseDetachesSubscriber(t *testing.T) {
	p := NewPublisher(mustTestLogger(t))
	sub := p.Subscribe("exp-1")
	require.Equal(t, 1, p.Subscribers("exp-1"))

	sub.Close()
	sub.Close()
	requireClosed(t, sub.C())
	assert.Equal(t, 0, p.Subscribers("exp-1"))

	// publish after close must not panic on the closed channel
	p.Publish(snap(1))
	p.Finish("exp-1")
}

func TestPublishNeverBlocks(t *testing.T) {
	p := NewPublisher(mustTestLogger(t))
	sub := p.Subscribe("exp-1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 1000; i++ {
			p.Publish(snap(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on an unread subscriber")
	}
	assert.Equal(t, 1000, recvSnapshot(t, sub.C(), time.Second).CurrentEpoch)
}

func TestConcurrentReaderSeesNonDecreasingEpochs(t *testing.T) {
	p := NewPublisher(mustTestLogger(t))
	sub := p.Subscribe("exp-1")

	var got []int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for s := range sub.C() {
			got = append(got, s.CurrentEpoch)
		}
	}()

	for i := 1; i <= 200; i++ {
		p.Publish(snap(i))
	}
	p.Finish("exp-1")
	wg.Wait()

	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1], got[i])
	}
	assert.Equal(t, 200, got[len(got)-1])
}

func TestPruneFinishedTopics(t *testing.T) {
	p := NewPublisher(mustTestLogger(t))
	p.Publish(snap(1))
	p.Finish("exp-1")
	p.Publish(models.ProgressSnapshot{ExperimentID: "exp-2", CurrentEpoch: 1})

	assert.Equal(t, 0, p.Prune(time.Hour))
	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, p.Prune(time.Hour))

	_, ok := p.Latest("exp-1")
	assert.False(t, ok)
	_, ok = p.Latest("exp-2")
	assert.True(t, ok)
}

type recordingSink struct {
	mu   sync.Mutex
	seen []models.ProgressSnapshot
}

func (s *recordingSink) Forward(snapshot models.ProgressSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, snapshot)
}

func TestPublishForwardsToSinks(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(mustTestLogger(t), sink)

	p.Publish(snap(1))
	p.Publish(snap(2))
	p.Publish(snap(1))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.seen, 2)
	assert.Equal(t, 2, sink.seen[1].CurrentEpoch)
}

type fakeRedis struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	block    chan struct{}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func TestRedisSinkPublishes(t *testing.T) {
	client := &fakeRedis{}
	sink := NewRedisSink(client, 8, mustTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	sink.Start(ctx)

	sink.Forward(snap(2))
	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	sink.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, "experiment:exp-1", client.channels[0])
	var msg Message
	require.NoError(t, json.Unmarshal(client.payloads[0], &msg))
	assert.Equal(t, "progress", msg.Type)
	assert.Equal(t, 2, msg.Epoch)
	assert.Equal(t, 5, msg.TotalEpochs)
}

func TestRedisSinkDropsWhenFull(t *testing.T) {
	client := &fakeRedis{block: make(chan struct{})}
	sink := NewRedisSink(client, 1, mustTestLogger(t))

	// not started: the queue holds one snapshot and drops the rest
	sink.Forward(snap(1))
	sink.Forward(snap(2))
	sink.Forward(snap(3))
	assert.Equal(t, int64(2), sink.Dropped())
	close(client.block)
}
