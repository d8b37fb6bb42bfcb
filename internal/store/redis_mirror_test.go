package store

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexdev-tb/submission-evaluator/internal/queue"
)

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *memoryKV) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryKV) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memoryKV) ttl(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[key]
}

func quietEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestMirrorTracksCurrentJob(t *testing.T) {
	kv := newMemoryKV()
	mirror := NewRedisJobMirror(kv, time.Hour, quietEntry())
	ctx := context.Background()

	waiting := queue.Job{ID: "j1", SubmissionID: "s1", State: queue.StateWaiting}
	require.NoError(t, mirror.Save(ctx, waiting))
	assert.Equal(t, time.Duration(0), kv.ttl("evaluation:job:j1"), "open jobs never expire")

	failed := waiting
	failed.State = queue.StateFailed
	failed.Error = "timeout"
	require.NoError(t, mirror.Save(ctx, failed))
	assert.Equal(t, time.Hour, kv.ttl("evaluation:job:j1"))

	current, err := mirror.Current(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, current.State)

	retry := queue.Job{ID: "j2", SubmissionID: "s1", State: queue.StateWaiting, RetryCount: 1}
	require.NoError(t, mirror.Save(ctx, retry))

	current, err = mirror.Current(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "j2", current.ID, "the successor takes over the submission pointer")

	old, err := mirror.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", old.Error)

	_, err = mirror.Current(ctx, "unknown")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestMirrorRunDrainsObservedJobs(t *testing.T) {
	kv := newMemoryKV()
	mirror := NewRedisJobMirror(kv, time.Minute, quietEntry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mirror.Run(ctx)
		close(done)
	}()

	q := queue.New(queue.WithObserver(mirror.Observe))
	job, err := q.Admit(queue.Submission{ID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := mirror.Get(context.Background(), job.ID)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mirror did not stop")
	}
}
