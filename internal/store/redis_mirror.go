package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/alexdev-tb/submission-evaluator/internal/logging"
	"github.com/alexdev-tb/submission-evaluator/internal/queue"
)

const mirrorBuffer = 256

// KV is the subset of the redis client the mirror needs.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisJobMirror copies every job transition into redis so other processes
// can poll job state without talking to this one. Terminal jobs expire after
// the retention window; waiting and active jobs never expire.
type RedisJobMirror struct {
	client    KV
	jobPrefix string
	subPrefix string
	ttl       time.Duration
	updates   chan queue.Job
	log       *logrus.Entry
}

func NewRedisJobMirror(client KV, ttl time.Duration, log *logrus.Entry) *RedisJobMirror {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisJobMirror{
		client:    client,
		jobPrefix: "evaluation:job:",
		subPrefix: "evaluation:submission:",
		ttl:       ttl,
		updates:   make(chan queue.Job, mirrorBuffer),
		log:       logging.Component(log, "job-mirror"),
	}
}

// Observe is registered as a queue observer. It never blocks the queue; when
// the writer falls behind the update is dropped and logged.
func (m *RedisJobMirror) Observe(job queue.Job) {
	select {
	case m.updates <- job:
	default:
		m.log.WithField("job_id", job.ID).Warn("mirror backlog full, dropping update")
	}
}

// Run writes queued updates until ctx is done, then flushes what is left.
func (m *RedisJobMirror) Run(ctx context.Context) error {
	for {
		select {
		case job := <-m.updates:
			m.write(ctx, job)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case job := <-m.updates:
					m.write(flushCtx, job)
				default:
					return nil
				}
			}
		}
	}
}

func (m *RedisJobMirror) write(ctx context.Context, job queue.Job) {
	if err := m.Save(ctx, job); err != nil {
		m.log.WithField("job_id", job.ID).WithError(err).Warn("mirror job")
	}
}

// Save writes job and points the submission key at it. The queue emits a
// retry's successor after the failed job, so the pointer ends on the newest.
func (m *RedisJobMirror) Save(ctx context.Context, job queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ttl := time.Duration(0)
	if job.State.Terminal() {
		ttl = m.ttl
	}
	if err := m.client.Set(ctx, m.jobPrefix+job.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if err := m.client.Set(ctx, m.subPrefix+job.SubmissionID, job.ID, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (m *RedisJobMirror) Get(ctx context.Context, jobID string) (queue.Job, error) {
	raw, err := m.client.Get(ctx, m.jobPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.Job{}, queue.ErrJobNotFound
		}
		return queue.Job{}, fmt.Errorf("redis get: %w", err)
	}

	var job queue.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return queue.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, nil
}

// Current resolves the submission's current job through its pointer key.
func (m *RedisJobMirror) Current(ctx context.Context, submissionID string) (queue.Job, error) {
	id, err := m.client.Get(ctx, m.subPrefix+submissionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.Job{}, queue.ErrJobNotFound
		}
		return queue.Job{}, fmt.Errorf("redis get: %w", err)
	}
	return m.Get(ctx, id)
}
