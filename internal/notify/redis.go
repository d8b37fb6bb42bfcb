package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alexdev-tb/submission-evaluator/internal/store"
)

// StreamAdder is the redis client method the stream publisher needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamPublisher appends each result to a capped redis stream.
type RedisStreamPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client StreamAdder, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "evaluation-results"
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, r store.Result) error {
	e := newEvent(r)
	values := map[string]interface{}{
		"job_id":        e.JobID,
		"submission_id": e.SubmissionID,
		"state":         e.State,
		"duration_ms":   e.DurationMs,
		"retry_count":   e.RetryCount,
		"finished_at":   e.FinishedAt,
	}
	if e.Score != nil {
		values["score"] = strconv.FormatFloat(*e.Score, 'f', -1, 64)
	}
	if e.FailureReason != "" {
		values["failure_reason"] = e.FailureReason
	}

	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: values,
		ID:     "*",
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisStreamPublisher) Close() error { return nil }
