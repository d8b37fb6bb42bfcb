// Package notify fans persisted evaluation results out to other systems.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexdev-tb/submission-evaluator/internal/store"
)

// Publisher announces a persisted result. Failures are reported to the
// caller, which logs them; they never fail the job.
type Publisher interface {
	Publish(ctx context.Context, result store.Result) error
	Close() error
}

// Nop discards every result.
type Nop struct{}

func (Nop) Publish(context.Context, store.Result) error { return nil }
func (Nop) Close() error                                { return nil }

// event is the wire shape shared by every publisher.
type event struct {
	JobID         string   `json:"job_id"`
	SubmissionID  string   `json:"submission_id"`
	State         string   `json:"state"`
	Score         *float64 `json:"score,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
	RetryCount    int      `json:"retry_count"`
	FinishedAt    string   `json:"finished_at"`
}

func newEvent(r store.Result) event {
	e := event{
		JobID:        r.JobID,
		SubmissionID: r.SubmissionID,
		State:        r.State,
		Score:        r.Score,
		DurationMs:   r.DurationMs,
		RetryCount:   r.RetryCount,
		FinishedAt:   r.FinishedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.FailureReason != nil {
		e.FailureReason = *r.FailureReason
	}
	return e
}

func encode(r store.Result) ([]byte, error) {
	body, err := json.Marshal(newEvent(r))
	if err != nil {
		return nil, fmt.Errorf("encode result %s: %w", r.JobID, err)
	}
	return body, nil
}
