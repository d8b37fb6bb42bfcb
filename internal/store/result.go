package store

import (
	"time"

	"github.com/alexdev-tb/submission-evaluator/internal/queue"
)

// Result is the durable record of one terminal evaluation job.
type Result struct {
	ID            int64     `db:"id" json:"-"`
	JobID         string    `db:"job_id" json:"jobId"`
	SubmissionID  string    `db:"submission_id" json:"submissionId"`
	State         string    `db:"state" json:"state"`
	Score         *float64  `db:"score" json:"score,omitempty"`
	FailureReason *string   `db:"failure_reason" json:"failureReason,omitempty"`
	Logs          string    `db:"logs" json:"logs"`
	DurationMs    int64     `db:"duration_ms" json:"durationMs"`
	RetryCount    int       `db:"retry_count" json:"retryCount"`
	FinishedAt    time.Time `db:"finished_at" json:"finishedAt"`
}

// ResultFromJob builds the record for a job that reached a terminal state.
func ResultFromJob(job queue.Job) Result {
	r := Result{
		JobID:        job.ID,
		SubmissionID: job.SubmissionID,
		State:        string(job.State),
		Score:        job.Score,
		Logs:         job.Logs,
		DurationMs:   job.Duration.Milliseconds(),
		RetryCount:   job.RetryCount,
	}
	if job.Error != "" {
		reason := job.Error
		r.FailureReason = &reason
	}
	if job.FinishedAt != nil {
		r.FinishedAt = *job.FinishedAt
	} else {
		r.FinishedAt = time.Now().UTC()
	}
	return r
}
