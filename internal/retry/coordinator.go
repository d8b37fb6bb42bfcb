// Package retry decides when a failed evaluation may run again and asks the
// queue to admit the successor job.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/alexdev-tb/submission-evaluator/internal/metrics"
	"github.com/alexdev-tb/submission-evaluator/internal/queue"
	"github.com/alexdev-tb/submission-evaluator/internal/logging"
	"github.com/alexdev-tb/submission-evaluator/internal/sandbox"
	"github.com/alexdev-tb/submission-evaluator/internal/store"
)

var (
	// ErrRetryExhausted is returned once a submission used up maxRetries, and
	// for automatic retries once maxAutoRetries is spent as well.
	ErrRetryExhausted = errors.New("retry limit reached")
	// ErrNotRetryable is returned when the submission's current job has not
	// failed.
	ErrNotRetryable = errors.New("current job has not failed")
)

// Requeuer is the part of the queue the coordinator drives.
type Requeuer interface {
	Requeue(submissionID string, automatic bool, check func(queue.Job) error) (queue.Job, error)
	Readmit(sub queue.Submission, retryCount int) (queue.Job, error)
}

// Archive answers for submissions the queue has already pruned.
type Archive interface {
	GetSubmission(ctx context.Context, id string) (queue.Submission, error)
	Latest(ctx context.Context, submissionID string) (store.Result, error)
}

type Coordinator struct {
	queue          Requeuer
	archive        Archive
	maxRetries     int
	maxAutoRetries int
	metrics        *metrics.Sink
	log            *logrus.Entry
}

func NewCoordinator(q Requeuer, maxRetries, maxAutoRetries int, sink *metrics.Sink, log *logrus.Entry) *Coordinator {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxAutoRetries < 0 {
		maxAutoRetries = 0
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		queue:          q,
		maxRetries:     maxRetries,
		maxAutoRetries: maxAutoRetries,
		metrics:        sink,
		log:            logging.Component(log, "retry"),
	}
}

// WithArchive lets Retry fall back to persisted results once the queue no
// longer holds the submission.
func (c *Coordinator) WithArchive(archive Archive) *Coordinator {
	c.archive = archive
	return c
}

// Retry re-enqueues the submission's failed job on behalf of a user or
// operator. Calls after exhaustion keep failing with ErrRetryExhausted.
func (c *Coordinator) Retry(ctx context.Context, submissionID string) (queue.Job, error) {
	job, err := c.queue.Requeue(submissionID, false, c.manualCheck)
	if errors.Is(err, queue.ErrJobNotFound) && c.archive != nil {
		job, err = c.readmit(ctx, submissionID)
	}
	if err != nil {
		c.countRejection(err)
		return queue.Job{}, fmt.Errorf("retry %s: %w", submissionID, err)
	}
	c.metrics.Increment("retry.manual")
	c.log.WithFields(logrus.Fields{
		"submission_id": submissionID,
		"job_id":        job.ID,
		"retry_count":   job.RetryCount,
	}).Info("evaluation re-enqueued")
	return job, nil
}

// AutoRetry re-enqueues failed after an infrastructural fault. It only acts
// while failed is still the submission's current job, its reason is
// eligible, and neither the automatic nor the overall budget is spent.
func (c *Coordinator) AutoRetry(failed queue.Job) (queue.Job, error) {
	if !AutoRetryable(failed.Error) {
		return queue.Job{}, ErrNotRetryable
	}
	job, err := c.queue.Requeue(failed.SubmissionID, true, func(current queue.Job) error {
		if current.ID != failed.ID {
			return ErrNotRetryable
		}
		if current.AutoRetries >= c.maxAutoRetries {
			return ErrRetryExhausted
		}
		return c.manualCheck(current)
	})
	entry := c.log.WithFields(logrus.Fields{
		"submission_id": failed.SubmissionID,
		"failed_job_id": failed.ID,
		"reason":        failed.Error,
	})
	if err != nil {
		c.countRejection(err)
		entry.WithError(err).Warn("automatic retry skipped")
		return queue.Job{}, err
	}
	c.metrics.Increment("retry.auto")
	entry.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"auto_retries": job.AutoRetries,
	}).Info("evaluation re-enqueued automatically")
	return job, nil
}

// readmit applies the manual retry rules to the last persisted result and
// seeds the successor's retry count from it.
func (c *Coordinator) readmit(ctx context.Context, submissionID string) (queue.Job, error) {
	latest, err := c.archive.Latest(ctx, submissionID)
	if errors.Is(err, store.ErrResultNotFound) {
		return queue.Job{}, queue.ErrJobNotFound
	}
	if err != nil {
		return queue.Job{}, err
	}
	if queue.State(latest.State) != queue.StateFailed {
		return queue.Job{}, ErrNotRetryable
	}
	if latest.RetryCount >= c.maxRetries {
		return queue.Job{}, ErrRetryExhausted
	}
	sub, err := c.archive.GetSubmission(ctx, submissionID)
	if err != nil {
		return queue.Job{}, err
	}
	return c.queue.Readmit(sub, latest.RetryCount+1)
}

func (c *Coordinator) manualCheck(current queue.Job) error {
	if current.State != queue.StateFailed {
		return ErrNotRetryable
	}
	if current.RetryCount >= c.maxRetries {
		return ErrRetryExhausted
	}
	return nil
}

func (c *Coordinator) countRejection(err error) {
	switch {
	case errors.Is(err, ErrRetryExhausted):
		c.metrics.Increment("retry.exhausted")
	case errors.Is(err, ErrNotRetryable):
		c.metrics.Increment("retry.not_retryable")
	}
}

// AutoRetryable reports whether a failure reason is an infrastructure fault
// that may be retried without a human asking for it.
func AutoRetryable(reason string) bool {
	switch reason {
	case queue.ReasonWorkerLost, sandbox.ReasonUnavailable:
		return true
	}
	return false
}
