// Package worker drains the evaluation queue with a fixed number of workers,
// reclaims jobs whose worker went silent and pauses intake while the sandbox
// runtime is down.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/alexdev-tb/submission-evaluator/internal/logging"
	"github.com/alexdev-tb/submission-evaluator/internal/metrics"
	"github.com/alexdev-tb/submission-evaluator/internal/notify"
	"github.com/alexdev-tb/submission-evaluator/internal/queue"
	"github.com/alexdev-tb/submission-evaluator/internal/retry"
	"github.com/alexdev-tb/submission-evaluator/internal/sandbox"
	"github.com/alexdev-tb/submission-evaluator/internal/store"
)

const maxAvailabilityBackoff = time.Minute

type JobQueue interface {
	Dequeue(ctx context.Context) (queue.Job, error)
	MarkActive(jobID, workerID string) (queue.Job, error)
	MarkTerminal(jobID, workerID string, outcome queue.Outcome) (queue.Job, error)
	FailActive(jobID, workerID, reason string) (queue.Job, error)
	ActiveStartedBefore(cutoff time.Time) []queue.Job
	Release(jobID string) error
	Prune() int
}

type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error)
}

type Availability interface {
	DaemonReady(ctx context.Context) bool
}

type ResultStore interface {
	SaveResult(ctx context.Context, r store.Result) error
}

type Retrier interface {
	AutoRetry(failed queue.Job) (queue.Job, error)
}

type Config struct {
	Workers int
	// JobTimeout is the sandbox deadline; the sweep reclaims jobs active
	// longer than JobTimeout+SweepGrace.
	JobTimeout          time.Duration
	SweepInterval       time.Duration
	SweepGrace          time.Duration
	PruneInterval       time.Duration
	AvailabilityBackoff time.Duration
	PersistTimeout      time.Duration
}

type Deps struct {
	Queue     JobQueue
	Executor  Executor
	Probe     Availability
	Results   ResultStore
	Publisher notify.Publisher
	Retrier   Retrier
	Metrics   *metrics.Sink
	Log       *logrus.Entry
	Clock     func() time.Time
}

type Pool struct {
	cfg       Config
	queue     JobQueue
	executor  Executor
	probe     Availability
	results   ResultStore
	publisher notify.Publisher
	retrier   Retrier
	metrics   *metrics.Sink
	log       *logrus.Entry
	now       func() time.Time

	gate *gate
	busy atomic.Int64
}

func New(cfg Config, deps Deps) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SweepGrace <= 0 {
		cfg.SweepGrace = 30 * time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	if cfg.AvailabilityBackoff <= 0 {
		cfg.AvailabilityBackoff = 5 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}

	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = notify.Nop{}
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Pool{
		cfg:       cfg,
		queue:     deps.Queue,
		executor:  deps.Executor,
		probe:     deps.Probe,
		results:   deps.Results,
		publisher: publisher,
		retrier:   deps.Retrier,
		metrics:   deps.Metrics,
		log:       logging.Component(log, "worker-pool"),
		now:       now,
		gate:      newGate(),
	}
}

// Run starts the workers, the availability monitor and the periodic sweep
// and prune. It returns once ctx is cancelled and every worker has finished
// the job it was running.
func (p *Pool) Run(ctx context.Context) error {
	if p.probe != nil && !p.probe.DaemonReady(ctx) {
		p.gate.close()
		p.log.Warn("sandbox runtime unavailable at startup, intake paused")
	}

	sched := cron.New(cron.WithLogger(cron.PrintfLogger(p.log)))
	if _, err := sched.AddFunc(every(p.cfg.SweepInterval), func() { p.Sweep() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	if _, err := sched.AddFunc(every(p.cfg.PruneInterval), func() { p.prune() }); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.monitor(gctx)
	})
	for i := 0; i < p.cfg.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			return p.work(gctx, id)
		})
	}

	sched.Start()
	p.log.WithField("workers", p.cfg.Workers).Info("worker pool started")

	err := g.Wait()
	<-sched.Stop().Done()
	p.log.Info("worker pool stopped")
	return err
}

// Available reports whether intake is currently open.
func (p *Pool) Available() bool {
	return p.gate.isOpen()
}

func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) work(ctx context.Context, workerID string) error {
	entry := p.log.WithField("worker_id", workerID)
	for {
		if err := p.gate.wait(ctx); err != nil {
			return nil
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			entry.WithError(err).Error("dequeue failed")
			continue
		}
		// The gate may have closed while this worker sat in Dequeue.
		if !p.gate.isOpen() {
			if err := p.queue.Release(job.ID); err != nil {
				entry.WithField("job_id", job.ID).WithError(err).Warn("release job")
			}
			continue
		}
		p.process(ctx, workerID, job)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job queue.Job) {
	entry := p.log.WithFields(logrus.Fields{
		"worker_id":     workerID,
		"job_id":        job.ID,
		"submission_id": job.SubmissionID,
	})

	claimed, err := p.queue.MarkActive(job.ID, workerID)
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyClaimed) {
			entry.Debug("job claimed by another worker")
			return
		}
		entry.WithError(err).Warn("claim failed")
		return
	}

	p.metrics.Increment("jobs.started")
	p.metrics.Measure("workers.busy", p.busy.Add(1))
	outcome, launchErr := p.execute(context.WithoutCancel(ctx), claimed, entry)
	p.metrics.Measure("workers.busy", p.busy.Add(-1))

	if errors.Is(launchErr, sandbox.ErrRuntimeUnavailable) && p.gate.close() {
		entry.WithError(launchErr).Warn("sandbox runtime unavailable, intake paused")
	}

	finished, err := p.queue.MarkTerminal(claimed.ID, workerID, queue.Outcome{
		Succeeded: outcome.Succeeded(),
		Score:     outcome.Score,
		Reason:    outcome.Reason,
		Logs:      outcome.Logs,
		Duration:  outcome.Duration,
	})
	if err != nil {
		// The sweep already reclaimed the job; its result was recorded there.
		entry.WithError(err).Warn("late outcome discarded")
		p.metrics.Increment("jobs.late")
		return
	}

	p.metrics.Time("sandbox.duration", outcome.Duration)
	switch outcome.Kind {
	case sandbox.KindSuccess:
		p.metrics.Increment("jobs.completed")
	case sandbox.KindTimeout:
		p.metrics.Increment("jobs.timeout")
		p.metrics.Increment("jobs.failed")
	default:
		p.metrics.Increment("jobs.failed")
	}
	p.finish(finished)
}

// execute runs the sandbox and turns a panic into a failed outcome so the
// worker survives to take the next job.
func (p *Pool) execute(ctx context.Context, job queue.Job, entry *logrus.Entry) (outcome sandbox.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Errorf("sandbox execution panicked\n%s", debug.Stack())
			p.metrics.Increment("jobs.panic")
			outcome = sandbox.Outcome{
				Kind:   sandbox.KindFailure,
				Reason: sandbox.ReasonCrash + ": worker panic",
				Logs:   fmt.Sprintf("internal error: %v", r),
			}
			err = nil
		}
	}()
	return p.executor.Execute(ctx, sandbox.Request{
		JobID:        job.ID,
		SubmissionID: job.SubmissionID,
		ArtifactPath: job.Submission.ArtifactPath,
		RubricRef:    job.Submission.RubricRef,
	})
}

// finish persists a terminal job, announces it and, for infrastructure
// failures, asks for an automatic retry.
func (p *Pool) finish(job queue.Job) {
	entry := p.log.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"submission_id": job.SubmissionID,
		"state":         job.State,
	})
	if job.Error != "" {
		entry = entry.WithField("reason", job.Error)
	}

	result := store.ResultFromJob(job)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PersistTimeout)
	defer cancel()

	if p.results != nil {
		if err := p.results.SaveResult(ctx, result); err != nil {
			entry.WithError(err).Error("persist evaluation result")
			p.metrics.Increment("results.persist_error")
		}
	}
	if err := p.publisher.Publish(ctx, result); err != nil {
		entry.WithError(err).Warn("publish evaluation result")
		p.metrics.Increment("results.publish_error")
	}
	entry.Info("evaluation finished")

	if job.State == queue.StateFailed && p.retrier != nil && retry.AutoRetryable(job.Error) {
		if _, err := p.retrier.AutoRetry(job); err != nil {
			entry.WithError(err).Debug("no automatic retry")
		}
	}
}

// Sweep fails every job that has been active for longer than the sandbox
// deadline plus grace. It returns how many jobs were reclaimed.
func (p *Pool) Sweep() int {
	cutoff := p.now().Add(-(p.cfg.JobTimeout + p.cfg.SweepGrace))
	reclaimed := 0
	for _, job := range p.queue.ActiveStartedBefore(cutoff) {
		failed, err := p.queue.FailActive(job.ID, job.WorkerID, queue.ReasonWorkerLost)
		if err != nil {
			continue
		}
		reclaimed++
		p.log.WithFields(logrus.Fields{
			"job_id":    job.ID,
			"worker_id": job.WorkerID,
			"started":   job.StartedAt,
		}).Warn("reclaimed job from unresponsive worker")
		p.metrics.Increment("jobs.worker_lost")
		p.finish(failed)
	}
	return reclaimed
}

func (p *Pool) prune() {
	if n := p.queue.Prune(); n > 0 {
		p.metrics.Increment("queue.prune_runs")
		p.log.WithField("pruned", n).Debug("pruned finished jobs past retention")
	}
}

// monitor re-probes the runtime with exponential backoff while the gate is
// closed and reopens it once the daemon answers.
func (p *Pool) monitor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.gate.down:
		}

		backoff := p.cfg.AvailabilityBackoff
		for !p.gate.isOpen() {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			if p.probe == nil || p.probe.DaemonReady(ctx) {
				p.gate.reopen()
				p.log.Info("sandbox runtime available again, intake resumed")
				break
			}
			p.metrics.Increment("runtime.unavailable")
			p.log.WithField("retry_in", backoff).Warn("sandbox runtime still unavailable")
			backoff *= 2
			if backoff > maxAvailabilityBackoff {
				backoff = maxAvailabilityBackoff
			}
		}
	}
}

// every renders d as a cron "@every" spec. cron schedules at whole seconds.
func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.Round(time.Second).String()
}
