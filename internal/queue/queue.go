// Package queue holds evaluation jobs from admission until their terminal
// state, hands them to workers in strict admission order and keeps a bounded
// window of finished jobs for status polling and stats.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicateSubmission = errors.New("submission already has a waiting or active job")
	ErrAlreadyEvaluated    = errors.New("submission already evaluated, retry it instead")
	ErrAlreadyClaimed      = errors.New("job already claimed by another worker")
	ErrNotClaimed          = errors.New("job is not held by this worker")
	ErrInvalidTransition   = errors.New("invalid job state transition")
	ErrJobNotFound         = errors.New("job not found")
	ErrClosed              = errors.New("queue closed")
)

type Option func(*Queue)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithRetention bounds how long (window) and how many (maxJobs) terminal jobs
// are kept in memory. Zero disables the respective bound.
func WithRetention(window time.Duration, maxJobs int) Option {
	return func(q *Queue) {
		q.retention = window
		q.maxRetained = maxJobs
	}
}

// WithObserver registers fn to receive a copy of every job after each
// transition. Observers run on the caller's goroutine, outside the queue lock,
// and see transitions in the order they happened. They must not block or call
// back into the queue.
func WithObserver(fn func(Job)) Option {
	return func(q *Queue) {
		if fn != nil {
			q.observers = append(q.observers, fn)
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) {
		if fn != nil {
			q.newID = fn
		}
	}
}

type Queue struct {
	mu sync.Mutex
	// emitMu is taken before mu is released so observers see transitions
	// in order.
	emitMu   sync.Mutex
	jobs     map[string]*Job
	current  map[string]string
	history  map[string][]string
	waiting  *list.List
	waitElem map[string]*list.Element

	// counts is replaced wholesale under mu so readers never take the lock.
	counts atomic.Pointer[Counts]

	signal    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	observers   []func(Job)
	now         func() time.Time
	newID       func() string
	retention   time.Duration
	maxRetained int
}

func New(opts ...Option) *Queue {
	q := &Queue{
		jobs:     make(map[string]*Job),
		current:  make(map[string]string),
		history:  make(map[string][]string),
		waiting:  list.New(),
		waitElem: make(map[string]*list.Element),
		signal:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	q.counts.Store(&Counts{})
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Admit creates a waiting job for sub. A submission whose current job is
// still waiting or active is rejected with ErrDuplicateSubmission; one whose
// current job already finished must go through a retry.
func (q *Queue) Admit(sub Submission) (Job, error) {
	q.mu.Lock()
	if q.isClosed() {
		q.mu.Unlock()
		return Job{}, ErrClosed
	}
	if id, ok := q.current[sub.ID]; ok {
		state := q.jobs[id].State
		q.mu.Unlock()
		if state.Terminal() {
			return Job{}, ErrAlreadyEvaluated
		}
		return Job{}, ErrDuplicateSubmission
	}

	job := q.enqueueLocked(sub, 0, 0)
	admitted := *job
	q.unlockAndEmit(admitted)
	q.wake()
	return admitted, nil
}

// Readmit enqueues sub as a retry with the given retry count. It is for
// submissions the queue no longer retains; one it still holds is rejected the
// same way Admit rejects it.
func (q *Queue) Readmit(sub Submission, retryCount int) (Job, error) {
	q.mu.Lock()
	if q.isClosed() {
		q.mu.Unlock()
		return Job{}, ErrClosed
	}
	if id, ok := q.current[sub.ID]; ok {
		state := q.jobs[id].State
		q.mu.Unlock()
		if state.Terminal() {
			return Job{}, ErrAlreadyEvaluated
		}
		return Job{}, ErrDuplicateSubmission
	}

	job := q.enqueueLocked(sub, retryCount, 0)
	admitted := *job
	q.unlockAndEmit(admitted)
	q.wake()
	return admitted, nil
}

// Dequeue blocks until a waiting job is available, ctx is done or the queue
// is closed. The returned job is removed from the FIFO; the caller claims it
// with MarkActive.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.isClosed() {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		if front := q.waiting.Front(); front != nil {
			id := q.waiting.Remove(front).(string)
			delete(q.waitElem, id)
			job := *q.jobs[id]
			more := q.waiting.Len() > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.closed:
			return Job{}, ErrClosed
		case <-q.signal:
		}
	}
}

// Release returns a job taken by Dequeue but never claimed to the head of the
// FIFO.
func (q *Queue) Release(jobID string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State != StateWaiting || job.WorkerID != "" {
		q.mu.Unlock()
		return ErrAlreadyClaimed
	}
	if _, queued := q.waitElem[jobID]; !queued {
		q.waitElem[jobID] = q.waiting.PushFront(jobID)
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

// MarkActive hands jobID to workerID. Exactly one caller can win the claim;
// every other caller gets ErrAlreadyClaimed.
func (q *Queue) MarkActive(jobID, workerID string) (Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	if job.State != StateWaiting || job.WorkerID != "" {
		q.mu.Unlock()
		return Job{}, ErrAlreadyClaimed
	}
	if el, ok := q.waitElem[jobID]; ok {
		q.waiting.Remove(el)
		delete(q.waitElem, jobID)
	}
	if err := q.transitionLocked(job, StateActive); err != nil {
		q.mu.Unlock()
		return Job{}, err
	}
	job.WorkerID = workerID
	job.StartedAt = ptrTime(q.now())
	claimed := *job
	q.unlockAndEmit(claimed)
	return claimed, nil
}

// MarkTerminal records the outcome reported by the worker holding jobID.
func (q *Queue) MarkTerminal(jobID, workerID string, outcome Outcome) (Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	if job.State != StateActive {
		q.mu.Unlock()
		return Job{}, ErrInvalidTransition
	}
	if job.WorkerID != workerID {
		q.mu.Unlock()
		return Job{}, ErrNotClaimed
	}

	target := StateFailed
	if outcome.Succeeded {
		target = StateCompleted
	}
	if err := q.transitionLocked(job, target); err != nil {
		q.mu.Unlock()
		return Job{}, err
	}

	job.FinishedAt = ptrTime(q.now())
	job.Logs = outcome.Logs
	job.Duration = outcome.Duration
	if outcome.Succeeded {
		score := outcome.Score
		job.Score = &score
		job.Error = ""
	} else {
		job.Error = outcome.Reason
		if job.Error == "" {
			job.Error = "evaluation failed"
		}
	}
	finished := *job
	q.unlockAndEmit(finished)
	return finished, nil
}

// FailActive forces an active job to failed on behalf of workerID's lost
// claim. It is a no-op error if the job already left active.
func (q *Queue) FailActive(jobID, workerID, reason string) (Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	if job.State != StateActive {
		q.mu.Unlock()
		return Job{}, ErrInvalidTransition
	}
	if job.WorkerID != workerID {
		q.mu.Unlock()
		return Job{}, ErrNotClaimed
	}
	if err := q.transitionLocked(job, StateFailed); err != nil {
		q.mu.Unlock()
		return Job{}, err
	}
	now := q.now()
	job.FinishedAt = ptrTime(now)
	if job.StartedAt != nil {
		job.Duration = now.Sub(*job.StartedAt)
	}
	job.Error = reason
	failed := *job
	q.unlockAndEmit(failed)
	return failed, nil
}

// ActiveStartedBefore lists active jobs claimed before cutoff.
func (q *Queue) ActiveStartedBefore(cutoff time.Time) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stuck []Job
	for _, job := range q.jobs {
		if job.State != StateActive || job.StartedAt == nil {
			continue
		}
		if job.StartedAt.Before(cutoff) {
			stuck = append(stuck, *job)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].StartedAt.Before(*stuck[j].StartedAt)
	})
	return stuck
}

// Requeue admits a successor to the submission's current job with
// RetryCount+1. The previous job stays in the history unchanged. check sees the current job under the queue lock and can veto
// the retry by returning an error, which is passed back unchanged.
func (q *Queue) Requeue(submissionID string, automatic bool, check func(Job) error) (Job, error) {
	q.mu.Lock()
	if q.isClosed() {
		q.mu.Unlock()
		return Job{}, ErrClosed
	}
	id, ok := q.current[submissionID]
	if !ok {
		q.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	prev := q.jobs[id]
	if check != nil {
		if err := check(*prev); err != nil {
			q.mu.Unlock()
			return Job{}, err
		}
	}
	if !IsValidTransition(prev.State, StateWaiting) {
		q.mu.Unlock()
		return Job{}, ErrInvalidTransition
	}

	autoRetries := prev.AutoRetries
	if automatic {
		autoRetries++
	}
	next := q.enqueueLocked(prev.Submission, prev.RetryCount+1, autoRetries)
	admitted := *next
	q.unlockAndEmit(admitted)
	q.wake()
	return admitted, nil
}

func (q *Queue) Get(jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// Current returns the submission's current job and, while it is still in
// the FIFO, its 1-based position. Position is 0 otherwise.
func (q *Queue) Current(submissionID string) (Job, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.current[submissionID]
	if !ok {
		return Job{}, 0, ErrJobNotFound
	}
	job := q.jobs[id]
	position := 0
	if job.State == StateWaiting {
		position = q.positionLocked(id)
	}
	return *job, position, nil
}

// History returns every retained job of the submission, oldest first.
func (q *Queue) History(submissionID string) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids, ok := q.history[submissionID]
	if !ok {
		return nil, ErrJobNotFound
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, *q.jobs[id])
	}
	return jobs, nil
}

// Snapshot reads the state counts without taking the queue lock.
func (q *Queue) Snapshot() Counts {
	return *q.counts.Load()
}

// Prune drops terminal jobs older than the retention window, then the oldest
// terminal jobs beyond the retained-jobs cap. It returns how many were dropped.
func (q *Queue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var terminal []*Job
	for _, job := range q.jobs {
		if job.State.Terminal() && job.FinishedAt != nil {
			terminal = append(terminal, job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].FinishedAt.Before(*terminal[j].FinishedAt)
	})

	var drop []*Job
	keep := terminal
	if q.retention > 0 {
		cutoff := q.now().Add(-q.retention)
		idx := sort.Search(len(terminal), func(i int) bool {
			return !terminal[i].FinishedAt.Before(cutoff)
		})
		drop = append(drop, terminal[:idx]...)
		keep = terminal[idx:]
	}
	if q.maxRetained > 0 && len(keep) > q.maxRetained {
		excess := len(keep) - q.maxRetained
		drop = append(drop, keep[:excess]...)
	}
	if len(drop) == 0 {
		return 0
	}

	counts := *q.counts.Load()
	for _, job := range drop {
		q.removeLocked(job)
		counts.add(job.State, -1)
		counts.Pruned++
	}
	q.counts.Store(&counts)
	return len(drop)
}

// Close stops admission and releases every blocked Dequeue with ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

func (q *Queue) enqueueLocked(sub Submission, retryCount, autoRetries int) *Job {
	job := &Job{
		ID:           q.newID(),
		SubmissionID: sub.ID,
		Submission:   sub,
		State:        StateWaiting,
		RetryCount:   retryCount,
		AutoRetries:  autoRetries,
		EnqueuedAt:   q.now(),
	}
	q.jobs[job.ID] = job
	q.current[sub.ID] = job.ID
	q.history[sub.ID] = append(q.history[sub.ID], job.ID)
	q.waitElem[job.ID] = q.waiting.PushBack(job.ID)

	counts := *q.counts.Load()
	counts.Waiting++
	counts.Admitted++
	q.counts.Store(&counts)
	return job
}

func (q *Queue) transitionLocked(job *Job, to State) error {
	if !IsValidTransition(job.State, to) {
		return ErrInvalidTransition
	}
	counts := *q.counts.Load()
	counts.add(job.State, -1)
	counts.add(to, 1)
	q.counts.Store(&counts)
	job.State = to
	return nil
}

func (q *Queue) removeLocked(job *Job) {
	delete(q.jobs, job.ID)
	ids := q.history[job.SubmissionID]
	kept := ids[:0]
	for _, id := range ids {
		if id != job.ID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(q.history, job.SubmissionID)
	} else {
		q.history[job.SubmissionID] = kept
	}
	if q.current[job.SubmissionID] == job.ID {
		delete(q.current, job.SubmissionID)
	}
}

func (q *Queue) positionLocked(jobID string) int {
	position := 1
	for el := q.waiting.Front(); el != nil; el = el.Next() {
		if el.Value.(string) == jobID {
			return position
		}
		position++
	}
	return 0
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// unlockAndEmit releases mu and hands job to the observers. emitMu is
// acquired first so a later transition cannot overtake this one.
func (q *Queue) unlockAndEmit(job Job) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	q.mu.Unlock()
	for _, fn := range q.observers {
		fn(job)
	}
}
