// Package stats projects queue state into the counts and wait estimates shown
// to clients.
package stats

import (
	"sync"
	"time"

	"github.com/alexdev-tb/submission-evaluator/internal/queue"
)

// Source is the queue side of the projection. Snapshot must not block.
type Source interface {
	Snapshot() queue.Counts
}

type Stats struct {
	Waiting           int   `json:"waiting"`
	Active            int   `json:"active"`
	Completed         int   `json:"completed"`
	Failed            int   `json:"failed"`
	Admitted          int   `json:"admitted"`
	Pruned            int   `json:"pruned"`
	AverageDurationMs int64 `json:"averageDurationMs"`
	// EstimatedWaitMs is advisory: waiting jobs times the average job duration.
	EstimatedWaitMs int64 `json:"estimatedWaitMs"`
}

type Aggregator struct {
	source    Source
	durations durationEWMA

	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
}

func New(source Source) *Aggregator {
	return &Aggregator{
		source:      source,
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Observe is registered as a queue observer. Finished jobs feed the duration
// average and every transition wakes stream subscribers.
func (a *Aggregator) Observe(job queue.Job) {
	if job.State.Terminal() {
		a.durations.observe(job.Duration)
	}
	a.notify()
}

func (a *Aggregator) Snapshot() Stats {
	counts := a.source.Snapshot()
	avg := a.durations.estimate()
	return Stats{
		Waiting:           counts.Waiting,
		Active:            counts.Active,
		Completed:         counts.Completed,
		Failed:            counts.Failed,
		Admitted:          counts.Admitted,
		Pruned:            counts.Pruned,
		AverageDurationMs: avg.Milliseconds(),
		EstimatedWaitMs:   (time.Duration(counts.Waiting) * avg).Milliseconds(),
	}
}

// EstimateWait is the advisory wait for a job at the given 1-based FIFO
// position. Zero when no job has finished yet.
func (a *Aggregator) EstimateWait(position int) time.Duration {
	if position <= 0 {
		return 0
	}
	return time.Duration(position) * a.durations.estimate()
}

// Subscribe returns a channel that receives a signal after queue transitions.
// Signals coalesce; a slow reader sees one pending signal, not a backlog.
func (a *Aggregator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	a.mu.Lock()
	a.subscribers[ch] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subscribers, ch)
			a.mu.Unlock()
		})
	}
}

func (a *Aggregator) notify() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch := range a.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
