package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func submission(id string) Submission {
	return Submission{ID: id, ArtifactPath: "/artifacts/" + id, RubricRef: "rubric-1", OwnerID: "owner-1"}
}

func runToTerminal(t *testing.T, q *Queue, sub Submission, outcome Outcome) Job {
	t.Helper()
	job, err := q.Admit(sub)
	if err != nil {
		t.Fatalf("admit %s: %v", sub.ID, err)
	}
	if _, err := q.MarkActive(job.ID, "worker-1"); err != nil {
		t.Fatalf("mark active: %v", err)
	}
	done, err := q.MarkTerminal(job.ID, "worker-1", outcome)
	if err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	return done
}

func TestAdmitRejectsDuplicateSubmission(t *testing.T) {
	q := New()

	first, err := q.Admit(submission("s1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if first.State != StateWaiting {
		t.Fatalf("expected waiting, got %s", first.State)
	}

	if _, err := q.Admit(submission("s1")); !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}

	if _, err := q.MarkActive(first.ID, "w1"); err != nil {
		t.Fatalf("mark active: %v", err)
	}
	if _, err := q.Admit(submission("s1")); !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission while active, got %v", err)
	}

	if got := q.Snapshot().Admitted; got != 1 {
		t.Fatalf("expected a single admitted job, got %d", got)
	}
}

func TestAdmitAfterTerminalRequiresRetry(t *testing.T) {
	q := New()
	runToTerminal(t, q, submission("s1"), Outcome{Succeeded: true, Score: 10})

	if _, err := q.Admit(submission("s1")); !errors.Is(err, ErrAlreadyEvaluated) {
		t.Fatalf("expected ErrAlreadyEvaluated, got %v", err)
	}
}

func TestDequeueIsFIFO(t *testing.T) {
	q := New()
	var admitted []string
	for i := 0; i < 5; i++ {
		job, err := q.Admit(submission(fmt.Sprintf("s%d", i)))
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		admitted = append(admitted, job.ID)
	}

	ctx := context.Background()
	for i, want := range admitted {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if job.ID != want {
			t.Fatalf("dequeue %d: expected %s, got %s", i, want, job.ID)
		}
	}
}

func TestDequeueBlocksUntilAdmit(t *testing.T) {
	q := New()
	got := make(chan Job, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err == nil {
			got <- job
		}
	}()

	select {
	case <-got:
		t.Fatalf("dequeue returned before anything was admitted")
	case <-time.After(30 * time.Millisecond):
	}

	admitted, err := q.Admit(submission("late"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	select {
	case job := <-got:
		if job.ID != admitted.ID {
			t.Fatalf("expected %s, got %s", admitted.ID, job.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("dequeue did not wake up after admit")
	}
}

func TestDequeueHonoursContextAndClose(t *testing.T) {
	q := New()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not release dequeue")
	}

	if _, err := q.Admit(submission("after-close")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on admit, got %v", err)
	}
}

func TestMarkActiveConcurrentClaimsSucceedOnce(t *testing.T) {
	q := New()
	job, err := q.Admit(submission("s1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		claimed   int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			<-start
			_, err := q.MarkActive(job.ID, fmt.Sprintf("w%d", id))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyClaimed):
				claimed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one claim, got %d", successes)
	}
	if claimed != workers-1 {
		t.Fatalf("expected %d ErrAlreadyClaimed, got %d", workers-1, claimed)
	}
	if counts := q.Snapshot(); counts.Active != 1 || counts.Waiting != 0 {
		t.Fatalf("unexpected counts after claim: %+v", counts)
	}
}

func TestMarkTerminalRequiresHolder(t *testing.T) {
	q := New()
	job, _ := q.Admit(submission("s1"))

	if _, err := q.MarkTerminal(job.ID, "w1", Outcome{Succeeded: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for waiting job, got %v", err)
	}
	if _, err := q.MarkActive(job.ID, "w1"); err != nil {
		t.Fatalf("mark active: %v", err)
	}
	if _, err := q.MarkTerminal(job.ID, "w2", Outcome{Succeeded: true}); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}

	done, err := q.MarkTerminal(job.ID, "w1", Outcome{Succeeded: false, Reason: "timeout", Logs: "slow"})
	if err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if done.State != StateFailed || done.Error != "timeout" || done.Score != nil {
		t.Fatalf("unexpected terminal job: %+v", done)
	}

	if _, err := q.MarkTerminal(job.ID, "w1", Outcome{Succeeded: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal job must not be mutated, got %v", err)
	}
}

func TestCompletedJobCarriesScoreAndNoError(t *testing.T) {
	q := New()
	done := runToTerminal(t, q, submission("s1"), Outcome{Succeeded: true, Score: 87, Logs: "ok"})

	if done.State != StateCompleted {
		t.Fatalf("expected completed, got %s", done.State)
	}
	if done.Score == nil || *done.Score != 87 {
		t.Fatalf("expected score 87, got %v", done.Score)
	}
	if done.Error != "" {
		t.Fatalf("expected no error, got %q", done.Error)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Fatalf("expected timestamps to be set")
	}
}

func TestCurrentReportsPosition(t *testing.T) {
	q := New()
	a, _ := q.Admit(submission("a"))
	q.Admit(submission("b"))
	q.Admit(submission("c"))

	_, pos, err := q.Current("c")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if pos != 3 {
		t.Fatalf("expected position 3, got %d", pos)
	}

	if _, err := q.MarkActive(a.ID, "w1"); err != nil {
		t.Fatalf("mark active: %v", err)
	}
	_, pos, _ = q.Current("c")
	if pos != 2 {
		t.Fatalf("expected position 2 after head claimed, got %d", pos)
	}
	job, pos, _ := q.Current("a")
	if job.State != StateActive || pos != 0 {
		t.Fatalf("active job should have no position, got state=%s pos=%d", job.State, pos)
	}

	if _, _, err := q.Current("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRequeueKeepsPreviousJob(t *testing.T) {
	q := New()
	failed := runToTerminal(t, q, submission("s2"), Outcome{Reason: "timeout"})

	next, err := q.Requeue("s2", false, nil)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if next.ID == failed.ID {
		t.Fatalf("retry must produce a new job id")
	}
	if next.RetryCount != 1 || next.State != StateWaiting {
		t.Fatalf("unexpected retried job: %+v", next)
	}

	history, err := q.History("s2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected two jobs in history, got %d", len(history))
	}
	if history[0].State != StateFailed || history[0].Error != "timeout" || *history[0].FinishedAt != *failed.FinishedAt {
		t.Fatalf("superseded job must stay as it finished: %+v", history[0])
	}
	if history[1].ID != next.ID {
		t.Fatalf("current job should be last in history")
	}

	counts := q.Snapshot()
	if counts.Waiting != 1 || counts.Failed != 1 || counts.Admitted != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestRequeueRejectsNonFailedJobs(t *testing.T) {
	q := New()
	runToTerminal(t, q, submission("ok"), Outcome{Succeeded: true, Score: 1})
	if _, err := q.Requeue("ok", false, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	veto := errors.New("veto")
	runToTerminal(t, q, submission("bad"), Outcome{Reason: "boom"})
	if _, err := q.Requeue("bad", false, func(Job) error { return veto }); !errors.Is(err, veto) {
		t.Fatalf("expected check error to be returned, got %v", err)
	}
}

func TestFailActiveOnlyTouchesActiveJobs(t *testing.T) {
	clock := newFakeClock()
	q := New(WithClock(clock.Now))
	job, _ := q.Admit(submission("s1"))
	if _, err := q.MarkActive(job.ID, "w1"); err != nil {
		t.Fatalf("mark active: %v", err)
	}
	clock.Advance(2 * time.Minute)

	stuck := q.ActiveStartedBefore(clock.Now().Add(-time.Minute))
	if len(stuck) != 1 || stuck[0].ID != job.ID {
		t.Fatalf("expected the job to be reported stuck, got %+v", stuck)
	}

	failed, err := q.FailActive(job.ID, "w1", ReasonWorkerLost)
	if err != nil {
		t.Fatalf("fail active: %v", err)
	}
	if failed.Error != ReasonWorkerLost || failed.Duration != 2*time.Minute {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	if _, err := q.MarkTerminal(job.ID, "w1", Outcome{Succeeded: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("late worker report must be rejected, got %v", err)
	}
}

func TestPruneKeepsCountsConsistent(t *testing.T) {
	clock := newFakeClock()
	q := New(WithClock(clock.Now), WithRetention(time.Hour, 0))

	runToTerminal(t, q, submission("old"), Outcome{Succeeded: true, Score: 1})
	clock.Advance(2 * time.Hour)
	runToTerminal(t, q, submission("new"), Outcome{Reason: "nonzero exit"})
	q.Admit(submission("pending"))

	if dropped := q.Prune(); dropped != 1 {
		t.Fatalf("expected one pruned job, got %d", dropped)
	}
	counts := q.Snapshot()
	if counts.Total() != counts.Admitted-counts.Pruned {
		t.Fatalf("counts out of balance: %+v", counts)
	}
	if counts.Completed != 0 || counts.Failed != 1 || counts.Waiting != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if _, _, err := q.Current("old"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("pruned submission should be forgotten, got %v", err)
	}
}

func TestPruneEnforcesMaxRetained(t *testing.T) {
	clock := newFakeClock()
	q := New(WithClock(clock.Now), WithRetention(0, 2))
	for i := 0; i < 4; i++ {
		runToTerminal(t, q, submission(fmt.Sprintf("s%d", i)), Outcome{Succeeded: true})
		clock.Advance(time.Second)
	}

	if dropped := q.Prune(); dropped != 2 {
		t.Fatalf("expected two pruned jobs, got %d", dropped)
	}
	for _, id := range []string{"s0", "s1"} {
		if _, _, err := q.Current(id); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected %s pruned, got %v", id, err)
		}
	}
	for _, id := range []string{"s2", "s3"} {
		if _, _, err := q.Current(id); err != nil {
			t.Fatalf("expected %s retained, got %v", id, err)
		}
	}
}

func TestObserverSeesEveryTransition(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	q := New(WithObserver(func(job Job) {
		mu.Lock()
		states = append(states, job.State)
		mu.Unlock()
	}))
	runToTerminal(t, q, submission("s1"), Outcome{Succeeded: true})

	want := []State{StateWaiting, StateActive, StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, states)
		}
	}
}

func TestRequeueEmitsOnlySuccessor(t *testing.T) {
	var seen []Job
	q := New(WithObserver(func(job Job) { seen = append(seen, job) }))
	failed := runToTerminal(t, q, submission("s1"), Outcome{Reason: "timeout"})
	seen = nil

	next, err := q.Requeue("s1", false, nil)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(seen) != 1 || seen[0].ID != next.ID {
		t.Fatalf("expected only the successor to be observed, got %+v", seen)
	}
	if seen[0].ID == failed.ID {
		t.Fatalf("finished job must not be re-emitted")
	}
}

func TestObserversSeeTransitionsInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order = make(map[string][]State)
	)
	q := New(WithObserver(func(job Job) {
		mu.Lock()
		order[job.ID] = append(order[job.ID], job.State)
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const jobs = 200
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				if _, err := q.MarkActive(job.ID, worker); err != nil {
					t.Errorf("mark active: %v", err)
				}
			}
		}(fmt.Sprintf("w%d", w))
	}
	for i := 0; i < jobs; i++ {
		if _, err := q.Admit(submission(fmt.Sprintf("s%d", i))); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for q.Snapshot().Active < jobs {
		if time.Now().After(deadline) {
			t.Fatalf("jobs never became active: %+v", q.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.Close()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for id, states := range order {
		if len(states) != 2 || states[0] != StateWaiting || states[1] != StateActive {
			t.Fatalf("job %s observed out of order: %v", id, states)
		}
	}
}

func TestReleaseReturnsJobToHead(t *testing.T) {
	q := New()
	for _, id := range []string{"a", "b"} {
		if _, err := q.Admit(submission(id)); err != nil {
			t.Fatalf("admit %s: %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Release(first.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, pos, _ := q.Current("a"); pos != 1 {
		t.Fatalf("released job should be back at the head, got position %d", pos)
	}

	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected %s again, got %s", first.ID, again.ID)
	}

	if _, err := q.MarkActive(again.ID, "w1"); err != nil {
		t.Fatalf("mark active: %v", err)
	}
	if err := q.Release(again.ID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("claimed job cannot be released, got %v", err)
	}
	if err := q.Release("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestReadmitSeedsRetryCount(t *testing.T) {
	clock := newFakeClock()
	q := New(WithClock(clock.Now), WithRetention(time.Hour, 0))
	runToTerminal(t, q, submission("s1"), Outcome{Reason: "timeout"})

	if _, err := q.Readmit(submission("s1"), 2); !errors.Is(err, ErrAlreadyEvaluated) {
		t.Fatalf("retained submission must be rejected, got %v", err)
	}

	clock.Advance(2 * time.Hour)
	if n := q.Prune(); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}

	job, err := q.Readmit(submission("s1"), 2)
	if err != nil {
		t.Fatalf("readmit: %v", err)
	}
	if job.RetryCount != 2 || job.AutoRetries != 0 || job.State != StateWaiting {
		t.Fatalf("unexpected readmitted job %+v", job)
	}
	if _, err := q.Readmit(submission("s1"), 3); !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
}
