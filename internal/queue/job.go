package queue

import "time"

// ReasonWorkerLost is recorded when the liveness sweep reclaims a job whose
// worker never reported a terminal outcome.
const ReasonWorkerLost = "worker-lost"

// Submission is the collaborator-owned artifact handed to the queue. It is
// never modified once admitted.
type Submission struct {
	ID           string    `json:"id" db:"id"`
	ArtifactPath string    `json:"artifactPath" db:"artifact_path"`
	RubricRef    string    `json:"rubricRef" db:"rubric_ref"`
	OwnerID      string    `json:"ownerId" db:"owner_id"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// Job is one evaluation attempt of a Submission.
type Job struct {
	ID           string        `json:"id"`
	SubmissionID string        `json:"submissionId"`
	Submission   Submission    `json:"submission"`
	State        State         `json:"state"`
	RetryCount   int           `json:"retryCount"`
	AutoRetries  int           `json:"autoRetries"`
	WorkerID     string        `json:"workerId,omitempty"`
	EnqueuedAt   time.Time     `json:"enqueuedAt"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
	Score        *float64      `json:"score,omitempty"`
	Logs         string        `json:"logs,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// Outcome is what a worker reports when it finishes a job.
type Outcome struct {
	Succeeded bool
	Score     float64
	Reason    string
	Logs      string
	Duration  time.Duration
}

// Counts is a point-in-time projection of how many retained jobs sit in each
// state. Jobs superseded by a retry keep counting toward their terminal state
// until pruned.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Admitted  int `json:"admitted"`
	Pruned    int `json:"pruned"`
}

// Total is the number of jobs the queue currently retains.
func (c Counts) Total() int {
	return c.Waiting + c.Active + c.Completed + c.Failed
}

func (c *Counts) add(s State, delta int) {
	switch s {
	case StateWaiting:
		c.Waiting += delta
	case StateActive:
		c.Active += delta
	case StateCompleted:
		c.Completed += delta
	case StateFailed:
		c.Failed += delta
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
