package sandbox

import (
	"errors"
	"time"
)

// ErrRuntimeUnavailable means the container runtime could not launch the
// sandbox at all: binary missing, daemon down or the runtime refused the run.
var ErrRuntimeUnavailable = errors.New("sandbox runtime unavailable")

type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
	KindTimeout Kind = "timeout"
)

// Failure reasons. Nonzero exits, crashes and parse errors carry a suffix
// with the detail, e.g. "nonzero-exit: status 2".
const (
	ReasonTimeout          = "timeout"
	ReasonResourceExceeded = "resource-exceeded"
	ReasonUnavailable      = "sandbox-unavailable"
	ReasonNonzeroExit      = "nonzero-exit"
	ReasonCrash            = "crash"
	ReasonParse            = "parse-error"
	ReasonCancelled        = "cancelled"
	ReasonInvalidRequest   = "invalid-request"
)

// Request describes one evaluation to run.
type Request struct {
	JobID        string
	SubmissionID string
	ArtifactPath string
	RubricRef    string
}

type Outcome struct {
	Kind      Kind
	Score     float64
	Details   string
	Reason    string
	Logs      string
	Truncated bool
	ExitCode  int
	Duration  time.Duration
}

func (o Outcome) Succeeded() bool {
	return o.Kind == KindSuccess
}

func failure(reason string, logs *logBuffer, exitCode int, d time.Duration) Outcome {
	return Outcome{
		Kind:      KindFailure,
		Reason:    reason,
		Logs:      logs.String(),
		Truncated: logs.Truncated(),
		ExitCode:  exitCode,
		Duration:  d,
	}
}
