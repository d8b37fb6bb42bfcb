// Package sandbox runs one evaluation per container through the docker CLI
// and classifies how it ended.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexdev-tb/submission-evaluator/internal/logging"
)

const (
	containerLabel  = "io.submission-evaluator.job"
	containerPrefix = "eval-"

	submissionMount = "/submission"
	scratchMount    = "/scratch"

	// docker run exits 125 when the daemon rejected the run itself.
	exitRuntimeError = 125
)

type RunnerConfig struct {
	DockerBinary string
	Image        string
	Command      []string
	JobDir       string
	ExecUser     string
	Timeout      time.Duration
	// KillGrace bounds how long Execute waits for output pipes after the
	// container has been killed.
	KillGrace time.Duration
	LogLimit  int
	Limits    Limits
}

type DockerRunner struct {
	dockerBin string
	image     string
	command   []string
	jobDir    string
	execUser  string
	timeout   time.Duration
	killGrace time.Duration
	logLimit  int
	limits    Limits
	cleaner   *cleaner
	log       *logrus.Entry
}

func NewDockerRunner(cfg RunnerConfig, log *logrus.Entry) *DockerRunner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = logging.Component(log, "sandbox")

	dockerBin := strings.TrimSpace(cfg.DockerBinary)
	if dockerBin == "" {
		dockerBin = "docker"
	}

	jobDir := strings.TrimSpace(cfg.JobDir)
	if jobDir == "" {
		jobDir = filepath.Join(os.TempDir(), "evaluations")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	killGrace := cfg.KillGrace
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}

	return &DockerRunner{
		dockerBin: dockerBin,
		image:     strings.TrimSpace(cfg.Image),
		command:   append([]string(nil), cfg.Command...),
		jobDir:    jobDir,
		execUser:  strings.TrimSpace(cfg.ExecUser),
		timeout:   timeout,
		killGrace: killGrace,
		logLimit:  cfg.LogLimit,
		limits:    cfg.Limits,
		cleaner:   newCleaner(log),
		log:       log,
	}
}

func (r *DockerRunner) Timeout() time.Duration {
	return r.timeout
}

func (r *DockerRunner) Limits() Limits {
	return r.limits
}

// Execute runs req in a fresh container and blocks until it exits or the
// deadline passes. The returned error is non-nil only when the sandbox could
// not be launched; the outcome is a Failure with ReasonUnavailable in that
// case. The container and its scratch dir are removed on every path.
func (r *DockerRunner) Execute(ctx context.Context, req Request) (Outcome, error) {
	logs := newLogBuffer(r.logLimit)
	entry := r.log.WithFields(logrus.Fields{
		"job_id":        req.JobID,
		"submission_id": req.SubmissionID,
	})

	if strings.TrimSpace(req.ArtifactPath) == "" {
		fmt.Fprintln(logs, "submission has no artifact path")
		return failure(ReasonInvalidRequest, logs, -1, 0), nil
	}
	artifact, err := filepath.Abs(req.ArtifactPath)
	if err != nil {
		fmt.Fprintf(logs, "invalid artifact path %q: %v\n", req.ArtifactPath, err)
		return failure(ReasonInvalidRequest, logs, -1, 0), nil
	}

	scratch := filepath.Join(r.jobDir, req.JobID)
	if err := os.MkdirAll(scratch, 0o777); err != nil {
		fmt.Fprintf(logs, "prepare scratch dir: %v\n", err)
		return failure(ReasonUnavailable, logs, -1, 0), fmt.Errorf("%w: prepare scratch dir: %v", ErrRuntimeUnavailable, err)
	}
	defer r.cleaner.remove(scratch)

	name := containerPrefix + req.JobID
	defer r.removeContainer(name)

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.dockerBin, r.runArgs(name, artifact, scratch, req)...)
	cmd.Cancel = func() error {
		r.killContainer(name)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = r.killGrace

	payload := &payloadScanner{}
	cmd.Stdout = io.MultiWriter(logs, payload)
	cmd.Stderr = logs

	entry.WithField("limits", FormatLimits(r.limits)).Debug("starting sandbox")
	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	outcome, launchErr := r.classify(ctx, execCtx, name, runErr, logs, payload, duration)
	fields := logrus.Fields{
		"kind":     outcome.Kind,
		"exit":     outcome.ExitCode,
		"duration": duration.Round(time.Millisecond),
	}
	if outcome.Reason != "" {
		fields["reason"] = outcome.Reason
	}
	if launchErr != nil {
		entry.WithFields(fields).WithError(launchErr).Warn("sandbox launch failed")
	} else {
		entry.WithFields(fields).Info("sandbox finished")
	}
	return outcome, launchErr
}

func (r *DockerRunner) classify(parent, execCtx context.Context, name string, runErr error, logs *logBuffer, payload *payloadScanner, d time.Duration) (Outcome, error) {
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		fmt.Fprintf(logs, "\nexecution timed out after %s\n", r.timeout)
		return Outcome{
			Kind:      KindTimeout,
			Reason:    ReasonTimeout,
			Logs:      logs.String(),
			Truncated: logs.Truncated(),
			ExitCode:  -1,
			Duration:  d,
		}, nil
	}
	if parent.Err() != nil {
		return failure(ReasonCancelled, logs, -1, d), nil
	}

	exitCode := 0
	if runErr != nil && !errors.Is(runErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			fmt.Fprintf(logs, "launch sandbox: %v\n", runErr)
			return failure(ReasonUnavailable, logs, -1, d), fmt.Errorf("%w: %v", ErrRuntimeUnavailable, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	if exitCode != 0 && r.oomKilled(name) {
		return failure(ReasonResourceExceeded, logs, exitCode, d), nil
	}

	switch {
	case exitCode == exitRuntimeError:
		return failure(ReasonUnavailable, logs, exitCode, d), fmt.Errorf("%w: docker run exited %d", ErrRuntimeUnavailable, exitCode)
	case exitCode < 0:
		return failure(ReasonCrash+": docker client killed", logs, exitCode, d), nil
	case exitCode > 128:
		return failure(fmt.Sprintf("%s: signal %d", ReasonCrash, exitCode-128), logs, exitCode, d), nil
	case exitCode != 0:
		return failure(fmt.Sprintf("%s: status %d", ReasonNonzeroExit, exitCode), logs, exitCode, d), nil
	}

	result, ok := payload.Result()
	if !ok {
		return failure(ReasonParse+": no score payload on stdout", logs, 0, d), nil
	}
	return Outcome{
		Kind:      KindSuccess,
		Score:     *result.Score,
		Details:   result.Details,
		Logs:      logs.String(),
		Truncated: logs.Truncated(),
		Duration:  d,
	}, nil
}

func (r *DockerRunner) runArgs(name, artifact, scratch string, req Request) []string {
	args := []string{
		"run",
		"--name", name,
		"--label", containerLabel + "=" + req.JobID,
	}
	args = append(args, r.limits.args()...)
	if r.execUser != "" {
		args = append(args, "--user", r.execUser)
	}
	args = append(args,
		"--volume", artifact+":"+submissionMount+":ro",
		"--volume", scratch+":"+scratchMount,
		"--workdir", scratchMount,
		"--env", "EVAL_JOB_ID="+req.JobID,
		"--env", "EVAL_SUBMISSION_ID="+req.SubmissionID,
		"--env", "EVAL_RUBRIC="+req.RubricRef,
		"--env", "EVAL_SUBMISSION_DIR="+submissionMount,
		"--env", "TMPDIR="+scratchMount,
		r.image,
	)
	return append(args, r.command...)
}

func (r *DockerRunner) oomKilled(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.dockerBin, "inspect", "--format", "{{.State.OOMKilled}}", name).Output()
	if err != nil {
		r.log.WithField("container", name).WithError(err).Debug("inspect after exit failed")
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

func (r *DockerRunner) killContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, r.dockerBin, "kill", name).CombinedOutput(); err != nil {
		r.log.WithField("container", name).WithError(err).Debugf("kill: %s", strings.TrimSpace(string(out)))
	}
}

func (r *DockerRunner) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, r.dockerBin, "rm", "-f", name).CombinedOutput(); err != nil {
		r.log.WithField("container", name).WithError(err).Debugf("remove: %s", strings.TrimSpace(string(out)))
	}
}
