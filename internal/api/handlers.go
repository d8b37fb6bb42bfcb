package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/alexdev-tb/submission-evaluator/internal/auth"
	"github.com/alexdev-tb/submission-evaluator/internal/logging"
	"github.com/alexdev-tb/submission-evaluator/internal/metrics"
	"github.com/alexdev-tb/submission-evaluator/internal/queue"
	"github.com/alexdev-tb/submission-evaluator/internal/retry"
	"github.com/alexdev-tb/submission-evaluator/internal/sandbox"
	"github.com/alexdev-tb/submission-evaluator/internal/stats"
	"github.com/alexdev-tb/submission-evaluator/internal/store"
)

const evaluationsPrefix = "/v1/evaluations/"

type JobQueue interface {
	Admit(sub queue.Submission) (queue.Job, error)
	Current(submissionID string) (queue.Job, int, error)
	History(submissionID string) ([]queue.Job, error)
}

type Retrier interface {
	Retry(ctx context.Context, submissionID string) (queue.Job, error)
}

// Submissions reads collaborator-owned submissions and persisted results.
type Submissions interface {
	GetSubmission(ctx context.Context, id string) (queue.Submission, error)
	Latest(ctx context.Context, submissionID string) (store.Result, error)
	Results(ctx context.Context, submissionID string) ([]store.Result, error)
}

// Database is pinged by the health check. Optional.
type Database interface {
	Ping(ctx context.Context) error
}

// JobMirror answers status for jobs another process or an earlier run
// holds. Optional.
type JobMirror interface {
	Current(ctx context.Context, submissionID string) (queue.Job, error)
}

type StatsSource interface {
	Snapshot() stats.Stats
	EstimateWait(position int) time.Duration
	Subscribe() (<-chan struct{}, func())
}

type RuntimeProbe interface {
	Check(ctx context.Context) sandbox.Report
}

type PoolStatus interface {
	Available() bool
	Busy() int
}

type Deps struct {
	Queue       JobQueue
	Retrier     Retrier
	Submissions Submissions
	Database    Database
	Mirror      JobMirror
	Stats       StatsSource
	Probe       RuntimeProbe
	Pool        PoolStatus
	Authorizer  auth.Authorizer
	Metrics     *metrics.Sink
	Log         *logrus.Entry
	// StreamInterval is how often the stats stream pushes a snapshot when
	// nothing changed.
	StreamInterval time.Duration
}

type Handler struct {
	queue          JobQueue
	retrier        Retrier
	submissions    Submissions
	database       Database
	mirror         JobMirror
	stats          StatsSource
	probe          RuntimeProbe
	pool           PoolStatus
	authorizer     auth.Authorizer
	metrics        *metrics.Sink
	log            *logrus.Entry
	upgrader       websocket.Upgrader
	streamInterval time.Duration
}

type AdmitRequest struct {
	SubmissionID string `json:"submission_id"`
}

type JobResponse struct {
	JobID        string     `json:"jobId"`
	SubmissionID string     `json:"submissionId"`
	State        string     `json:"state"`
	RetryCount   int        `json:"retryCount"`
	Position     int        `json:"position,omitempty"`
	Error        string     `json:"error,omitempty"`
	EnqueuedAt   *time.Time `json:"enqueuedAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// StatusResponse reports where a submission's evaluation stands.
// EstimatedTime is advisory, in milliseconds.
type StatusResponse struct {
	SubmissionID  string     `json:"submissionId"`
	JobID         string     `json:"jobId,omitempty"`
	State         string     `json:"state"`
	Position      *int       `json:"position,omitempty"`
	EstimatedTime *int64     `json:"estimatedTime,omitempty"`
	Score         *float64   `json:"score,omitempty"`
	Logs          string     `json:"logs,omitempty"`
	Error         string     `json:"error,omitempty"`
	RetryCount    int        `json:"retryCount"`
	Source        string     `json:"source"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

type HealthResponse struct {
	Status   string        `json:"status"`
	Runtime  RuntimeHealth `json:"runtime"`
	Database string        `json:"database,omitempty"`
	Intake   string        `json:"intake"`
	Busy     int           `json:"busy"`
}

type RuntimeHealth struct {
	Installed     bool   `json:"installed"`
	DaemonReady   bool   `json:"daemonReady"`
	ClientVersion string `json:"clientVersion,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`
}

func NewHandler(deps Deps) *Handler {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	authorizer := deps.Authorizer
	if authorizer == nil {
		authorizer = auth.Open{}
	}
	interval := deps.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Handler{
		queue:       deps.Queue,
		retrier:     deps.Retrier,
		submissions: deps.Submissions,
		database:    deps.Database,
		mirror:      deps.Mirror,
		stats:       deps.Stats,
		probe:       deps.Probe,
		pool:        deps.Pool,
		authorizer:  authorizer,
		metrics:     deps.Metrics,
		log:         logging.Component(log, "api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streamInterval: interval,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, methodNotAllowed(r))
		return
	}

	resp := HealthResponse{Status: "ok", Intake: "open"}
	if h.probe != nil {
		report := h.probe.Check(r.Context())
		resp.Runtime = RuntimeHealth{
			Installed:     report.Installed,
			DaemonReady:   report.DaemonReady,
			ClientVersion: report.ClientVersion,
			ServerVersion: report.ServerVersion,
		}
		if !report.DaemonReady {
			resp.Status = "degraded"
		}
	}
	if h.database != nil {
		resp.Database = "ok"
		if err := h.database.Ping(r.Context()); err != nil {
			h.log.WithError(err).Warn("database ping failed")
			resp.Database = "unreachable"
			resp.Status = "degraded"
		}
	}
	if h.pool != nil {
		resp.Busy = h.pool.Busy()
		if !h.pool.Available() {
			resp.Status = "degraded"
			resp.Intake = "paused"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Evaluations handles POST /v1/evaluations.
func (h *Handler) Evaluations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, methodNotAllowed(r))
		return
	}
	h.requireOperator(h.admit).ServeHTTP(w, r)
}

func (h *Handler) admit(w http.ResponseWriter, r *http.Request) {
	var payload AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeProblem(w, badRequest(r, "Invalid JSON payload"))
		return
	}
	id := strings.TrimSpace(payload.SubmissionID)
	if id == "" {
		writeProblem(w, missingField(r, "submission_id"))
		return
	}

	sub, err := h.submissions.GetSubmission(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrSubmissionNotFound) {
			writeProblem(w, notFound(r, "submission "+id+" does not exist"))
			return
		}
		h.log.WithError(err).WithField("submission_id", id).Error("load submission")
		writeProblem(w, serverError(r))
		return
	}

	if _, _, err := h.queue.Current(id); errors.Is(err, queue.ErrJobNotFound) {
		// The queue forgets pruned jobs; the store does not.
		_, err := h.submissions.Latest(r.Context(), id)
		switch {
		case err == nil:
			writeProblem(w, conflict(r, "already_evaluated", queue.ErrAlreadyEvaluated))
			return
		case !errors.Is(err, store.ErrResultNotFound):
			h.log.WithError(err).WithField("submission_id", id).Error("load latest result")
			writeProblem(w, serverError(r))
			return
		}
	}

	job, err := h.queue.Admit(sub)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrDuplicateSubmission):
			writeProblem(w, conflict(r, "duplicate_submission", err))
		case errors.Is(err, queue.ErrAlreadyEvaluated):
			writeProblem(w, conflict(r, "already_evaluated", err))
		case errors.Is(err, queue.ErrClosed):
			writeProblem(w, unavailable(r, "the queue is shutting down"))
		default:
			h.log.WithError(err).WithField("submission_id", id).Error("admit submission")
			writeProblem(w, serverError(r))
		}
		return
	}

	h.metrics.Increment("evaluation.admitted")
	h.log.WithFields(logrus.Fields{"job_id": job.ID, "submission_id": id}).Info("submission admitted")
	_, position, _ := h.queue.Current(id)
	resp := jobResponse(job)
	resp.Position = position
	writeJSON(w, http.StatusAccepted, resp)
}

// Evaluation dispatches the routes below /v1/evaluations/{submission_id}.
func (h *Handler) Evaluation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, evaluationsPrefix)
	id, action, _ := strings.Cut(rest, "/")
	if strings.TrimSpace(id) == "" || strings.Contains(action, "/") {
		writeProblem(w, notFound(r, ""))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeProblem(w, methodNotAllowed(r))
			return
		}
		h.status(w, r, id)
	case "history":
		if r.Method != http.MethodGet {
			writeProblem(w, methodNotAllowed(r))
			return
		}
		h.history(w, r, id)
	case "retry":
		if r.Method != http.MethodPost {
			writeProblem(w, methodNotAllowed(r))
			return
		}
		h.requireOperator(func(w http.ResponseWriter, r *http.Request) {
			h.retry(w, r, id)
		}).ServeHTTP(w, r)
	default:
		writeProblem(w, notFound(r, ""))
	}
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, id string) {
	job, position, err := h.queue.Current(id)
	if err == nil {
		writeJSON(w, http.StatusOK, h.statusFromJob(job, position, "queue"))
		return
	}
	if !errors.Is(err, queue.ErrJobNotFound) {
		writeProblem(w, serverError(r))
		return
	}

	if h.mirror != nil {
		job, err := h.mirror.Current(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, h.statusFromJob(job, 0, "mirror"))
			return
		}
		if !errors.Is(err, queue.ErrJobNotFound) {
			h.log.WithError(err).WithField("submission_id", id).Warn("job mirror lookup failed")
		}
	}

	result, err := h.submissions.Latest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrResultNotFound) {
			writeProblem(w, notFound(r, "no evaluation for submission "+id))
			return
		}
		h.log.WithError(err).WithField("submission_id", id).Error("load latest result")
		writeProblem(w, serverError(r))
		return
	}

	resp := StatusResponse{
		SubmissionID: result.SubmissionID,
		JobID:        result.JobID,
		State:        result.State,
		Score:        result.Score,
		Logs:         result.Logs,
		RetryCount:   result.RetryCount,
		Source:       "store",
	}
	if result.FailureReason != nil {
		resp.Error = *result.FailureReason
	}
	finished := result.FinishedAt
	resp.FinishedAt = &finished
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) statusFromJob(job queue.Job, position int, source string) StatusResponse {
	resp := StatusResponse{
		SubmissionID: job.SubmissionID,
		JobID:        job.ID,
		State:        string(job.State),
		Score:        job.Score,
		Logs:         job.Logs,
		Error:        job.Error,
		RetryCount:   job.RetryCount,
		Source:       source,
		FinishedAt:   job.FinishedAt,
	}
	if job.State == queue.StateWaiting && position > 0 {
		resp.Position = &position
		if h.stats != nil {
			if wait := h.stats.EstimateWait(position); wait > 0 {
				ms := wait.Milliseconds()
				resp.EstimatedTime = &ms
			}
		}
	}
	return resp
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, id string) {
	jobs, err := h.queue.History(id)
	if errors.Is(err, queue.ErrJobNotFound) {
		h.archivedHistory(w, r, id)
		return
	}
	if err != nil {
		writeProblem(w, serverError(r))
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

// archivedHistory answers from persisted results once the queue has pruned
// every job of the submission.
func (h *Handler) archivedHistory(w http.ResponseWriter, r *http.Request, id string) {
	results, err := h.submissions.Results(r.Context(), id)
	if err != nil {
		h.log.WithError(err).WithField("submission_id", id).Error("load results")
		writeProblem(w, serverError(r))
		return
	}
	if len(results) == 0 {
		writeProblem(w, notFound(r, "no evaluation for submission "+id))
		return
	}

	resp := make([]JobResponse, 0, len(results))
	for _, result := range results {
		finished := result.FinishedAt
		entry := JobResponse{
			JobID:        result.JobID,
			SubmissionID: result.SubmissionID,
			State:        result.State,
			RetryCount:   result.RetryCount,
			FinishedAt:   &finished,
		}
		if result.FailureReason != nil {
			entry.Error = *result.FailureReason
		}
		resp = append(resp, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.retrier.Retry(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, retry.ErrRetryExhausted):
			writeProblem(w, conflict(r, "retry_exhausted", err))
		case errors.Is(err, retry.ErrNotRetryable):
			writeProblem(w, conflict(r, "not_retryable", err))
		case errors.Is(err, queue.ErrJobNotFound):
			writeProblem(w, notFound(r, "no evaluation for submission "+id))
		case errors.Is(err, queue.ErrClosed):
			writeProblem(w, unavailable(r, "the queue is shutting down"))
		default:
			h.log.WithError(err).WithField("submission_id", id).Error("retry submission")
			writeProblem(w, serverError(r))
		}
		return
	}

	_, position, _ := h.queue.Current(id)
	resp := jobResponse(job)
	resp.Position = position
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, methodNotAllowed(r))
		return
	}
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, methodNotAllowed(r))
		return
	}
	if h.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	gometrics.WriteJSONOnce(h.metrics.Registry(), w)
}

// requireOperator guards next with the configured authorizer.
func (h *Handler) requireOperator(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.authorizer.Authorize(r.Header.Get("Authorization")); err != nil {
			h.metrics.Increment("auth.error")
			if errors.Is(err, auth.ErrInvalidToken) {
				writeProblem(w, forbidden(r))
				return
			}
			p := unauthorized(r)
			if errors.Is(err, auth.ErrMalformedAuth) {
				p.Detail = err.Error()
			}
			writeProblem(w, p)
			return
		}
		h.metrics.Increment("auth.success")
		next(w, r)
	})
}

func jobResponse(job queue.Job) JobResponse {
	enqueued := job.EnqueuedAt
	return JobResponse{
		JobID:        job.ID,
		SubmissionID: job.SubmissionID,
		State:        string(job.State),
		RetryCount:   job.RetryCount,
		Error:        job.Error,
		EnqueuedAt:   &enqueued,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
}
