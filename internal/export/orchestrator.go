package export

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/entrykit/entrybridge/pkg/config"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/metrics"
)

// Orchestrator requests export jobs and polls them to a terminal state.
type Orchestrator struct {
	client  *Client
	cfg     config.ExportConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewOrchestrator creates an Orchestrator. The metrics argument may be nil.
func NewOrchestrator(client *Client, cfg config.ExportConfig, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		client:  client,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "export-orchestrator"),
	}
}

// RequestExport starts an export for documentID. On success the returned
// job is Running and carries the source-assigned job ID.
func (o *Orchestrator) RequestExport(ctx context.Context, documentID string) (*Job, error) {
	job := &Job{DocumentID: documentID, Status: StatusRequested}
	jobID, err := o.client.CreateExport(ctx, documentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrAuth) || errors.Is(err, apperrors.ErrExport) {
			return job, err
		}
		return job, apperrors.Newf(apperrors.ErrExport, "requesting export for %s: %v", documentID, err)
	}
	job.ID = jobID
	job.Status = StatusRunning
	o.logger.Info("export requested", "document_id", documentID, "job_id", jobID)
	return job, nil
}

// AwaitCompletion polls the job until the source API reports a terminal
// state or the configured deadline elapses. Transient poll failures are
// retried under the same backoff schedule; they never fail the job. The
// returned job's status is Succeeded, Failed, or TimedOut, and the error is
// non-nil for the latter two.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, job *Job) (*Job, error) {
	deadline := time.Now().Add(o.cfg.Deadline)
	interval := o.cfg.PollInitialInterval

	for {
		state, err := o.poll(ctx, job)
		if err != nil {
			return job, err
		}
		if state != nil {
			switch state.Status {
			case "SUCCEEDED":
				job.Status = StatusSucceeded
				job.DownloadURL = state.DownloadURL
				o.logger.Info("export succeeded",
					"job_id", job.ID,
					"attempts", job.Attempts,
				)
				return job, nil
			case "FAILED":
				job.Status = StatusFailed
				job.Reason = state.Reason
				return job, apperrors.Newf(apperrors.ErrExport, "source reported export failure: %s", state.Reason)
			}
		}

		if !time.Now().Add(interval).Before(deadline) {
			job.Status = StatusTimedOut
			return job, apperrors.Newf(apperrors.ErrTimeout, "export %s not finished after %s", job.ID, o.cfg.Deadline)
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			job.Status = StatusTimedOut
			return job, apperrors.Newf(apperrors.ErrTimeout, "export wait canceled: %v", ctx.Err())
		}
		interval *= 2
		if interval > o.cfg.PollMaxInterval {
			interval = o.cfg.PollMaxInterval
		}
	}
}

// poll issues one status request. A transient failure returns (nil, nil) so
// the loop backs off and tries again; a non-transient failure is final.
func (o *Orchestrator) poll(ctx context.Context, job *Job) (*jobState, error) {
	job.Attempts++
	if o.metrics != nil {
		o.metrics.ExportPollsTotal.Inc()
	}
	state, err := o.client.GetExport(ctx, job.ID)
	if err != nil {
		// A context expiring mid-request is deadline exhaustion, not a
		// source-API failure: the job is still running as far as the
		// source knows.
		if ctx.Err() != nil {
			job.Status = StatusTimedOut
			return nil, apperrors.Newf(apperrors.ErrTimeout, "export %s poll interrupted: %v", job.ID, ctx.Err())
		}
		if transient(err) {
			o.logger.Warn("export poll failed, retrying",
				"job_id", job.ID,
				"attempt", job.Attempts,
				"error", err,
			)
			return nil, nil
		}
		if errors.Is(err, apperrors.ErrAuth) {
			return nil, err
		}
		return nil, apperrors.Newf(apperrors.ErrExport, "polling export %s: %v", job.ID, err)
	}
	return state, nil
}
