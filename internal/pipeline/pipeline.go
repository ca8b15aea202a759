// Package pipeline drives one webhook invocation end to end: export the
// document, extract the archive, upload the entries, dispatch the packaging
// job, and report progress. Stages run strictly in sequence; the first
// typed error stops the run and becomes both the failure notification and
// the caller's result.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/entrykit/entrybridge/internal/archive"
	"github.com/entrykit/entrybridge/internal/export"
	"github.com/entrykit/entrybridge/internal/notify"
	"github.com/entrykit/entrybridge/internal/upload"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/logger"
	"github.com/entrykit/entrybridge/pkg/metrics"
)

// Exporter drives the source export job to completion.
type Exporter interface {
	RequestExport(ctx context.Context, documentID string) (*export.Job, error)
	AwaitCompletion(ctx context.Context, job *export.Job) (*export.Job, error)
}

// Extractor downloads and unpacks the completed export.
type Extractor interface {
	Extract(ctx context.Context, downloadURL string) ([]archive.Entry, error)
}

// Uploader persists entries and assembles the manifest.
type Uploader interface {
	Upload(ctx context.Context, documentID string, entries []archive.Entry) (upload.Manifest, error)
}

// Dispatcher publishes the packaging job.
type Dispatcher interface {
	Dispatch(ctx context.Context, documentID string, manifest upload.Manifest) error
}

// Notifier updates the document's status surface; it never fails the run.
type Notifier interface {
	Notify(ctx context.Context, documentID string, state notify.State)
}

// Locker guards against concurrent runs for one document. Optional.
type Locker interface {
	Acquire(ctx context.Context, documentID string) (func(), error)
}

// RunLog records run history. Optional, best-effort.
type RunLog interface {
	Start(ctx context.Context, runID, documentID string)
	Finish(ctx context.Context, runID, jobID, outcome, errText string, manifest upload.Manifest)
}

// Deps are the pipeline's collaborators. Lock, Runs, and Metrics may be nil.
type Deps struct {
	Exporter   Exporter
	Extractor  Extractor
	Uploader   Uploader
	Dispatcher Dispatcher
	Notifier   Notifier
	Lock       Locker
	Runs       RunLog
	Metrics    *metrics.Metrics
}

// Result is the terminal outcome of a successful run.
type Result struct {
	RunID      string   `json:"runId"`
	DocumentID string   `json:"documentId"`
	JobID      string   `json:"jobId"`
	Keys       []string `json:"storageKeys"`
}

// Pipeline executes runs. Safe for concurrent use; each run is independent
// apart from the token and credential caches its collaborators share.
type Pipeline struct {
	deps        Deps
	runDeadline time.Duration
}

// New creates a Pipeline with an overall per-run deadline. A zero deadline
// disables the bound.
func New(deps Deps, runDeadline time.Duration) *Pipeline {
	return &Pipeline{deps: deps, runDeadline: runDeadline}
}

// Run executes the full pipeline for one document.
func (p *Pipeline) Run(ctx context.Context, documentID string) (*Result, error) {
	if documentID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "documentId is required")
	}
	if p.runDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runDeadline)
		defer cancel()
	}
	runID := uuid.NewString()
	log := logger.WithDocument("pipeline", documentID).With("run_id", runID)

	if p.deps.Lock != nil {
		release, err := p.deps.Lock.Acquire(ctx, documentID)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	if p.deps.Runs != nil {
		p.deps.Runs.Start(ctx, runID, documentID)
	}

	log.Info("pipeline started")
	p.deps.Notifier.Notify(ctx, documentID, notify.Started())

	var jobID string
	var runManifest upload.Manifest
	result, err := func() (*Result, error) {
		var job *export.Job
		if err := p.stage("request_export", func() error {
			var err error
			job, err = p.deps.Exporter.RequestExport(ctx, documentID)
			return err
		}); err != nil {
			return nil, err
		}
		jobID = job.ID

		if err := p.stage("await_export", func() error {
			_, err := p.deps.Exporter.AwaitCompletion(ctx, job)
			return err
		}); err != nil {
			return nil, err
		}

		var entries []archive.Entry
		if err := p.stage("extract", func() error {
			var err error
			entries, err = p.deps.Extractor.Extract(ctx, job.DownloadURL)
			return err
		}); err != nil {
			return nil, err
		}

		var manifest upload.Manifest
		if err := p.stage("upload", func() error {
			var err error
			manifest, err = p.deps.Uploader.Upload(ctx, documentID, entries)
			return err
		}); err != nil {
			return nil, err
		}
		runManifest = manifest

		if err := p.stage("dispatch", func() error {
			return p.deps.Dispatcher.Dispatch(ctx, documentID, manifest)
		}); err != nil {
			return nil, err
		}

		return &Result{
			RunID:      runID,
			DocumentID: documentID,
			JobID:      job.ID,
			Keys:       manifest.Keys(),
		}, nil
	}()

	// Terminal reporting runs on its own context: a run that failed by
	// exceeding its deadline must still get its final status update.
	notifyCtx, cancelNotify := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelNotify()

	if err != nil {
		outcome := outcomeFor(err)
		log.Error("pipeline failed", "outcome", outcome, "error", err)
		p.deps.Notifier.Notify(notifyCtx, documentID, notify.Failed(apperrors.Reason(err)))
		if p.deps.Runs != nil {
			p.deps.Runs.Finish(notifyCtx, runID, jobID, outcome, err.Error(), nil)
		}
		if p.deps.Metrics != nil {
			p.deps.Metrics.PipelineRunsTotal.WithLabelValues(outcome).Inc()
		}
		return nil, err
	}

	log.Info("pipeline completed", "objects", len(result.Keys))
	p.deps.Notifier.Notify(notifyCtx, documentID, notify.Completed())
	if p.deps.Runs != nil {
		p.deps.Runs.Finish(notifyCtx, runID, jobID, "completed", "", runManifest)
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.PipelineRunsTotal.WithLabelValues("completed").Inc()
	}
	return result, nil
}

// stage runs one pipeline stage and records its duration.
func (p *Pipeline) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if p.deps.Metrics != nil {
		p.deps.Metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	return err
}

// outcomeFor maps a run error to its metrics/run-log label.
func outcomeFor(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrAuth):
		return "auth_error"
	case errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, apperrors.ErrExport):
		return "export_error"
	case errors.Is(err, apperrors.ErrArchive):
		return "archive_error"
	case errors.Is(err, apperrors.ErrCredential):
		return "credential_error"
	case errors.Is(err, apperrors.ErrUpload):
		return "upload_error"
	case errors.Is(err, apperrors.ErrDispatch):
		return "dispatch_error"
	default:
		return "internal_error"
	}
}
