// Package notify updates the user-facing status block on the originating
// Entry document. Updates are strictly best-effort: a broken status surface
// must never mask or replace the real pipeline outcome, so every error here
// is logged and swallowed.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/entrykit/entrybridge/internal/export"
	"github.com/entrykit/entrybridge/pkg/config"
	"github.com/entrykit/entrybridge/pkg/metrics"
)

// Phase is a pipeline milestone mirrored onto the status surface. Each run
// emits exactly two updates: Started and one terminal phase.
type Phase string

const (
	PhaseStarted   Phase = "STARTED"
	PhaseCompleted Phase = "COMPLETED"
	PhaseFailed    Phase = "FAILED"
)

// State is one status update. Reason is set only for PhaseFailed.
type State struct {
	Phase  Phase
	Reason string
}

// Started returns the initial status update.
func Started() State { return State{Phase: PhaseStarted} }

// Completed returns the terminal success update.
func Completed() State { return State{Phase: PhaseCompleted} }

// Failed returns the terminal failure update with a human-readable reason.
func Failed(reason string) State { return State{Phase: PhaseFailed, Reason: reason} }

// Notifier posts status updates to the source API.
type Notifier struct {
	cfg        config.SourceConfig
	tokens     export.TokenSource
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Notifier. The metrics argument may be nil.
func New(cfg config.SourceConfig, ts export.TokenSource, m *metrics.Metrics) *Notifier {
	return &Notifier{
		cfg:        cfg,
		tokens:     ts,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		metrics:    m,
		logger:     slog.Default().With("component", "notifier"),
	}
}

// statusPayload is the renderable status block replaced on the document.
type statusPayload struct {
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

// Notify replaces the document's status block with the given state. It
// never returns an error; failures are logged and counted.
func (n *Notifier) Notify(ctx context.Context, documentID string, state State) {
	if err := n.put(ctx, documentID, state); err != nil {
		if n.metrics != nil {
			n.metrics.NotifyFailuresTotal.Inc()
		}
		n.logger.Error("status update failed",
			"document_id", documentID,
			"phase", state.Phase,
			"error", err,
		)
		return
	}
	n.logger.Debug("status updated", "document_id", documentID, "phase", state.Phase)
}

func (n *Notifier) put(ctx context.Context, documentID string, state State) error {
	payload, err := json.Marshal(statusPayload{
		State:     string(state.Phase),
		Message:   state.Reason,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	url := n.cfg.BaseURL + "/documents/" + documentID + "/status"

	for attempt := 0; attempt < 2; attempt++ {
		token, err := n.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			n.tokens.Invalidate()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &statusUpdateError{code: resp.StatusCode}
		}
		return nil
	}
	return nil
}

type statusUpdateError struct {
	code int
}

func (e *statusUpdateError) Error() string {
	return fmt.Sprintf("status surface returned status %d", e.code)
}
