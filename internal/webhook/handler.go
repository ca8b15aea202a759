// Package webhook is the thin HTTP layer in front of the pipeline. It
// accepts already-verified Entry events carrying a document identifier and
// runs the pipeline synchronously, returning the manifest keys or a mapped
// error. Cryptographic signature verification of deliveries is handled
// upstream; the handler only enforces an optional shared-secret header.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/entrykit/entrybridge/internal/pipeline"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/logger"
)

const secretHeader = "X-Entrybridge-Secret"

// Runner executes one pipeline run; *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, documentID string) (*pipeline.Result, error)
}

// Handler serves the webhook endpoint.
type Handler struct {
	runner       Runner
	sharedSecret string
	logger       *slog.Logger
}

// New creates a Handler. An empty sharedSecret disables the header check.
func New(runner Runner, sharedSecret string) *Handler {
	return &Handler{
		runner:       runner,
		sharedSecret: sharedSecret,
		logger:       slog.Default().With("component", "webhook-handler"),
	}
}

// event is the inbound webhook payload.
type event struct {
	DocumentID string `json:"documentId"`
}

// HandleEvent runs the pipeline for the event's document.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if h.sharedSecret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.sharedSecret)) != 1 {
			h.writeError(w, http.StatusUnauthorized, "invalid shared secret")
			return
		}
	}

	var ev event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.DocumentID == "" {
		h.writeError(w, http.StatusBadRequest, "documentId is required")
		return
	}

	result, err := h.runner.Run(ctx, ev.DocumentID)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		log.Error("pipeline run failed",
			"document_id", ev.DocumentID,
			"status_code", status,
			"error", err,
		)
		h.writeJSON(w, status, map[string]string{
			"error":  err.Error(),
			"reason": apperrors.Reason(err),
		})
		return
	}
	log.Info("pipeline run succeeded",
		"document_id", result.DocumentID,
		"job_id", result.JobID,
		"objects", len(result.Keys),
	)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
