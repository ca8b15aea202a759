// Package dispatch publishes the packaging-job message that tells the
// downstream catalog builder which objects make up one export.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/entrykit/entrybridge/internal/upload"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/kafka"
)

// Message is the packaging-job payload. Objects preserve manifest order.
type Message struct {
	DocumentID   string          `json:"documentId"`
	Objects      []upload.Record `json:"objects"`
	DispatchedAt time.Time       `json:"dispatchedAt"`
}

// Publisher is the queue client; *kafka.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Dispatcher publishes exactly one message per successful pipeline run.
type Dispatcher struct {
	publisher Publisher
	logger    *slog.Logger
}

// New creates a Dispatcher over the given publisher.
func New(publisher Publisher) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		logger:    slog.Default().With("component", "dispatcher"),
	}
}

// Dispatch serialises the manifest and publishes it keyed by document ID.
// It relies on the queue client's own transient-error retry; a failure here
// means uploads stand but packaging will not occur, which the caller
// reports as a pipeline failure.
func (d *Dispatcher) Dispatch(ctx context.Context, documentID string, manifest upload.Manifest) error {
	msg := Message{
		DocumentID:   documentID,
		Objects:      manifest,
		DispatchedAt: time.Now().UTC(),
	}
	if err := d.publisher.Publish(ctx, kafka.Event{Key: documentID, Value: msg}); err != nil {
		return apperrors.Newf(apperrors.ErrDispatch, "publishing packaging job for %s: %v", documentID, err)
	}
	d.logger.Info("packaging job dispatched", "document_id", documentID, "objects", len(manifest))
	return nil
}
