// Package runlock prevents two concurrent pipeline runs for the same
// document. Webhook delivery is at-least-once, so close duplicates are
// expected; the lock turns them into a conflict instead of a double export.
package runlock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/redis"
)

const keyPrefix = "entrybridge:run:"

// Lock is a Redis-backed per-document mutex with a TTL safety net.
type Lock struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Lock with the given TTL. The TTL bounds how long a crashed
// run can block its document.
func New(client *redis.Client, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "run-lock"),
	}
}

// Acquire takes the lock for documentID and returns a release function.
// A held lock yields ErrConflict. Redis being unreachable does not block
// the run: the lock is advisory and the uploads themselves are idempotent.
func (l *Lock) Acquire(ctx context.Context, documentID string) (func(), error) {
	key := keyPrefix + documentID
	holder := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, holder, l.ttl)
	if err != nil {
		l.logger.Warn("run lock unavailable, proceeding without it",
			"document_id", documentID,
			"error", err,
		)
		return func() {}, nil
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrConflict, "document %s is already being processed", documentID)
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.client.Del(ctx, key); err != nil {
			l.logger.Warn("releasing run lock failed, TTL will expire it",
				"document_id", documentID,
				"error", err,
			)
		}
	}
	return release, nil
}
