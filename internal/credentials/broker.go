// Package credentials vends temporary object-store credentials for a
// configured assume-role target. The cached session is process-wide shared
// state: readers take it optimistically and stale readers collapse into a
// single refresh. With no role configured the broker hands out the ambient
// static identity instead, so the pipeline works without cross-account
// delegation.
package credentials

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/singleflight"

	"github.com/entrykit/entrybridge/pkg/config"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/metrics"
	"github.com/entrykit/entrybridge/pkg/objectstore"
)

// AssumeFunc performs one assume-role call and returns the fresh session.
type AssumeFunc func(ctx context.Context) (*objectstore.Session, error)

// Broker caches an assumed-role session and refreshes it before expiry.
type Broker struct {
	cfg     config.StorageConfig
	assume  AssumeFunc
	metrics *metrics.Metrics
	logger  *slog.Logger
	group   singleflight.Group

	mu      sync.RWMutex
	session *objectstore.Session
}

// New creates a Broker for the configured storage settings. The metrics
// argument may be nil.
func New(cfg config.StorageConfig, m *metrics.Metrics) *Broker {
	b := &Broker{
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "credential-broker"),
	}
	b.assume = b.stsAssume
	return b
}

// newBroker is the test seam: it accepts an arbitrary assume function.
func newBroker(cfg config.StorageConfig, assume AssumeFunc) *Broker {
	b := &Broker{
		cfg:    cfg,
		logger: slog.Default().With("component", "credential-broker"),
	}
	b.assume = assume
	return b
}

// Session returns credentials valid for at least the configured refresh
// margin. With no role ARN configured it returns the ambient session.
// Replacement of the cached session is atomic: concurrent callers observe
// either the old still-valid session or the new one.
func (b *Broker) Session(ctx context.Context) (*objectstore.Session, error) {
	if b.cfg.RoleARN == "" {
		return b.ambient(), nil
	}

	b.mu.RLock()
	sess := b.session
	b.mu.RUnlock()
	if sess != nil && time.Now().Before(sess.ExpiresAt.Add(-b.cfg.RefreshMargin)) {
		return sess, nil
	}

	v, err, _ := b.group.Do("assume", func() (any, error) {
		b.mu.RLock()
		sess := b.session
		b.mu.RUnlock()
		if sess != nil && time.Now().Before(sess.ExpiresAt.Add(-b.cfg.RefreshMargin)) {
			return sess, nil
		}

		fresh, err := b.assume(ctx)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrCredential, "assuming role %s: %v", b.cfg.RoleARN, err)
		}
		b.mu.Lock()
		b.session = fresh
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.RoleAssumptionsTotal.Inc()
		}
		b.logger.Info("role assumed",
			"role_arn", b.cfg.RoleARN,
			"expires_at", fresh.ExpiresAt.UTC().Format(time.RFC3339),
		)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*objectstore.Session), nil
}

// ambient returns the process's own static identity. Its zero ExpiresAt
// marks it as never needing refresh.
func (b *Broker) ambient() *objectstore.Session {
	b.mu.RLock()
	sess := b.session
	b.mu.RUnlock()
	if sess != nil {
		return sess
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		b.session = &objectstore.Session{
			AccessKey: b.cfg.AccessKey,
			SecretKey: b.cfg.SecretKey,
		}
	}
	return b.session
}

// stsAssume performs the assume-role exchange against the configured STS
// endpoint using the process's static identity.
func (b *Broker) stsAssume(ctx context.Context) (*objectstore.Session, error) {
	provider := &miniocreds.STSAssumeRole{
		Client:      &http.Client{Timeout: 30 * time.Second},
		STSEndpoint: b.cfg.STSEndpoint,
		Options: miniocreds.STSAssumeRoleOptions{
			AccessKey:       b.cfg.AccessKey,
			SecretKey:       b.cfg.SecretKey,
			RoleARN:         b.cfg.RoleARN,
			RoleSessionName: b.cfg.SessionName,
			DurationSeconds: int(b.cfg.SessionDuration.Seconds()),
			Location:        b.cfg.Region,
		},
	}
	value, err := miniocreds.New(provider).Get()
	if err != nil {
		return nil, err
	}
	return &objectstore.Session{
		AccessKey:    value.AccessKeyID,
		SecretKey:    value.SecretAccessKey,
		SessionToken: value.SessionToken,
		ExpiresAt:    time.Now().Add(b.cfg.SessionDuration),
	}, nil
}
