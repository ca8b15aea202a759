// Package objectstore wraps the minio S3 client for catalog bucket uploads.
// Clients are built per credential session because the underlying client
// binds its signing keys at construction time.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/entrykit/entrybridge/pkg/config"
)

// Session is one set of temporary storage credentials. A zero ExpiresAt
// marks an ambient (non-assumed) session that never needs refreshing.
type Session struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	ExpiresAt    time.Time
}

// Ambient reports whether the session uses the process's own identity
// rather than assumed-role credentials.
func (s *Session) Ambient() bool {
	return s.ExpiresAt.IsZero()
}

// Store issues put-object calls against the configured bucket.
type Store struct {
	cfg    config.StorageConfig
	logger *slog.Logger

	mu        sync.Mutex
	client    *minio.Client
	clientKey string
}

// New creates a Store for the configured endpoint and bucket.
func New(cfg config.StorageConfig) *Store {
	return &Store{
		cfg:    cfg,
		logger: slog.Default().With("component", "objectstore", "bucket", cfg.Bucket),
	}
}

// Put uploads data under key using the given session's credentials and
// returns the object's ETag.
func (s *Store) Put(ctx context.Context, sess *Session, key string, data []byte, contentType string) (string, error) {
	cli, err := s.clientFor(sess)
	if err != nil {
		return "", err
	}
	info, err := cli.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("putting object %s: %w", key, err)
	}
	s.logger.Debug("object stored", "key", key, "size", len(data), "etag", info.ETag)
	return info.ETag, nil
}

// clientFor returns a minio client signed with the session's credentials,
// reusing the previous client while the session is unchanged.
func (s *Store) clientFor(sess *Session) (*minio.Client, error) {
	cacheKey := sess.AccessKey + "/" + sess.SessionToken

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.clientKey == cacheKey {
		return s.client, nil
	}
	cli, err := minio.New(s.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(sess.AccessKey, sess.SecretKey, sess.SessionToken),
		Secure: s.cfg.UseSSL,
		Region: s.cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	s.client = cli
	s.clientKey = cacheKey
	return cli, nil
}
