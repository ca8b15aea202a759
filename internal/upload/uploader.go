// Package upload persists extracted archive entries to the catalog bucket
// under a deterministic key layout. The manifest is all-or-nothing: the
// first unrecoverable failure aborts the remaining uploads so a short
// manifest is never dispatched downstream.
package upload

import (
	"context"
	"log/slog"
	"mime"
	"path"
	"strconv"
	"time"

	"github.com/entrykit/entrybridge/internal/archive"
	"github.com/entrykit/entrybridge/pkg/config"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/metrics"
	"github.com/entrykit/entrybridge/pkg/objectstore"
)

// retryBackoff is the initial wait between retries of a failed put; it
// doubles per attempt.
const retryBackoff = 500 * time.Millisecond

// Record is one successfully stored object.
type Record struct {
	Path       string `json:"path"`
	StorageKey string `json:"storageKey"`
	ETag       string `json:"etag"`
	Size       int64  `json:"sizeBytes"`
}

// Manifest is the ordered set of records for one pipeline run. Order is
// insertion order and is preserved for deterministic dispatch payloads.
type Manifest []Record

// Keys returns the storage keys in manifest order.
func (m Manifest) Keys() []string {
	keys := make([]string, len(m))
	for i, r := range m {
		keys[i] = r.StorageKey
	}
	return keys
}

// ObjectStore issues a single put-object call with session credentials.
type ObjectStore interface {
	Put(ctx context.Context, sess *objectstore.Session, key string, data []byte, contentType string) (string, error)
}

// CredentialSource supplies storage credentials for each put.
type CredentialSource interface {
	Session(ctx context.Context) (*objectstore.Session, error)
}

// Uploader stores archive entries and assembles the manifest.
type Uploader struct {
	cfg        config.StorageConfig
	keyVersion int
	store      ObjectStore
	creds      CredentialSource
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates an Uploader. The metrics argument may be nil.
func New(cfg config.StorageConfig, keyVersion int, store ObjectStore, creds CredentialSource, m *metrics.Metrics) *Uploader {
	return &Uploader{
		cfg:        cfg,
		keyVersion: keyVersion,
		store:      store,
		creds:      creds,
		metrics:    m,
		logger:     slog.Default().With("component", "uploader"),
	}
}

// Upload stores every entry in order and returns the complete manifest.
// Keys are a deterministic function of the document ID, entry path, and the
// key version, so re-running a whole pipeline overwrites the same objects.
// Transient per-object failures are retried a bounded number of times; the
// first exhausted object aborts the run with no manifest.
func (u *Uploader) Upload(ctx context.Context, documentID string, entries []archive.Entry) (Manifest, error) {
	manifest := make(Manifest, 0, len(entries))
	for _, entry := range entries {
		key := u.StorageKey(documentID, entry.Path)
		etag, err := u.putWithRetry(ctx, key, entry)
		if err != nil {
			return nil, err
		}
		manifest = append(manifest, Record{
			Path:       entry.Path,
			StorageKey: key,
			ETag:       etag,
			Size:       entry.Size,
		})
		if u.metrics != nil {
			u.metrics.UploadedObjectsTotal.Inc()
			u.metrics.UploadedBytesTotal.Add(float64(entry.Size))
		}
	}
	u.logger.Info("upload complete", "document_id", documentID, "objects", len(manifest))
	return manifest, nil
}

// StorageKey returns the deterministic object key for one entry.
func (u *Uploader) StorageKey(documentID, entryPath string) string {
	return path.Join(u.cfg.Prefix, documentID, "v"+strconv.Itoa(u.keyVersion), entryPath)
}

func (u *Uploader) putWithRetry(ctx context.Context, key string, entry archive.Entry) (string, error) {
	attempts := u.cfg.UploadRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	backoff := retryBackoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", apperrors.Newf(apperrors.ErrUpload, "upload of %s canceled: %v", key, ctx.Err())
			}
			backoff *= 2
		}
		sess, err := u.creds.Session(ctx)
		if err != nil {
			// Credential failures are fatal to the run, not retried
			// here: writing with the wrong identity must not happen
			// silently.
			return "", err
		}
		etag, err := u.store.Put(ctx, sess, key, entry.Data, contentTypeFor(entry.Path))
		if err != nil {
			lastErr = err
			u.logger.Warn("object put failed",
				"key", key,
				"attempt", i+1,
				"error", err,
			)
			continue
		}
		return etag, nil
	}
	return "", apperrors.Newf(apperrors.ErrUpload, "storing %s failed after %d attempts: %v", key, attempts, lastErr)
}

func contentTypeFor(entryPath string) string {
	if ct := mime.TypeByExtension(path.Ext(entryPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
