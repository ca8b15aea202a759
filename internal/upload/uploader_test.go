package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/entrykit/entrybridge/internal/archive"
	"github.com/entrykit/entrybridge/pkg/config"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/objectstore"
)

// fakeStore records puts and can be scripted to fail specific keys a number
// of times or permanently.
type fakeStore struct {
	mu        sync.Mutex
	puts      []string
	failKey   string
	failTimes int // -1 fails forever
}

func (f *fakeStore) Put(ctx context.Context, sess *objectstore.Session, key string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failKey && f.failTimes != 0 {
		if f.failTimes > 0 {
			f.failTimes--
		}
		return "", errors.New("connection reset")
	}
	f.puts = append(f.puts, key)
	return fmt.Sprintf("etag-%d", len(f.puts)), nil
}

type staticCreds struct {
	sess *objectstore.Session
	err  error
}

func (s *staticCreds) Session(ctx context.Context) (*objectstore.Session, error) {
	return s.sess, s.err
}

func uploadConfig() config.StorageConfig {
	return config.StorageConfig{
		Bucket:        "catalog",
		Prefix:        "exports",
		UploadRetries: 1,
	}
}

func testEntries() []archive.Entry {
	return []archive.Entry{
		{Path: "a.txt", Size: 10, Data: make([]byte, 10)},
		{Path: "b/c.txt", Size: 20, Data: make([]byte, 20)},
	}
}

func newTestUploader(store ObjectStore, creds CredentialSource) *Uploader {
	return New(uploadConfig(), 1, store, creds, nil)
}

func TestUploadBuildsCompleteManifest(t *testing.T) {
	store := &fakeStore{}
	creds := &staticCreds{sess: &objectstore.Session{AccessKey: "k"}}
	u := newTestUploader(store, creds)

	manifest, err := u.Upload(context.Background(), "doc-42", testEntries())
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(manifest) != 2 {
		t.Fatalf("manifest = %d records, want 2", len(manifest))
	}
	wantKeys := []string{
		"exports/doc-42/v1/a.txt",
		"exports/doc-42/v1/b/c.txt",
	}
	for i, want := range wantKeys {
		if manifest[i].StorageKey != want {
			t.Errorf("record %d key = %q, want %q", i, manifest[i].StorageKey, want)
		}
	}
	if manifest[0].Path != "a.txt" || manifest[1].Path != "b/c.txt" {
		t.Errorf("manifest paths wrong: %+v", manifest)
	}
	if manifest[0].ETag == "" {
		t.Error("record 0 missing etag")
	}
}

func TestStorageKeyIsDeterministic(t *testing.T) {
	u := newTestUploader(&fakeStore{}, &staticCreds{sess: &objectstore.Session{}})
	first := u.StorageKey("doc-42", "b/c.txt")
	second := u.StorageKey("doc-42", "b/c.txt")
	if first != second {
		t.Errorf("keys differ: %q vs %q", first, second)
	}
	if first != "exports/doc-42/v1/b/c.txt" {
		t.Errorf("key = %q", first)
	}
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	store := &fakeStore{failKey: "exports/doc-42/v1/a.txt", failTimes: 1}
	u := newTestUploader(store, &staticCreds{sess: &objectstore.Session{}})

	start := time.Now()
	manifest, err := u.Upload(context.Background(), "doc-42", testEntries())
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(manifest) != 2 {
		t.Errorf("manifest = %d records, want 2", len(manifest))
	}
	if time.Since(start) < retryBackoff {
		t.Error("retry did not back off")
	}
}

func TestUploadAbortsOnFirstUnrecoverableFailure(t *testing.T) {
	// The second of three entries fails permanently; nothing after it may
	// be uploaded and no manifest is returned.
	entries := append(testEntries(), archive.Entry{Path: "d.txt", Size: 5, Data: make([]byte, 5)})
	store := &fakeStore{failKey: "exports/doc-42/v1/b/c.txt", failTimes: -1}
	u := newTestUploader(store, &staticCreds{sess: &objectstore.Session{}})

	manifest, err := u.Upload(context.Background(), "doc-42", entries)
	if !errors.Is(err, apperrors.ErrUpload) {
		t.Fatalf("error = %v, want ErrUpload", err)
	}
	if manifest != nil {
		t.Errorf("got partial manifest %+v, want nil", manifest)
	}
	for _, key := range store.puts {
		if key == "exports/doc-42/v1/d.txt" {
			t.Error("upload continued past the failed entry")
		}
	}
}

func TestCredentialFailureIsFatal(t *testing.T) {
	creds := &staticCreds{err: apperrors.New(apperrors.ErrCredential, "assume denied")}
	store := &fakeStore{}
	u := newTestUploader(store, creds)

	_, err := u.Upload(context.Background(), "doc-42", testEntries())
	if !errors.Is(err, apperrors.ErrCredential) {
		t.Fatalf("error = %v, want ErrCredential", err)
	}
	if len(store.puts) != 0 {
		t.Errorf("puts = %d, want 0", len(store.puts))
	}
}
