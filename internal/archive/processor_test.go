package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	apperrors "github.com/entrykit/entrybridge/pkg/errors"
)

// buildZip assembles an in-memory zip from name/content pairs, in order.
func buildZip(t *testing.T, files [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f[0])
		if err != nil {
			t.Fatalf("creating zip entry %q: %v", f[0], err)
		}
		if _, err := w.Write([]byte(f[1])); err != nil {
			t.Fatalf("writing zip entry %q: %v", f[0], err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

func buildTarGz(t *testing.T, files [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f[0],
			Mode:     0o644,
			Size:     int64(len(f[1])),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing tar header %q: %v", f[0], err)
		}
		if _, err := tw.Write([]byte(f[1])); err != nil {
			t.Fatalf("writing tar entry %q: %v", f[0], err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip: %v", err)
	}
	return buf.Bytes()
}

func serveBytes(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractZip(t *testing.T) {
	payload := buildZip(t, [][2]string{
		{"a.txt", "hello a"},
		{"b/c.txt", "content of b/c"},
	})
	srv := serveBytes(t, payload)

	entries, err := New(5*time.Second).Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Path != "a.txt" || string(entries[0].Data) != "hello a" {
		t.Errorf("entry 0 = %q (%q)", entries[0].Path, entries[0].Data)
	}
	if entries[1].Path != "b/c.txt" || string(entries[1].Data) != "content of b/c" {
		t.Errorf("entry 1 = %q (%q)", entries[1].Path, entries[1].Data)
	}
	if entries[1].Size != int64(len("content of b/c")) {
		t.Errorf("entry 1 size = %d", entries[1].Size)
	}
}

func TestExtractTarGz(t *testing.T) {
	payload := buildTarGz(t, [][2]string{
		{"./notes.md", "# notes"},
		{"data/run.csv", "x,y\n1,2\n"},
	})
	srv := serveBytes(t, payload)

	entries, err := New(5*time.Second).Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Path != "notes.md" {
		t.Errorf("entry 0 path = %q, want notes.md", entries[0].Path)
	}
}

func TestExtractSkipsDirectories(t *testing.T) {
	payload := buildZip(t, [][2]string{
		{"dir/", ""},
		{"dir/file.txt", "inside"},
	})
	srv := serveBytes(t, payload)

	entries, err := New(5*time.Second).Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "dir/file.txt" {
		t.Fatalf("entries = %+v, want only dir/file.txt", entries)
	}
}

func TestExtractFailsOnDuplicatePaths(t *testing.T) {
	payload := buildZip(t, [][2]string{
		{"same.txt", "one"},
		{"same.txt", "two"},
	})
	srv := serveBytes(t, payload)

	_, err := New(5*time.Second).Extract(context.Background(), srv.URL)
	if !errors.Is(err, apperrors.ErrArchive) {
		t.Fatalf("error = %v, want ErrArchive", err)
	}
}

func TestExtractFailsOnEmptyArchive(t *testing.T) {
	// Directory entries only: a recognisable zip with zero file entries.
	payload := buildZip(t, [][2]string{{"dir/", ""}})
	srv := serveBytes(t, payload)

	_, err := New(5*time.Second).Extract(context.Background(), srv.URL)
	if !errors.Is(err, apperrors.ErrArchive) {
		t.Fatalf("error = %v, want ErrArchive", err)
	}
}

func TestExtractFailsOnGarbage(t *testing.T) {
	srv := serveBytes(t, []byte("this is not an archive"))

	_, err := New(5*time.Second).Extract(context.Background(), srv.URL)
	if !errors.Is(err, apperrors.ErrArchive) {
		t.Fatalf("error = %v, want ErrArchive", err)
	}
}

func TestExtractTimesOutOnStalledDownload(t *testing.T) {
	// The server accepts the request and never writes. The processor's
	// own timeout must cut the download even with an unbounded context.
	stall := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-stall
	}))
	defer srv.Close()
	defer close(stall)

	start := time.Now()
	_, err := New(100 * time.Millisecond).Extract(context.Background(), srv.URL)
	if !errors.Is(err, apperrors.ErrArchive) {
		t.Fatalf("error = %v, want ErrArchive", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("download blocked for %s despite timeout", elapsed)
	}
}

func TestExtractFailsOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(5*time.Second).Extract(context.Background(), srv.URL)
	if !errors.Is(err, apperrors.ErrArchive) {
		t.Fatalf("error = %v, want ErrArchive", err)
	}
}
