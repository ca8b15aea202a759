// Package archive downloads a completed export and extracts its entries
// entirely in memory. The deployment target has no guaranteed writable
// temporary storage, so the payload never touches a filesystem.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	apperrors "github.com/entrykit/entrybridge/pkg/errors"
)

// Entry is one file extracted from the export archive. Data is exclusively
// owned by the caller once yielded.
type Entry struct {
	Path string
	Size int64
	Data []byte
}

// Processor fetches and extracts export archives.
type Processor struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Processor whose downloads, headers through last body byte,
// are bounded by downloadTimeout. The run deadline may be disabled in
// config, so the download must carry its own bound.
func New(downloadTimeout time.Duration) *Processor {
	return &Processor{
		httpClient: &http.Client{Timeout: downloadTimeout},
		logger:     slog.Default().With("component", "archive-processor"),
	}
}

// Extract streams the archive at downloadURL into memory and returns its
// entries in archive order. The result is a finite single pass; a retry
// must re-download. Fails when the payload is not a recognisable archive,
// contains zero file entries, or repeats an entry path.
func (p *Processor) Extract(ctx context.Context, downloadURL string) ([]Entry, error) {
	buf, err := p.download(ctx, downloadURL)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	switch {
	case bytes.HasPrefix(buf, zipMagic):
		entries, err = extractZip(buf)
	case bytes.HasPrefix(buf, gzipMagic):
		entries, err = extractTarGz(buf)
	default:
		return nil, apperrors.New(apperrors.ErrArchive, "payload is not a zip or gzip archive")
	}
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.New(apperrors.ErrArchive, "archive contains no file entries")
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Path]; dup {
			return nil, apperrors.Newf(apperrors.ErrArchive, "duplicate entry path %q", e.Path)
		}
		seen[e.Path] = struct{}{}
	}
	p.logger.Info("archive extracted", "entries", len(entries), "bytes", len(buf))
	return entries, nil
}

var (
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	gzipMagic = []byte{0x1f, 0x8b}
)

func (p *Processor) download(ctx context.Context, downloadURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrArchive, "building download request: %v", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrArchive, "downloading archive: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.Newf(apperrors.ErrArchive, "download returned status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, apperrors.Newf(apperrors.ErrArchive, "reading archive stream: %v", err)
	}
	return buf.Bytes(), nil
}

func extractZip(buf []byte) ([]Entry, error) {
	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrArchive, "opening zip: %v", err)
	}
	var entries []Entry
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrArchive, "opening zip entry %q: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrArchive, "reading zip entry %q: %v", f.Name, err)
		}
		entries = append(entries, Entry{
			Path: cleanPath(f.Name),
			Size: int64(len(data)),
			Data: data,
		})
	}
	return entries, nil
}

func extractTarGz(buf []byte) ([]Entry, error) {
	gz, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrArchive, "opening gzip stream: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var entries []Entry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrArchive, "reading tar header: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrArchive, "reading tar entry %q: %v", hdr.Name, err)
		}
		entries = append(entries, Entry{
			Path: cleanPath(hdr.Name),
			Size: int64(len(data)),
			Data: data,
		})
	}
	return entries, nil
}

// cleanPath normalises an archive member name to a forward-slash relative
// path without leading "./" segments.
func cleanPath(name string) string {
	name = strings.TrimPrefix(name, "./")
	return strings.TrimPrefix(name, "/")
}
