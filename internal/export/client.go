package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/entrykit/entrybridge/pkg/config"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
)

// TokenSource supplies bearer tokens for source API calls and is invalidated
// when a call comes back 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client calls the source API's export endpoints.
type Client struct {
	cfg        config.SourceConfig
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient creates a source API client using tokens from ts.
func NewClient(cfg config.SourceConfig, ts TokenSource) *Client {
	return &Client{
		cfg:        cfg,
		tokens:     ts,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// jobState mirrors the source API's export job representation.
type jobState struct {
	JobID       string `json:"jobId"`
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// CreateExport asks the source API to start an export for documentID and
// returns the assigned job ID.
func (c *Client) CreateExport(ctx context.Context, documentID string) (string, error) {
	body, err := json.Marshal(map[string]string{"documentId": documentID})
	if err != nil {
		return "", fmt.Errorf("marshaling export request: %w", err)
	}
	var state jobState
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.BaseURL+"/exports", body, &state); err != nil {
		return "", err
	}
	if state.JobID == "" {
		return "", apperrors.New(apperrors.ErrExport, "export accepted without a job id")
	}
	return state.JobID, nil
}

// GetExport fetches the current state of an export job.
func (c *Client) GetExport(ctx context.Context, jobID string) (*jobState, error) {
	var state jobState
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.BaseURL+"/exports/"+jobID, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// doJSON issues one authenticated request and decodes the JSON response.
// A 401 triggers a single token invalidation and retry; a second 401
// surfaces as an auth error.
func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, url, requestBody(body))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("calling %s %s: %w", method, url, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if attempt == 0 {
				c.tokens.Invalidate()
				continue
			}
			return apperrors.Newf(apperrors.ErrAuth, "%s %s unauthorized after token refresh", method, url)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", url, err)
		}
		return nil
	}
	return nil
}

func requestBody(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// statusError is a non-2xx source API response. 5xx responses are treated
// as transient by the poll loop.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("source API returned status %d", e.code)
	}
	return fmt.Sprintf("source API returned status %d: %s", e.code, e.body)
}

// transient reports whether the error is a retryable poll failure.
// Network-level failures and 5xx responses are transient; everything else
// (auth errors, 4xx) is not.
func transient(err error) bool {
	if errors.Is(err, apperrors.ErrAuth) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}
