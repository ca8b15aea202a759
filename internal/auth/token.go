// Package auth manages the OAuth bearer token for the Entry source API.
// The token is a process-wide cache shared by every concurrently running
// pipeline: callers read it optimistically and concurrent refreshes collapse
// into a single client-credentials exchange.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/entrykit/entrybridge/pkg/config"
	apperrors "github.com/entrykit/entrybridge/pkg/errors"
	"github.com/entrykit/entrybridge/pkg/metrics"
)

// exchangeBackoff is the wait between retries of a failed token exchange.
const exchangeBackoff = 500 * time.Millisecond

// TokenManager caches an OAuth bearer token obtained via the
// client-credentials grant and refreshes it before expiry.
type TokenManager struct {
	cfg        config.SourceConfig
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	group      singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// New creates a TokenManager using the configured token endpoint and client
// credentials. The metrics argument may be nil.
func New(cfg config.SourceConfig, m *metrics.Metrics) *TokenManager {
	return &TokenManager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		metrics:    m,
		logger:     slog.Default().With("component", "token-manager"),
	}
}

// Token returns a bearer token valid for at least the configured margin.
// A cached token is returned without a network call; otherwise one exchange
// is performed with concurrent callers blocking on the same in-flight call.
func (t *TokenManager) Token(ctx context.Context) (string, error) {
	t.mu.RLock()
	token, expiresAt := t.token, t.expiresAt
	t.mu.RUnlock()
	if token != "" && time.Now().Before(expiresAt.Add(-t.cfg.TokenMargin)) {
		return token, nil
	}

	v, err, _ := t.group.Do("exchange", func() (any, error) {
		// Re-check under the flight: a caller that queued behind a
		// completed refresh uses the fresh token.
		t.mu.RLock()
		token, expiresAt := t.token, t.expiresAt
		t.mu.RUnlock()
		if token != "" && time.Now().Before(expiresAt.Add(-t.cfg.TokenMargin)) {
			return token, nil
		}
		return t.exchange(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate discards the cached token so the next Token call performs a
// fresh exchange. API callers invoke it after receiving a 401.
func (t *TokenManager) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
	t.logger.Debug("cached token invalidated")
}

// exchange performs the client-credentials grant with a bounded number of
// retries and stores the resulting token.
func (t *TokenManager) exchange(ctx context.Context) (string, error) {
	attempts := t.cfg.TokenRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(exchangeBackoff):
			case <-ctx.Done():
				return "", apperrors.Newf(apperrors.ErrAuth, "token exchange canceled: %v", ctx.Err())
			}
		}
		token, expiresIn, err := t.requestToken(ctx)
		if err != nil {
			lastErr = err
			t.logger.Warn("token exchange failed", "attempt", i+1, "error", err)
			continue
		}
		expiresAt := time.Now().Add(expiresIn)
		t.mu.Lock()
		t.token = token
		t.expiresAt = expiresAt
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.TokenRefreshesTotal.Inc()
		}
		t.logger.Info("token refreshed", "expires_at", expiresAt.UTC().Format(time.RFC3339))
		return token, nil
	}
	return "", apperrors.Newf(apperrors.ErrAuth, "token exchange failed after %d attempts: %v", attempts, lastErr)
}

// tokenResponse is the OAuth token endpoint's success payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (t *TokenManager) requestToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.cfg.ClientID},
		"client_secret": {t.cfg.ClientSecret},
	}
	if t.cfg.Tenant != "" {
		form.Set("tenant", t.cfg.Tenant)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", 0, fmt.Errorf("token endpoint returned empty access_token")
	}
	expiresIn := time.Duration(body.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return body.AccessToken, expiresIn, nil
}
