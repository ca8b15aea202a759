package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Timeout bounds the whole request, which for the webhook route means one
// full pipeline run. The handler keeps running on its own goroutine after
// the cut-off; the pipeline's run deadline is what actually stops the work,
// this only guarantees the caller gets an answer.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			done := make(chan struct{})
			tw := &timeoutWriter{ResponseWriter: w}
			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				if tw.timeout() {
					slog.Warn("request cut off by server timeout",
						"method", r.Method,
						"path", r.URL.Path,
						"timeout", timeout,
					)
				}
			}
		})
	}
}

// timeoutWriter serialises the handler and the timeout reply onto one
// response: whichever writes first wins, and the loser's output is dropped
// rather than interleaved.
type timeoutWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	written  bool
	timedOut bool
}

// timeout writes the 504 reply unless the handler already responded. It
// reports whether the reply was written.
func (tw *timeoutWriter) timeout() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.written {
		return false
	}
	tw.timedOut = true
	tw.ResponseWriter.Header().Set("Content-Type", "application/json")
	tw.ResponseWriter.WriteHeader(http.StatusGatewayTimeout)
	tw.ResponseWriter.Write([]byte(`{"error":"the run did not finish within the server timeout"}`))
	return true
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	tw.written = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return len(b), nil
	}
	tw.written = true
	return tw.ResponseWriter.Write(b)
}
