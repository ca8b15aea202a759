package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTimeoutPassesFastRequests(t *testing.T) {
	h := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("done"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "done" {
		t.Errorf("response = %d %q", rec.Code, rec.Body)
	}
}

func TestTimeoutAnswersForStalledHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := Timeout(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "server timeout") {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestTimeoutDoesNotClobberWrittenResponse(t *testing.T) {
	// The handler replies just before the deadline; the middleware must
	// not append its own reply on top.
	h := Timeout(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"already running"}`))
		<-r.Context().Done()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "server timeout") {
		t.Errorf("timeout reply appended to real response: %q", rec.Body)
	}
}
