package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func upCheck(ctx context.Context) ComponentHealth {
	return ComponentHealth{Status: StatusUp}
}

func downCheck(msg string) Check {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDown, Message: msg}
	}
}

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("kafka", upCheck)
	c.Register("redis", downCheck("connection refused"))
	c.Register("postgres", upCheck)

	report := c.Run(context.Background())
	if report.Status != StatusDown {
		t.Errorf("status = %s, want %s", report.Status, StatusDown)
	}
	if len(report.Components) != 3 {
		t.Errorf("components = %d, want 3", len(report.Components))
	}
	if report.Components["redis"].Message != "connection refused" {
		t.Errorf("redis = %+v", report.Components["redis"])
	}
	if report.Components["kafka"].Latency == "" {
		t.Error("kafka check has no latency")
	}
}

func TestRunAllUp(t *testing.T) {
	c := NewChecker()
	c.Register("kafka", upCheck)
	report := c.Run(context.Background())
	if report.Status != StatusUp {
		t.Errorf("status = %s, want %s", report.Status, StatusUp)
	}
}

func TestRunNoChecks(t *testing.T) {
	// Optional dependencies may leave the checker with only the broker
	// check or none at all; that is healthy, not unknown.
	report := NewChecker().Run(context.Background())
	if report.Status != StatusUp {
		t.Errorf("status = %s, want %s", report.Status, StatusUp)
	}
}

func TestLiveHandlerIgnoresDependencies(t *testing.T) {
	c := NewChecker()
	c.Register("kafka", downCheck("broker gone"))

	rec := httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live status = %d, want 200 while a dependency is down", rec.Code)
	}
}

func TestReadyHandlerReflectsDependencies(t *testing.T) {
	c := NewChecker()
	c.Register("kafka", upCheck)

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d, want 200", rec.Code)
	}

	c.Register("postgres", downCheck("ping failed"))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d, want 503", rec.Code)
	}
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != StatusDown {
		t.Errorf("report status = %s, want %s", report.Status, StatusDown)
	}
}
