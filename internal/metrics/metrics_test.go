package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	m := New()
	m.BuildStarted()
	m.DispatchFailed("start")
	m.EventConsumed("status", "applied")
	m.FrameDropped("hub")
	m.ConnectionOpened()
	m.ObserveRequest(http.MethodPost, "/build/start", http.StatusOK, 20*time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		"statikk_builds_started_total 1",
		`statikk_builds_dispatch_failures_total{action="start"} 1`,
		`statikk_events_consumed_total{kind="status",outcome="applied"} 1`,
		`statikk_live_dropped_frames_total{stage="hub"} 1`,
		"statikk_live_connections 1",
		`statikk_api_http_requests_total{method="POST",route="/build/start",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in scrape output", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.BuildStarted()
	m.EventConsumed("log", "broadcast")
	m.ConnectionClosed()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}
