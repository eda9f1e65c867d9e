package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	r.ObserveRun("vop_scan", "completed", 20*time.Millisecond)
	r.ObserveRun("vop_scan", "completed", 30*time.Millisecond)
	r.ObserveRun("snapshot", "failed", time.Millisecond)
	r.PopulationCache(true)
	r.PopulationCache(false)
	r.PopulationCache(false)
	r.ResultCache(true)
	r.Generated(5000)
	r.ScanSubmitted()
	r.ScanSubmitted()
	r.ScanFinished()
	r.SetLoadedPolicies(3)
	r.ObserveRequest("POST", "/vop/scan", 200, 5*time.Millisecond)
	r.ObserveRequest("POST", "/vop/scan", 400, time.Millisecond)
	r.ObserveRequest("POST", "/vop/scan", 200, 2*time.Millisecond)

	if got := testutil.ToFloat64(r.runs.WithLabelValues("vop_scan", "completed")); got != 2 {
		t.Errorf("expected 2 completed vop scans, got %v", got)
	}
	if got := testutil.ToFloat64(r.populationCache.WithLabelValues("miss")); got != 2 {
		t.Errorf("expected 2 population misses, got %v", got)
	}
	if got := testutil.ToFloat64(r.generatedRows); got != 5000 {
		t.Errorf("expected 5000 generated rows, got %v", got)
	}
	if got := testutil.ToFloat64(r.pendingScans); got != 1 {
		t.Errorf("expected 1 pending scan, got %v", got)
	}
	if got := testutil.ToFloat64(r.loadedPolicies); got != 3 {
		t.Errorf("expected 3 loaded policies, got %v", got)
	}
	if got := testutil.ToFloat64(r.requests.WithLabelValues("POST", "/vop/scan", "200")); got != 2 {
		t.Errorf("expected 2 successful scan requests, got %v", got)
	}
	if got := testutil.CollectAndCount(r.requestDuration); got != 1 {
		t.Errorf("expected one request duration series, got %d", got)
	}
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.ObserveRun("snapshot", "completed", time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"ipsim_runs_total", "ipsim_run_duration_seconds", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in exposition", name)
		}
	}
}
