package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageClassify, 100)
	w.Observe(StageClassify, 200)
	w.Observe(StageClassify, 300)
	w.Observe("", 50)
	w.Observe(StageDispatch, -1)
	w.ObserveIndicator("forced_dispatch")
	w.ObserveIndicator("forced_dispatch")
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageClassify {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageClassify)
	}
	if s.Samples != 3 || s.LastMS != 300 || s.P50MS != 200 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.P95MS <= 200 || s.P95MS > 300 {
		t.Fatalf("P95MS = %.2f, want (200,300]", s.P95MS)
	}
	if s.TargetP95MS != 450 {
		t.Fatalf("TargetP95MS = %.2f, want 450", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe(StageDispatch, float64(i))
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	if s.AvgMS != 8.5 {
		t.Fatalf("AvgMS = %.2f, want 8.5", s.AvgMS)
	}

	w.Reset()
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after reset = %d, want 0", got)
	}
}

func TestStageWindowDispatchBreakdown(t *testing.T) {
	w := newStageWindow(8)
	w.ObserveDispatch("insights", 10, false)
	w.ObserveDispatch("insights", 30, true)
	w.ObserveDispatch("insights", 20, false)
	w.ObserveDispatch("chat", 5, false)
	w.ObserveDispatch("", 5, true)

	got := w.Snapshot().Dispatches
	if len(got) != 2 {
		t.Fatalf("len(Dispatches) = %d, want 2: %+v", len(got), got)
	}
	chat, insights := got[0], got[1]
	if chat.Capability != "chat" || chat.Samples != 1 || chat.Share != 0.25 || chat.Failures != 0 {
		t.Fatalf("chat stats = %+v", chat)
	}
	if insights.Capability != "insights" || insights.Samples != 3 || insights.Failures != 1 {
		t.Fatalf("insights stats = %+v", insights)
	}
	if insights.Share != 0.75 || insights.P50MS != 20 || insights.LastMS != 20 {
		t.Fatalf("insights stats = %+v", insights)
	}

	w.Reset()
	if got := w.Snapshot().Dispatches; len(got) != 0 {
		t.Fatalf("Dispatches after reset = %+v, want none", got)
	}
}

func TestMetricsIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("tides_test", reg)
	m.Requests.WithLabelValues("insights", "heuristic").Inc()
	m.ObserveDispatch("insights", 12*time.Millisecond, false)

	if got := m.SnapshotStages().Stages[0].Stage; got != StageDispatch {
		t.Fatalf("stage = %q, want %q", got, StageDispatch)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `tides_test_requests_total{capability="insights",path="heuristic"} 1`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}

	// A second set on its own registry must not collide.
	_ = NewMetrics("tides_test", prometheus.NewRegistry())

	var nilMetrics *Metrics
	nilMetrics.ObserveStage(StageClassify, time.Millisecond)
}
