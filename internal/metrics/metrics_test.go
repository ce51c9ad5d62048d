package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"Batches", m.Batches},
		{"BatchDuration", m.BatchDuration},
		{"Waves", m.Waves},
		{"TaskExecutions", m.TaskExecutions},
		{"TaskDuration", m.TaskDuration},
		{"TasksDeferred", m.TasksDeferred},
		{"AgentWorkload", m.AgentWorkload},
		{"AgentHealthy", m.AgentHealthy},
		{"ProbeFailures", m.ProbeFailures},
		{"Heals", m.Heals},
		{"Assignments", m.Assignments},
		{"ReleaseDrift", m.ReleaseDrift},
		{"BreakerTransitions", m.BreakerTransitions},
	}
	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic registering metrics twice on one registry")
		}
	}()
	New(reg)
}

func TestObservers(t *testing.T) {
	_, m := NewRegistry()

	m.ObserveBatch("completed", 2*time.Second)
	m.ObserveWave()
	m.ObserveWave()
	m.ObserveTask("a1", "completed", 100*time.Millisecond)
	m.ObserveTask("a1", "failed", 100*time.Millisecond)
	m.ObserveDeferred()
	m.ObserveAssignment("a1", "least_loaded", 3)
	m.ObserveReleaseDrift()
	m.ObserveProbe("a1", false)
	m.ObserveProbe("a1", false)
	m.ObserveBreaker("a1", "open")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"batches completed", testutil.ToFloat64(m.Batches.WithLabelValues("completed")), 1},
		{"waves", testutil.ToFloat64(m.Waves), 2},
		{"tasks completed", testutil.ToFloat64(m.TaskExecutions.WithLabelValues("a1", "completed")), 1},
		{"tasks failed", testutil.ToFloat64(m.TaskExecutions.WithLabelValues("a1", "failed")), 1},
		{"deferred", testutil.ToFloat64(m.TasksDeferred), 1},
		{"assignments", testutil.ToFloat64(m.Assignments.WithLabelValues("a1", "least_loaded")), 1},
		{"workload", testutil.ToFloat64(m.AgentWorkload.WithLabelValues("a1")), 3},
		{"drift", testutil.ToFloat64(m.ReleaseDrift), 1},
		{"probe failures", testutil.ToFloat64(m.ProbeFailures.WithLabelValues("a1")), 2},
		{"unhealthy gauge", testutil.ToFloat64(m.AgentHealthy.WithLabelValues("a1")), 0},
		{"breaker", testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("a1", "open")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	m.ObserveHeal("a1")
	if got := testutil.ToFloat64(m.AgentHealthy.WithLabelValues("a1")); got != 1 {
		t.Errorf("healthy gauge after heal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Heals.WithLabelValues("a1")); got != 1 {
		t.Errorf("heals = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveBatch("failed", time.Second)
	m.ObserveWave()
	m.ObserveTask("a", "completed", time.Second)
	m.ObserveDeferred()
	m.ObserveAssignment("a", "scored", 1)
	m.SetWorkload("a", 0)
	m.ObserveReleaseDrift()
	m.ObserveProbe("a", false)
	m.ObserveHeal("a")
	m.ObserveBreaker("a", "open")
}

func TestHandler(t *testing.T) {
	reg, m := NewRegistry()
	m.ObserveWave()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "swarm_waves_total 1") {
		t.Errorf("metrics output missing swarm_waves_total:\n%s", body)
	}
}
