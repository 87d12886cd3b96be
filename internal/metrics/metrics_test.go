package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test_total", "test counter", nil)

	if c.Value() != 0 {
		t.Errorf("expected 0, got %d", c.Value())
	}

	c.Inc()
	c.Inc()
	c.Add(3)

	if c.Value() != 5 {
		t.Errorf("expected 5, got %d", c.Value())
	}
	if c.Type() != TypeCounter {
		t.Errorf("expected counter type, got %s", c.Type())
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("test_gauge", "test gauge", nil)

	g.Set(10)
	g.Inc()
	g.Dec()
	g.Add(-3)

	if g.Value() != 7 {
		t.Errorf("expected 7, got %d", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("test_seconds", "test histogram", nil, []float64{0.1, 1, 10})

	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)
	h.Observe(50)

	if h.Count() != 4 {
		t.Errorf("expected 4 observations, got %d", h.Count())
	}
	if h.Sum() != 55.55 {
		t.Errorf("expected sum 55.55, got %f", h.Sum())
	}
	if mean := h.Mean(); mean < 13.8 || mean > 13.9 {
		t.Errorf("unexpected mean %f", mean)
	}
}

func TestHistogramTimer(t *testing.T) {
	h := NewHistogram("timed_seconds", "timer test", nil, nil)

	timer := h.Timer()
	time.Sleep(5 * time.Millisecond)
	d := timer.Stop()

	if d <= 0 {
		t.Error("expected positive duration")
	}
	if h.Count() != 1 {
		t.Errorf("expected 1 observation, got %d", h.Count())
	}
}

func TestRegistryNaming(t *testing.T) {
	r := NewRegistry("encounterd", "sync")
	c := r.RegisterCounter("pushes_total", "pushes", nil)

	if c.Name() != "encounterd_sync_pushes_total" {
		t.Errorf("unexpected full name: %s", c.Name())
	}
}

func TestRegistryIdempotentRegister(t *testing.T) {
	r := NewRegistry("test", "")

	c1 := r.RegisterCounter("things_total", "things", nil)
	c1.Inc()
	c2 := r.RegisterCounter("things_total", "things", nil)

	if c1 != c2 {
		t.Error("re-registering should return the same counter")
	}
	if c2.Value() != 1 {
		t.Errorf("expected 1, got %d", c2.Value())
	}
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("test", "")
	r.RegisterCounter("events_total", "total events", nil).Add(7)
	r.RegisterGauge("depth", "queue depth", nil).Set(3)

	var sb strings.Builder
	if err := r.WritePrometheus(&sb); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}

	out := sb.String()
	if !strings.Contains(out, "# TYPE test_events_total counter") {
		t.Errorf("missing counter TYPE line:\n%s", out)
	}
	if !strings.Contains(out, "test_events_total 7") {
		t.Errorf("missing counter value:\n%s", out)
	}
	if !strings.Contains(out, "test_depth 3") {
		t.Errorf("missing gauge value:\n%s", out)
	}
}

func TestRegistrySnapshotAndReset(t *testing.T) {
	r := NewRegistry("test", "")
	c := r.RegisterCounter("ops_total", "ops", nil)
	c.Add(9)

	snap := r.Snapshot()
	if snap["test_ops_total"] != uint64(9) {
		t.Errorf("unexpected snapshot value: %v", snap["test_ops_total"])
	}

	r.Reset()
	if c.Value() != 0 {
		t.Errorf("expected 0 after reset, got %d", c.Value())
	}
}

func TestEncounterdMetrics(t *testing.T) {
	m := NewEncounterdMetrics(NewRegistry("encounterd", ""))

	m.RecordSighting()
	m.RecordSighting()
	m.RecordInteraction()
	m.RecordSyncPush(10*time.Millisecond, true)
	m.RecordSyncPush(20*time.Millisecond, false)
	m.RecordEvictions(3)
	m.RecordRetentionSweep(5, time.Millisecond)
	m.SetPresentPeers(2)
	m.DiscoveryStarted()

	snap := m.Snapshot()
	if snap["sightings_total"] != uint64(2) {
		t.Errorf("expected 2 sightings, got %v", snap["sightings_total"])
	}
	if snap["interactions_recorded_total"] != uint64(1) {
		t.Errorf("expected 1 interaction, got %v", snap["interactions_recorded_total"])
	}
	if snap["sync_push_success_total"] != uint64(1) {
		t.Errorf("expected 1 success, got %v", snap["sync_push_success_total"])
	}
	if snap["sync_push_failure_total"] != uint64(1) {
		t.Errorf("expected 1 failure, got %v", snap["sync_push_failure_total"])
	}
	if snap["presence_evictions_total"] != uint64(3) {
		t.Errorf("expected 3 evictions, got %v", snap["presence_evictions_total"])
	}
	if snap["retention_deleted_total"] != uint64(5) {
		t.Errorf("expected 5 deleted, got %v", snap["retention_deleted_total"])
	}
	if snap["present_peers"] != int64(2) {
		t.Errorf("expected 2 present peers, got %v", snap["present_peers"])
	}
	if snap["discovery_active"] != int64(1) {
		t.Errorf("expected discovery active, got %v", snap["discovery_active"])
	}

	m.DiscoveryStopped()
	if m.DiscoveryActive.Value() != 0 {
		t.Error("expected discovery inactive after stop")
	}
}
