package metrics

import "testing"

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()

	r.IncCounter("requests_total", map[string]string{"kind": "put"}, 1)
	r.IncCounter("requests_total", map[string]string{"kind": "put"}, 2)
	r.IncCounter("requests_total", map[string]string{"kind": "search"}, 1)

	if v, ok := r.Value("requests_total", map[string]string{"kind": "put"}); !ok || v != 3 {
		t.Fatalf("put counter = %v (%v), want 3", v, ok)
	}
	if v, _ := r.Value("requests_total", map[string]string{"kind": "search"}); v != 1 {
		t.Fatalf("search counter = %v, want 1", v)
	}
	if _, ok := r.Value("requests_total", nil); ok {
		t.Fatal("unlabelled series must not exist")
	}
}

func TestRegistry_GaugeOverwrites(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("raft_term", nil, 2)
	r.SetGauge("raft_term", nil, 5)

	if v, _ := r.Value("raft_term", nil); v != 5 {
		t.Fatalf("gauge = %v, want 5", v)
	}
}

func TestRegistry_Histogram(t *testing.T) {
	r := NewRegistry()
	for _, v := range []float64{4, 1, 7} {
		r.ObserveHistogram("apply_seconds", nil, v)
	}

	samples := r.Snapshot()
	if len(samples) != 1 {
		t.Fatalf("expected one series, got %d", len(samples))
	}
	s := samples[0]
	if s.Kind != KindHistogram || s.Count != 3 || s.Sum != 12 || s.Min != 1 || s.Max != 7 || s.Value != 4 {
		t.Fatalf("unexpected histogram sample: %+v", s)
	}
}

func TestRegistry_SnapshotOrderAndLabelCopy(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"peer": "2"}
	r.SetGauge("peer_healthy", labels, 1)
	r.SetGauge("b", nil, 1)
	r.SetGauge("a", nil, 1)

	labels["peer"] = "mutated"

	samples := r.Snapshot()
	names := []string{samples[0].Name, samples[1].Name, samples[2].Name}
	if names[0] != "a" || names[1] != "b" || names[2] != "peer_healthy" {
		t.Fatalf("unexpected order: %v", names)
	}
	if samples[2].Labels["peer"] != "2" {
		t.Fatal("registry must keep its own copy of labels")
	}
}
