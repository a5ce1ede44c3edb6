package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}

func TestObserve_ExposedThroughRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}

	ObserveSample("accepted")
	ObserveNotification("slack", false, 50*time.Millisecond)
	ObserveRoute(RouteUnrouted)
	SetSeriesActive(7)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
		if mf.GetName() == "vigil_series_active" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 7 {
				t.Errorf("series_active: got %v, want 7", v)
			}
		}
	}
	for _, name := range []string{"vigil_samples_total", "vigil_notifications_total", "vigil_routed_total", "vigil_notification_seconds", "vigil_series_active"} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
