package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseWebhook_SingleAlert(t *testing.T) {
	body := `{
		"alertname": "HighLatency",
		"status": "firing",
		"labels": {"service": "payments", "team": "core", "severity": "page"},
		"annotations": {"summary": "p99 latency above 2s"},
		"startsAt": "2024-03-01T11:55:00Z"
	}`
	evs, err := ParseWebhook([]byte(body), now)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	ev := evs[0]
	if ev.Identity != "HighLatency" || ev.Source != types.SourceExternal {
		t.Errorf("identity/source: got %q/%q", ev.Identity, ev.Source)
	}
	if ev.Severity != types.SeverityCritical {
		t.Errorf("severity: got %s, want critical", ev.Severity)
	}
	if ev.Service != "payments" || ev.Team != "core" {
		t.Errorf("service/team: got %q/%q", ev.Service, ev.Team)
	}
	if ev.Summary != "p99 latency above 2s" {
		t.Errorf("summary: got %q", ev.Summary)
	}
	if ev.Resolved() {
		t.Error("firing alert must not be resolved")
	}
	if ev.Fingerprint != types.Fingerprint("HighLatency", ev.Labels) {
		t.Errorf("fingerprint mismatch")
	}
}

func TestParseWebhook_AlertmanagerGroup(t *testing.T) {
	body := `{"version":"4","status":"firing","alerts":[
		{"status":"firing","labels":{"alertname":"DiskFull","instance":"a"},"startsAt":"2024-03-01T11:00:00Z"},
		{"status":"resolved","labels":{"alertname":"DiskFull","instance":"b"},"startsAt":"2024-03-01T10:00:00Z","endsAt":"2024-03-01T11:30:00Z"}
	]}`
	evs, err := ParseWebhook([]byte(body), now)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].Identity != "DiskFull" {
		t.Errorf("identity from alertname label: got %q", evs[0].Identity)
	}
	if _, ok := evs[0].Labels["alertname"]; ok {
		t.Error("alertname should not remain in the label set")
	}
	if evs[0].Severity != types.SeverityWarning {
		t.Errorf("missing severity should default to warning, got %s", evs[0].Severity)
	}
	if !evs[1].Resolved() {
		t.Fatal("second alert should be resolved")
	}
	want := time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC)
	if !evs[1].ResolvedAt.Equal(want) {
		t.Errorf("resolved_at: got %v, want %v", evs[1].ResolvedAt, want)
	}
	if evs[0].Fingerprint == evs[1].Fingerprint {
		t.Error("different instances must have different fingerprints")
	}
}

func TestParseWebhook_ResolutionMatchesFiring(t *testing.T) {
	firing := `{"alertname":"X","status":"firing","labels":{"severity":"critical","svc":"a"}}`
	resolved := `{"alertname":"X","status":"resolved","labels":{"svc":"a","severity":"critical"}}`
	f, err := ParseWebhook([]byte(firing), now)
	if err != nil {
		t.Fatal(err)
	}
	r, err := ParseWebhook([]byte(resolved), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if f[0].Fingerprint != r[0].Fingerprint {
		t.Errorf("resolution fingerprint %s != firing %s", r[0].Fingerprint, f[0].Fingerprint)
	}
	if !r[0].ResolvedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("missing endsAt should default to now, got %v", r[0].ResolvedAt)
	}
}

func TestParseWebhook_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"not json":         `alert!`,
		"scalar":           `42`,
		"no alerts":        `{"alerts":[]}`,
		"no alertname":     `{"status":"firing","labels":{"a":"b"}}`,
		"bad status":       `{"alertname":"X","status":"exploded"}`,
		"bad timestamp":    `{"alertname":"X","startsAt":"yesterday"}`,
		"end before start": `{"alertname":"X","status":"resolved","startsAt":"2024-03-01T11:00:00Z","endsAt":"2024-03-01T10:00:00Z"}`,
		"one bad in group": `{"alerts":[{"alertname":"X"},{"status":"firing"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWebhook([]byte(body), now)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("got %v, want ErrMalformed", err)
			}
		})
	}
}

func TestFromAnomaly(t *testing.T) {
	ev := types.AnomalyEvent{
		EventID:        "e1",
		MetricID:       "cpu",
		Labels:         types.Labels{"service": "api", "host": "h1"},
		DetectorKind:   types.DetectorEWMA,
		DetectorName:   "cpu-ewma",
		ObservedValue:  97,
		BaselineValue:  40,
		DeviationScore: 8.5,
		Severity:       types.SeverityCritical,
		DetectedAt:     now,
	}
	a := FromAnomaly(ev)
	if a.Identity != "anomaly/cpu-ewma/cpu" {
		t.Errorf("identity: got %q", a.Identity)
	}
	if a.Observed == nil || *a.Observed != 97 || a.Baseline == nil || *a.Baseline != 40 {
		t.Errorf("observed/baseline not carried: %+v", a)
	}
	if a.Service != "api" || a.Source != types.SourceAnomaly || a.EventID != "e1" {
		t.Errorf("unexpected event: %+v", a)
	}
	if !a.StartedAt.Equal(now) {
		t.Errorf("started_at: got %v", a.StartedAt)
	}

	r := AnomalyRecovered("cpu-ewma", "cpu", ev.Labels, ev.Severity, now, now.Add(5*time.Minute), 41)
	if r.Fingerprint != a.Fingerprint {
		t.Error("recovery must share the anomaly fingerprint")
	}
	if !r.Resolved() || !r.ResolvedAt.Equal(now.Add(5*time.Minute)) {
		t.Errorf("recovery not resolved correctly: %+v", r)
	}
}
