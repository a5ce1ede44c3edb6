package detect

import (
	"math"
	"testing"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// noise cycles deterministically through 100±1.
var noise = []float64{99, 100, 101, 100}

func sample(i int, v float64) types.MetricSample {
	return types.MetricSample{
		MetricID:  "http_latency_ms",
		Labels:    types.Labels{"service": "checkout"},
		Timestamp: t0.Add(time.Duration(i) * time.Second),
		Value:     v,
	}
}

func mustEvaluator(t *testing.T, d config.Detector) Evaluator {
	t.Helper()
	s, err := NewStrategy(d)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	return s.NewEvaluator()
}

func ewmaCfg() config.Detector {
	return config.Detector{Name: "lat", Algorithm: config.AlgorithmEWMA, Alpha: 0.3, Threshold: 3, WarmUpCount: 10}
}

func zscoreCfg() config.Detector {
	return config.Detector{Name: "lat-z", Algorithm: config.AlgorithmZScore, WindowSize: 60, Threshold: 3, WarmUpCount: 10}
}

func percentileCfg() config.Detector {
	return config.Detector{Name: "lat-p99", Algorithm: config.AlgorithmPercentile, WindowSize: 200, Percentile: 99, Margin: 0.1, WarmUpCount: 10}
}

// feed runs values through ev starting at index start and returns the events.
func feed(ev Evaluator, start int, values []float64) []types.AnomalyEvent {
	var out []types.AnomalyEvent
	for i, v := range values {
		if e, ok := ev.Evaluate(sample(start+i, v)); ok {
			out = append(out, e)
		}
	}
	return out
}

func repeatNoise(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = noise[i%len(noise)]
	}
	return out
}

func TestEWMA_StepProducesSingleEvent(t *testing.T) {
	ev := mustEvaluator(t, ewmaCfg())

	if got := feed(ev, 0, repeatNoise(50)); len(got) != 0 {
		t.Fatalf("steady noise produced %d events, want 0", len(got))
	}

	spike := feed(ev, 50, []float64{150})
	if len(spike) != 1 {
		t.Fatalf("spike produced %d events, want 1", len(spike))
	}
	e := spike[0]
	if e.ObservedValue != 150 {
		t.Errorf("observed: got %v, want 150", e.ObservedValue)
	}
	if math.Abs(e.BaselineValue-100) > 1 {
		t.Errorf("baseline: got %v, want ≈100", e.BaselineValue)
	}
	if e.Severity != types.SeverityCritical {
		t.Errorf("severity: got %s, want critical (score %v)", e.Severity, e.DeviationScore)
	}
	if e.DetectorKind != types.DetectorEWMA || e.DetectorName != "lat" {
		t.Errorf("detector: got %s/%s", e.DetectorKind, e.DetectorName)
	}
	if e.EventID == "" {
		t.Error("expected a non-empty event id")
	}
	if !e.DetectedAt.Equal(t0.Add(50*time.Second)) || !e.WindowEnd.Equal(e.DetectedAt) {
		t.Errorf("timestamps: detected=%v end=%v", e.DetectedAt, e.WindowEnd)
	}

	if got := feed(ev, 51, repeatNoise(50)); len(got) != 0 {
		t.Errorf("post-spike samples produced %d events, want 0", len(got))
	}
}

func TestDetectors_ConstantSeriesNeverAnomalous(t *testing.T) {
	for _, d := range []config.Detector{ewmaCfg(), zscoreCfg(), percentileCfg()} {
		t.Run(d.Algorithm, func(t *testing.T) {
			ev := mustEvaluator(t, d)
			vals := make([]float64, 500)
			for i := range vals {
				vals[i] = 42.5
			}
			if got := feed(ev, 0, vals); len(got) != 0 {
				t.Errorf("constant series produced %d events", len(got))
			}
		})
	}
}

func TestDetectors_NoSignalDuringWarmUp(t *testing.T) {
	for _, d := range []config.Detector{ewmaCfg(), zscoreCfg(), percentileCfg()} {
		t.Run(d.Algorithm, func(t *testing.T) {
			ev := mustEvaluator(t, d)
			// 5 samples (< warm-up of 10) followed by a wild value.
			vals := append(repeatNoise(5), 10000)
			if got := feed(ev, 0, vals); len(got) != 0 {
				t.Errorf("warm-up produced %d events", len(got))
			}
		})
	}
}

func TestDetectors_IgnoreNonFinite(t *testing.T) {
	for _, d := range []config.Detector{ewmaCfg(), zscoreCfg(), percentileCfg()} {
		t.Run(d.Algorithm, func(t *testing.T) {
			ev := mustEvaluator(t, d)
			feed(ev, 0, repeatNoise(40))
			vals := []float64{math.NaN(), math.Inf(1), math.Inf(-1)}
			if got := feed(ev, 40, vals); len(got) != 0 {
				t.Errorf("non-finite values produced %d events", len(got))
			}
			if got := feed(ev, 43, repeatNoise(8)); len(got) != 0 {
				t.Errorf("baseline corrupted by non-finite values: %d events", len(got))
			}
		})
	}
}

func TestZScore_Spike(t *testing.T) {
	ev := mustEvaluator(t, zscoreCfg())
	if got := feed(ev, 0, repeatNoise(60)); len(got) != 0 {
		t.Fatalf("steady noise produced %d events", len(got))
	}
	spike := feed(ev, 60, []float64{150})
	if len(spike) != 1 {
		t.Fatalf("spike produced %d events, want 1", len(spike))
	}
	if spike[0].DetectorKind != types.DetectorZScore {
		t.Errorf("kind: got %s", spike[0].DetectorKind)
	}
	if math.Abs(spike[0].BaselineValue-100) > 1e-9 {
		t.Errorf("baseline: got %v, want 100", spike[0].BaselineValue)
	}
	if !spike[0].WindowStart.Equal(t0) {
		t.Errorf("window start: got %v, want %v", spike[0].WindowStart, t0)
	}
	if got := feed(ev, 61, repeatNoise(120)); len(got) != 0 {
		t.Errorf("post-spike samples produced %d events", len(got))
	}
}

func TestZScore_NegativeDeviation(t *testing.T) {
	ev := mustEvaluator(t, zscoreCfg())
	feed(ev, 0, repeatNoise(60))
	got := feed(ev, 60, []float64{50})
	if len(got) != 1 {
		t.Fatalf("drop produced %d events, want 1", len(got))
	}
	if got[0].DeviationScore >= 0 {
		t.Errorf("score: got %v, want negative", got[0].DeviationScore)
	}
}

func TestZScore_RollingSumsStayAccurate(t *testing.T) {
	z := newZScore(eventBase{threshold: 3}, 10, 3, 0)
	for i := 0; i < 1000; i++ {
		z.Evaluate(sample(i, 1e6+float64(i%3)*0.1))
	}
	mean, _ := z.stats()
	// After 1000 pushes the window holds the last 10 of the cycle.
	var want float64
	for i := 990; i < 1000; i++ {
		want += 1e6 + float64(i%3)*0.1
	}
	want /= 10
	if math.Abs(mean-want) > 1e-6 {
		t.Errorf("mean: got %v, want %v", mean, want)
	}
}

func TestPercentile_ThresholdAndSeverity(t *testing.T) {
	steady := make([]float64, 50)
	for i := range steady {
		steady[i] = 100 + float64(i%10) // 100..109, p99 = 109
	}

	cases := []struct {
		name  string
		value float64
		want  types.Severity // empty means no event
	}{
		{"below limit", 115, ""}, // limit is 109 * 1.1 = 119.9
		{"above limit", 125, types.SeverityWarning},
		{"far above limit", 300, types.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := mustEvaluator(t, percentileCfg())
			if got := feed(ev, 0, steady); len(got) != 0 {
				t.Fatalf("steady values produced %d events", len(got))
			}
			got := feed(ev, 50, []float64{tc.value})
			if tc.want == "" {
				if len(got) != 0 {
					t.Errorf("got %d events, want 0", len(got))
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("got %d events, want 1", len(got))
			}
			if got[0].Severity != tc.want {
				t.Errorf("severity: got %s, want %s", got[0].Severity, tc.want)
			}
			if got[0].BaselineValue != 109 {
				t.Errorf("baseline: got %v, want 109", got[0].BaselineValue)
			}
		})
	}
}

func TestPercentile_SortedBufferEvictsOldest(t *testing.T) {
	p := newPercentile(eventBase{threshold: 1}, 4, 50, 0.1, 0)
	for i, v := range []float64{5, 1, 3, 2, 4, 6} {
		p.Evaluate(sample(i, v))
	}
	want := []float64{2, 3, 4, 6}
	if len(p.sorted) != len(want) {
		t.Fatalf("sorted: got %v, want %v", p.sorted, want)
	}
	for i := range want {
		if p.sorted[i] != want[i] {
			t.Fatalf("sorted: got %v, want %v", p.sorted, want)
		}
	}
	if q := p.Quantile(); q != 3.5 {
		t.Errorf("median: got %v, want 3.5", q)
	}
}

func TestStrategy_PinnedSeverity(t *testing.T) {
	d := ewmaCfg()
	d.Severity = "info"
	ev := mustEvaluator(t, d)
	feed(ev, 0, repeatNoise(50))
	got := feed(ev, 50, []float64{150})
	if len(got) != 1 || got[0].Severity != types.SeverityInfo {
		t.Fatalf("got %+v, want one info event", got)
	}
}

func TestNewStrategies(t *testing.T) {
	ss, err := NewStrategies([]config.Detector{ewmaCfg(), zscoreCfg(), percentileCfg()})
	if err != nil {
		t.Fatalf("NewStrategies: %v", err)
	}
	if ss[1].Kind() != types.DetectorZScore || ss[1].Name() != "lat-z" {
		t.Errorf("order not preserved: %s/%s", ss[1].Kind(), ss[1].Name())
	}
	if _, err := NewStrategies([]config.Detector{{Name: "x", Algorithm: "holt"}}); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}
