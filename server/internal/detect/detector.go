package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
)

// Evaluator is the contract shared by all detection algorithms.
// Evaluate never blocks and runs in amortised constant time per sample.
type Evaluator interface {
	Evaluate(s types.MetricSample) (types.AnomalyEvent, bool)
}

// Strategy is a configured detector that can stamp out per-series Evaluators.
type Strategy struct {
	cfg  config.Detector
	kind types.DetectorKind
}

// NewStrategy validates d and returns a Strategy for it.
func NewStrategy(d config.Detector) (*Strategy, error) {
	var kind types.DetectorKind
	switch d.Algorithm {
	case config.AlgorithmEWMA:
		kind = types.DetectorEWMA
	case config.AlgorithmZScore:
		kind = types.DetectorZScore
	case config.AlgorithmPercentile:
		kind = types.DetectorPercentile
	default:
		return nil, fmt.Errorf("detect: unknown algorithm %q", d.Algorithm)
	}
	return &Strategy{cfg: d, kind: kind}, nil
}

// NewStrategies builds one Strategy per configured detector, preserving order.
func NewStrategies(dets []config.Detector) ([]*Strategy, error) {
	out := make([]*Strategy, 0, len(dets))
	for _, d := range dets {
		s, err := NewStrategy(d)
		if err != nil {
			return nil, fmt.Errorf("detector %q: %w", d.Name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Name returns the configured detector name.
func (s *Strategy) Name() string { return s.cfg.Name }

// Kind returns the detector algorithm.
func (s *Strategy) Kind() types.DetectorKind { return s.kind }

// Config returns the detector configuration the strategy was built from.
func (s *Strategy) Config() config.Detector { return s.cfg }

// Matches reports whether the strategy applies to metricID.
func (s *Strategy) Matches(metricID string) bool { return s.cfg.Matches(metricID) }

// NewEvaluator returns fresh, empty per-series state for this strategy.
func (s *Strategy) NewEvaluator() Evaluator {
	base := eventBase{
		name:     s.cfg.Name,
		kind:     s.kind,
		severity: s.cfg.Severity,
	}
	switch s.kind {
	case types.DetectorZScore:
		base.threshold = s.cfg.Threshold
		return newZScore(base, s.cfg.WindowSize, s.cfg.Threshold, s.cfg.WarmUpCount)
	case types.DetectorPercentile:
		base.threshold = percentileSeverityUnit
		return newPercentile(base, s.cfg.WindowSize, s.cfg.Percentile, s.cfg.Margin, s.cfg.WarmUpCount)
	default:
		base.threshold = s.cfg.Threshold
		return newEWMA(base, s.cfg.Alpha, s.cfg.Threshold, s.cfg.WarmUpCount)
	}
}

// eventBase carries what every algorithm needs to build an AnomalyEvent.
type eventBase struct {
	name      string
	kind      types.DetectorKind
	severity  string // pinned severity; empty derives it from the score
	threshold float64
}

func (b eventBase) event(s types.MetricSample, baseline, score float64, windowStart time.Time) types.AnomalyEvent {
	return types.AnomalyEvent{
		EventID:        uuid.NewString(),
		MetricID:       s.MetricID,
		Labels:         s.Labels.Clone(),
		DetectorKind:   b.kind,
		DetectorName:   b.name,
		ObservedValue:  s.Value,
		BaselineValue:  baseline,
		DeviationScore: score,
		Severity:       b.severityFor(score),
		DetectedAt:     s.Timestamp,
		WindowStart:    windowStart,
		WindowEnd:      s.Timestamp,
	}
}

// severityFor is critical at twice the threshold, warning otherwise.
func (b eventBase) severityFor(score float64) types.Severity {
	if b.severity != "" {
		return types.ParseSeverity(b.severity)
	}
	if math.Abs(score) >= 2*b.threshold {
		return types.SeverityCritical
	}
	return types.SeverityWarning
}

// zeroSpread reports whether sigma is indistinguishable from zero relative to
// the magnitude of mean.
func zeroSpread(sigma, mean float64) bool {
	return sigma <= 1e-9*math.Max(1, math.Abs(mean))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
