package types

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Severity is the ordinal incident classification: info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of s. Unknown values rank as warning.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityCritical:
		return 2
	default:
		return 1
	}
}

// ParseSeverity maps a free-form severity string onto the three known levels.
// Anything unrecognised becomes warning.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit", "page", "error", "high", "fatal":
		return SeverityCritical
	case "info", "informational", "low", "none":
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// Labels is a label set. Iteration order of the map is irrelevant; use Keys,
// Pairs or String for a deterministic order.
type Labels map[string]string

// Keys returns the label names in ascending order.
func (l Labels) Keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the labels as {a="1",b="2"} with keys sorted. Values are
// Go-quoted; keys that are not plain identifiers are quoted too, so distinct
// label sets never render alike.
func (l Labels) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range l.Keys() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quoteName(k))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(l[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// quoteName returns s unchanged if it is a Prometheus-style name and quoted
// otherwise.
func quoteName(s string) string {
	if s == "" {
		return `""`
	}
	for i, r := range s {
		switch {
		case r == '_' || r == ':' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9' && i > 0:
		default:
			return strconv.Quote(s)
		}
	}
	return s
}

// Clone returns an independent copy of l.
func (l Labels) Clone() Labels {
	if l == nil {
		return Labels{}
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// MetricSample is one timestamped scalar observation of a series.
type MetricSample struct {
	MetricID  string    `json:"metric_id"`
	Labels    Labels    `json:"labels"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// SeriesKey identifies the series a sample belongs to.
func (s MetricSample) SeriesKey() string {
	return quoteName(s.MetricID) + s.Labels.String()
}

// DetectorKind names a detection algorithm.
type DetectorKind string

const (
	DetectorEWMA       DetectorKind = "ewma"
	DetectorZScore     DetectorKind = "zscore"
	DetectorPercentile DetectorKind = "percentile"
)

// AnomalyEvent is emitted by a detector when a sample deviates from the
// series baseline. It is never modified after emission.
type AnomalyEvent struct {
	EventID        string       `json:"event_id"`
	MetricID       string       `json:"metric_id"`
	Labels         Labels       `json:"labels"`
	DetectorKind   DetectorKind `json:"detector_kind"`
	DetectorName   string       `json:"detector_name"`
	ObservedValue  float64      `json:"observed_value"`
	BaselineValue  float64      `json:"baseline_value"`
	DeviationScore float64      `json:"deviation_score"`
	Severity       Severity     `json:"severity"`
	DetectedAt     time.Time    `json:"detected_at"`
	WindowStart    time.Time    `json:"window_start"`
	WindowEnd      time.Time    `json:"window_end"`
}

// Source values for AlertEvent.Source.
const (
	SourceAnomaly  = "anomaly"
	SourceExternal = "external"
)

// AlertEvent is the normalised incident shape consumed by suppression,
// routing, notification and annotation.
type AlertEvent struct {
	Fingerprint string   `json:"fingerprint"`
	EventID     string   `json:"event_id"`
	Identity    string   `json:"identity"` // anomaly/<detector>/<metric_id> for anomalies, alertname for external alerts
	Severity    Severity `json:"severity"`
	Service     string   `json:"service,omitempty"`
	Team        string   `json:"team,omitempty"`
	Summary     string   `json:"summary"`
	Source      string   `json:"source"`
	Labels      Labels   `json:"labels"`

	StartedAt  time.Time  `json:"started_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// Observed and Baseline are set for anomalies only.
	Observed *float64 `json:"observed,omitempty"`
	Baseline *float64 `json:"baseline,omitempty"`

	// OccurrenceCount is filled in by the suppression engine.
	OccurrenceCount int `json:"occurrence_count"`

	// Digest marks a window-boundary summary of suppressed occurrences.
	Digest bool `json:"digest,omitempty"`
}

// Resolved reports whether the event closes its incident.
func (e AlertEvent) Resolved() bool { return e.ResolvedAt != nil }

// Status returns "resolved" or "firing".
func (e AlertEvent) Status() string {
	if e.Resolved() {
		return "resolved"
	}
	return "firing"
}
