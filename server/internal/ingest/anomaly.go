package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/vigil/pkg/types"
)

// FromAnomaly converts a detector event into a firing AlertEvent.
func FromAnomaly(ev types.AnomalyEvent) types.AlertEvent {
	identity := types.AnomalyIdentity(ev.DetectorName, ev.MetricID)
	observed, baseline := ev.ObservedValue, ev.BaselineValue
	labels := ev.Labels.Clone()
	return types.AlertEvent{
		Fingerprint: types.Fingerprint(identity, labels),
		EventID:     ev.EventID,
		Identity:    identity,
		Severity:    ev.Severity,
		Service:     labels["service"],
		Team:        labels["team"],
		Summary: fmt.Sprintf("%s deviated from baseline (%s %s, score %.2f)",
			ev.MetricID, ev.DetectorKind, ev.DetectorName, ev.DeviationScore),
		Source:    types.SourceAnomaly,
		Labels:    labels,
		StartedAt: ev.DetectedAt,
		Observed:  &observed,
		Baseline:  &baseline,
	}
}

// AnomalyRecovered builds the resolution for an anomaly incident that first
// fired at startedAt. last is the most recent normal sample's value.
func AnomalyRecovered(detectorName, metricID string, labels types.Labels, sev types.Severity,
	startedAt, resolvedAt time.Time, last float64) types.AlertEvent {
	identity := types.AnomalyIdentity(detectorName, metricID)
	labels = labels.Clone()
	end := resolvedAt
	return types.AlertEvent{
		Fingerprint: types.Fingerprint(identity, labels),
		EventID:     uuid.NewString(),
		Identity:    identity,
		Severity:    sev,
		Service:     labels["service"],
		Team:        labels["team"],
		Summary:     fmt.Sprintf("%s returned to baseline (%s)", metricID, detectorName),
		Source:      types.SourceAnomaly,
		Labels:      labels,
		StartedAt:   startedAt,
		ResolvedAt:  &end,
		Observed:    &last,
	}
}
