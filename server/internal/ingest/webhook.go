package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/vigil/pkg/types"
)

// ErrMalformed is returned for payloads that cannot be mapped to an AlertEvent.
var ErrMalformed = errors.New("ingest: malformed alert payload")

// Alert is one externally raised alert in Alertmanager webhook shape.
// AlertName may be given at the top level or as the "alertname" label.
type Alert struct {
	AlertName    string            `json:"alertname,omitempty"`
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
}

// group is the Alertmanager notification envelope.
type group struct {
	Alerts []Alert `json:"alerts"`
}

// ParseWebhook decodes body into one or more AlertEvents. now stamps events
// that omit startsAt, and resolutions that omit endsAt.
//
// Any malformed alert rejects the whole payload; the returned error wraps
// ErrMalformed.
func ParseWebhook(body []byte, now time.Time) ([]types.AlertEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var alerts []Alert
	switch trimmed[0] {
	case '{':
		// An object is either a group envelope or a single alert.
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if _, ok := fields["alerts"]; ok {
			var g group
			if err := json.Unmarshal(trimmed, &g); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			alerts = g.Alerts
		} else {
			var a Alert
			if err := json.Unmarshal(trimmed, &a); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			alerts = []Alert{a}
		}
	case '[':
		if err := json.Unmarshal(trimmed, &alerts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	default:
		return nil, fmt.Errorf("%w: expected a JSON object or array", ErrMalformed)
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("%w: no alerts", ErrMalformed)
	}

	out := make([]types.AlertEvent, 0, len(alerts))
	for i, a := range alerts {
		ev, err := FromAlert(a, now)
		if err != nil {
			return nil, fmt.Errorf("alert %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// FromAlert maps one external alert onto an AlertEvent.
func FromAlert(a Alert, now time.Time) (types.AlertEvent, error) {
	name := a.AlertName
	if name == "" {
		name = a.Labels["alertname"]
	}
	if name == "" {
		return types.AlertEvent{}, fmt.Errorf("%w: alertname is required", ErrMalformed)
	}

	status := strings.ToLower(a.Status)
	switch status {
	case "firing", "resolved":
	case "":
		status = "firing"
	default:
		return types.AlertEvent{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, a.Status)
	}

	// alertname is the identity; keeping it in the label set would hash it twice.
	labels := make(types.Labels, len(a.Labels))
	for k, v := range a.Labels {
		if k == "alertname" {
			continue
		}
		labels[k] = v
	}

	started := a.StartsAt
	if started.IsZero() {
		started = now
	}

	ev := types.AlertEvent{
		Fingerprint: types.Fingerprint(name, labels),
		EventID:     uuid.NewString(),
		Identity:    name,
		Severity:    types.ParseSeverity(labels["severity"]),
		Service:     labels["service"],
		Team:        labels["team"],
		Summary:     summaryOf(name, a.Annotations),
		Source:      types.SourceExternal,
		Labels:      labels,
		StartedAt:   started,
	}

	if status == "resolved" {
		end := a.EndsAt
		if end.IsZero() {
			end = now
		}
		if end.Before(started) {
			return types.AlertEvent{}, fmt.Errorf("%w: endsAt precedes startsAt", ErrMalformed)
		}
		ev.ResolvedAt = &end
	}
	return ev, nil
}

func summaryOf(name string, ann map[string]string) string {
	for _, k := range []string{"summary", "description", "message"} {
		if v := strings.TrimSpace(ann[k]); v != "" {
			return v
		}
	}
	return name
}
