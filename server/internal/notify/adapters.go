package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

// Adapter sends one rendered message to one destination.
type Adapter interface {
	Send(ctx context.Context, msg Message) error
}

// StatusError is returned when a webhook answers with a non-2xx status.
type StatusError struct {
	Code       int
	RetryAfter time.Duration // from a Retry-After header, if any
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned HTTP %d", e.Code)
}

// poster is the shared JSON-over-HTTP transport used by webhook adapters.
type poster struct {
	url    string
	client *http.Client
}

func (p poster) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &StatusError{
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	return nil
}

type slackAdapter struct{ poster }

func (a slackAdapter) Send(ctx context.Context, msg Message) error {
	return a.post(ctx, map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", msg.Title, msg.Text),
	})
}

type teamsAdapter struct{ poster }

func (a teamsAdapter) Send(ctx context.Context, msg Message) error {
	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(msg.Event.Severity),
		"summary":    msg.Event.Identity,
		"title":      msg.Title,
		"text":       msg.Text,
	}
	if msg.Link != "" {
		card["potentialAction"] = []map[string]any{{
			"@type":   "OpenUri",
			"name":    "Open dashboard",
			"targets": []map[string]string{{"os": "default", "uri": msg.Link}},
		}}
	}
	return a.post(ctx, card)
}

// pagerdutyAdapter speaks the Events API v2.
type pagerdutyAdapter struct {
	poster
	routingKey string
}

func (a pagerdutyAdapter) Send(ctx context.Context, msg Message) error {
	ev := msg.Event
	action := "trigger"
	if ev.Resolved() {
		action = "resolve"
	}
	source := ev.Service
	if source == "" {
		source = ev.Identity
	}
	payload := map[string]any{
		"routing_key":  a.routingKey,
		"event_action": action,
		"dedup_key":    ev.Fingerprint,
		"payload": map[string]any{
			"summary":        msg.Title,
			"severity":       pagerdutySeverity(ev.Severity),
			"source":         source,
			"timestamp":      ev.StartedAt.Format(time.RFC3339),
			"custom_details": map[string]any{"text": msg.Text, "labels": ev.Labels, "occurrences": ev.OccurrenceCount},
		},
	}
	if msg.Link != "" {
		payload["links"] = []map[string]string{{"href": msg.Link, "text": "Dashboard"}}
	}
	return a.post(ctx, payload)
}

func pagerdutySeverity(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "critical"
	case types.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

type httpAdapter struct{ poster }

func (a httpAdapter) Send(ctx context.Context, msg Message) error {
	return a.post(ctx, map[string]any{
		"title":  msg.Title,
		"text":   msg.Text,
		"link":   msg.Link,
		"status": msg.Event.Status(),
		"event":  msg.Event,
	})
}

// logAdapter writes the message to the structured log. It never fails.
type logAdapter struct {
	channel string
}

func (a logAdapter) Send(_ context.Context, msg Message) error {
	slog.Info("notify: "+msg.Title,
		"channel", a.channel,
		"fingerprint", msg.Event.Fingerprint,
		"status", msg.Event.Status(),
		"occurrences", msg.Event.OccurrenceCount,
		"text", msg.Text,
	)
	return nil
}
