package notify

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

// defaultLinkLead pads the dashboard time range around the incident.
const defaultLinkLead = 15 * time.Minute

// Message is the channel-independent rendering of an event.
type Message struct {
	Title string
	Text  string
	Link  string
	Event types.AlertEvent
}

// Render builds the shared message for ev. dashboardURL may be empty.
func Render(ev types.AlertEvent, dashboardURL string) Message {
	status := strings.ToUpper(ev.Status())
	if ev.Digest {
		status = "DIGEST"
	}
	title := fmt.Sprintf("%s %s: %s", severityLabel(ev.Severity), status, ev.Identity)

	var b strings.Builder
	b.WriteString(ev.Summary)
	if ev.Observed != nil && ev.Baseline != nil {
		fmt.Fprintf(&b, "\nobserved %s vs baseline %s", formatValue(*ev.Observed), formatValue(*ev.Baseline))
	} else if ev.Observed != nil {
		fmt.Fprintf(&b, "\nobserved %s", formatValue(*ev.Observed))
	}
	if ev.Service != "" {
		fmt.Fprintf(&b, "\nservice: %s", ev.Service)
	}
	fmt.Fprintf(&b, "\noccurrences: %d", max(ev.OccurrenceCount, 1))
	link := deepLink(dashboardURL, ev)
	if link != "" {
		fmt.Fprintf(&b, "\ndashboard: %s", link)
	}

	return Message{Title: title, Text: b.String(), Link: link, Event: ev}
}

// deepLink appends the fingerprint and a time range to the dashboard URL.
func deepLink(base string, ev types.AlertEvent) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("var-fingerprint", ev.Fingerprint)
	if !ev.StartedAt.IsZero() {
		from := ev.StartedAt.Add(-defaultLinkLead)
		q.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
		if ev.ResolvedAt != nil {
			q.Set("to", strconv.FormatInt(ev.ResolvedAt.Add(defaultLinkLead).UnixMilli(), 10))
		} else {
			q.Set("to", "now")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func severityLabel(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "[CRITICAL]"
	case types.SeverityWarning:
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "FF4F6A"
	case types.SeverityWarning:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
