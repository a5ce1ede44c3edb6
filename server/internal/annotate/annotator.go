package annotate

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
)

// Annotation is one dashboard marker for an incident.
type Annotation struct {
	EventID     string     `json:"event_id"`
	Fingerprint string     `json:"fingerprint"`
	DashboardID string     `json:"dashboard_id"`
	PanelID     int64      `json:"panel_id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Text        string     `json:"text"`
	Tags        []string   `json:"tags"`
	RemoteID    int64      `json:"remote_id"`
}

// Duration is the annotated span; zero for point and still-open annotations.
func (a Annotation) Duration() time.Duration {
	if a.EndTime == nil {
		return 0
	}
	return a.EndTime.Sub(a.StartTime)
}

// Annotator tracks open annotations per fingerprint. Events for one
// fingerprint must be handled in order; different fingerprints may be handled
// concurrently.
type Annotator struct {
	client   Client
	mappings []config.Mapping

	mu   sync.Mutex
	open map[string]*Annotation
}

// New returns an Annotator writing through client.
func New(client Client, mappings []config.Mapping) *Annotator {
	return &Annotator{
		client:   client,
		mappings: mappings,
		open:     make(map[string]*Annotation),
	}
}

// Lookup returns the first mapping whose pattern matches identity. Anomaly
// identities (anomaly/<detector>/<metric>) also match on the bare metric id.
func (a *Annotator) Lookup(identity string) (config.Mapping, bool) {
	candidates := []string{identity}
	if rest, ok := strings.CutPrefix(identity, types.SourceAnomaly+"/"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			candidates = append(candidates, rest[i+1:])
		}
	}
	for _, m := range a.mappings {
		for _, c := range candidates {
			if ok, err := path.Match(m.MetricPattern, c); err == nil && ok {
				return m, true
			}
		}
	}
	return config.Mapping{}, false
}

// Handle applies ev to the dashboard. It returns the created or closed
// annotation, or nil when nothing was done (digest, no mapping, already open).
func (a *Annotator) Handle(ctx context.Context, ev types.AlertEvent) (*Annotation, error) {
	if ev.Digest {
		return nil, nil
	}
	m, ok := a.Lookup(ev.Identity)
	if !ok {
		return nil, nil
	}
	if ev.Resolved() {
		return a.resolve(ctx, ev, m)
	}
	return a.start(ctx, ev, m)
}

func (a *Annotator) start(ctx context.Context, ev types.AlertEvent, m config.Mapping) (*Annotation, error) {
	a.mu.Lock()
	_, exists := a.open[ev.Fingerprint]
	a.mu.Unlock()
	if exists {
		return nil, nil
	}

	ann := &Annotation{
		EventID:     ev.EventID,
		Fingerprint: ev.Fingerprint,
		DashboardID: m.DashboardID,
		PanelID:     m.PanelID,
		StartTime:   ev.StartedAt,
		Text:        textOf(ev),
		Tags:        tagsOf(ev),
	}
	id, err := a.client.Create(ctx, *ann)
	if err != nil {
		return nil, err
	}
	ann.RemoteID = id

	a.mu.Lock()
	a.open[ev.Fingerprint] = ann
	a.mu.Unlock()
	cp := *ann
	return &cp, nil
}

func (a *Annotator) resolve(ctx context.Context, ev types.AlertEvent, m config.Mapping) (*Annotation, error) {
	end := *ev.ResolvedAt

	a.mu.Lock()
	ann, ok := a.open[ev.Fingerprint]
	if ok {
		delete(a.open, ev.Fingerprint)
	}
	a.mu.Unlock()

	if ok {
		if err := a.client.SetEnd(ctx, ann.RemoteID, end); err != nil {
			return nil, err
		}
		cp := *ann
		cp.EndTime = &end
		return &cp, nil
	}

	// No open annotation to close: mark the resolution as a point.
	point := Annotation{
		EventID:     ev.EventID,
		Fingerprint: ev.Fingerprint,
		DashboardID: m.DashboardID,
		PanelID:     m.PanelID,
		StartTime:   end,
		EndTime:     &end,
		Text:        textOf(ev),
		Tags:        tagsOf(ev),
	}
	id, err := a.client.Create(ctx, point)
	if err != nil {
		return nil, err
	}
	point.RemoteID = id
	return &point, nil
}

// Expire forgets open annotations started before cutoff and returns how many
// were dropped. The remote annotations are left open-ended.
func (a *Annotator) Expire(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for fp, ann := range a.open {
		if ann.StartTime.Before(cutoff) {
			delete(a.open, fp)
			n++
		}
	}
	return n
}

// Open returns the number of annotations awaiting resolution.
func (a *Annotator) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

func textOf(ev types.AlertEvent) string {
	s := fmt.Sprintf("[%s] %s: %s", ev.Severity, ev.Status(), ev.Summary)
	if ev.Observed != nil && ev.Baseline != nil {
		s += fmt.Sprintf(" (observed %.2f, baseline %.2f)", *ev.Observed, *ev.Baseline)
	}
	return s
}

func tagsOf(ev types.AlertEvent) []string {
	tags := []string{"vigil", string(ev.Severity), ev.Source, ev.Identity}
	if ev.Service != "" {
		tags = append(tags, "service:"+ev.Service)
	}
	return tags
}
