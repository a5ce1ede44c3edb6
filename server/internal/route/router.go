package route

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
)

// Decision is the routing outcome for one event.
type Decision struct {
	Rule     string   `json:"rule,omitempty"`
	Channels []string `json:"channels"`
	Unrouted bool     `json:"unrouted"`
}

// Rule is a compiled routing rule.
type Rule struct {
	Name     string
	Priority int
	Channels []string

	severities  map[types.Severity]bool
	minSeverity int // -1 when unset
	services    map[string]bool
	teams       map[string]bool
	labels      map[string]string
	labelRegex  map[string]*regexp.Regexp
}

// Router is immutable once built and safe for concurrent use.
type Router struct {
	rules          []Rule
	defaultChannel string
}

// New compiles cfg into a Router. Rules are sorted once here.
func New(cfg config.RoutingConfig) (*Router, error) {
	rules := make([]Rule, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		r, err := compile(rc)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Name, err)
		}
		rules = append(rules, r)
	}

	switch cfg.TieBreak {
	case config.TieBreakLexical:
		sort.SliceStable(rules, func(i, j int) bool {
			if rules[i].Priority != rules[j].Priority {
				return rules[i].Priority > rules[j].Priority
			}
			return rules[i].Name < rules[j].Name
		})
	default:
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority > rules[j].Priority
		})
	}
	return &Router{rules: rules, defaultChannel: cfg.DefaultChannel}, nil
}

func compile(rc config.Route) (Rule, error) {
	r := Rule{
		Name:        rc.Name,
		Priority:    rc.Priority,
		Channels:    append([]string(nil), rc.Channels...),
		minSeverity: -1,
		services:    set(rc.Match.Service),
		teams:       set(rc.Match.Team),
		labels:      rc.Match.Labels,
	}
	if len(rc.Match.Severity) > 0 {
		r.severities = make(map[types.Severity]bool, len(rc.Match.Severity))
		for _, s := range rc.Match.Severity {
			r.severities[types.ParseSeverity(s)] = true
		}
	}
	if rc.Match.MinSeverity != "" {
		r.minSeverity = types.ParseSeverity(rc.Match.MinSeverity).Rank()
	}
	if len(rc.Match.LabelRegex) > 0 {
		r.labelRegex = make(map[string]*regexp.Regexp, len(rc.Match.LabelRegex))
		for k, expr := range rc.Match.LabelRegex {
			re, err := regexp.Compile("^(?:" + expr + ")$")
			if err != nil {
				return Rule{}, fmt.Errorf("label_regex %s: %w", k, err)
			}
			r.labelRegex[k] = re
		}
	}
	return r, nil
}

func set(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// Matches reports whether every clause of r accepts ev.
func (r Rule) Matches(ev types.AlertEvent) bool {
	if r.severities != nil && !r.severities[ev.Severity] {
		return false
	}
	if r.minSeverity >= 0 && ev.Severity.Rank() < r.minSeverity {
		return false
	}
	if r.services != nil && !r.services[ev.Service] {
		return false
	}
	if r.teams != nil && !r.teams[ev.Team] {
		return false
	}
	for k, want := range r.labels {
		if got, ok := ev.Labels[k]; !ok || got != want {
			return false
		}
	}
	for k, re := range r.labelRegex {
		got, ok := ev.Labels[k]
		if !ok || !re.MatchString(got) {
			return false
		}
	}
	return true
}

// Route returns the channels ev should be delivered to.
func (r *Router) Route(ev types.AlertEvent) Decision {
	for _, rule := range r.rules {
		if rule.Matches(ev) {
			return Decision{Rule: rule.Name, Channels: append([]string(nil), rule.Channels...)}
		}
	}
	d := Decision{Unrouted: true}
	if r.defaultChannel != "" {
		d.Channels = []string{r.defaultChannel}
	}
	return d
}

// Rules returns the rule names in evaluation order.
func (r *Router) Rules() []string {
	out := make([]string, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule.Name
	}
	return out
}
