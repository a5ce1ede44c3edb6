package route

import (
	"reflect"
	"testing"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
)

func mustRouter(t *testing.T, cfg config.RoutingConfig) *Router {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func event(sev types.Severity, service string, labels types.Labels) types.AlertEvent {
	return types.AlertEvent{Severity: sev, Service: service, Labels: labels}
}

func TestRoute_HigherPriorityWins(t *testing.T) {
	r := mustRouter(t, config.RoutingConfig{
		DefaultChannel: "fallback",
		Routes: []config.Route{
			{Name: "warning-plus", Priority: 1, Channels: []string{"slack-general"},
				Match: config.Match{MinSeverity: "warning"}},
			{Name: "payments-critical", Priority: 10, Channels: []string{"pagerduty", "slack-payments"},
				Match: config.Match{Severity: []string{"critical"}, Service: []string{"payments"}}},
		},
	})

	d := r.Route(event(types.SeverityCritical, "payments", nil))
	want := Decision{Rule: "payments-critical", Channels: []string{"pagerduty", "slack-payments"}}
	if !reflect.DeepEqual(d, want) {
		t.Errorf("got %+v, want %+v", d, want)
	}

	d = r.Route(event(types.SeverityWarning, "payments", nil))
	if d.Rule != "warning-plus" {
		t.Errorf("warning payments: got rule %q, want warning-plus", d.Rule)
	}
}

func TestRoute_UnmatchedGoesToDefault(t *testing.T) {
	r := mustRouter(t, config.RoutingConfig{
		DefaultChannel: "fallback",
		Routes: []config.Route{
			{Name: "crit", Priority: 1, Channels: []string{"pd"}, Match: config.Match{MinSeverity: "critical"}},
		},
	})
	d := r.Route(event(types.SeverityInfo, "", nil))
	if !d.Unrouted || !reflect.DeepEqual(d.Channels, []string{"fallback"}) {
		t.Errorf("got %+v, want unrouted to fallback", d)
	}

	noDefault := mustRouter(t, config.RoutingConfig{})
	if d := noDefault.Route(event(types.SeverityCritical, "", nil)); !d.Unrouted || len(d.Channels) != 0 {
		t.Errorf("no default: got %+v", d)
	}
}

func TestRoute_LabelClauses(t *testing.T) {
	r := mustRouter(t, config.RoutingConfig{
		Routes: []config.Route{
			{Name: "prod-eu", Priority: 5, Channels: []string{"eu"}, Match: config.Match{
				Labels:     map[string]string{"env": "prod"},
				LabelRegex: map[string]string{"region": "eu-.*"},
			}},
			{Name: "team-core", Priority: 1, Channels: []string{"core"}, Match: config.Match{Team: []string{"core"}}},
		},
	})

	cases := []struct {
		name string
		ev   types.AlertEvent
		rule string
	}{
		{"both labels match", event(types.SeverityWarning, "", types.Labels{"env": "prod", "region": "eu-west-1"}), "prod-eu"},
		{"regex is anchored", event(types.SeverityWarning, "", types.Labels{"env": "prod", "region": "us-eu-1"}), ""},
		{"equality mismatch", event(types.SeverityWarning, "", types.Labels{"env": "dev", "region": "eu-west-1"}), ""},
		{"label missing", event(types.SeverityWarning, "", types.Labels{"region": "eu-west-1"}), ""},
		{"team clause", types.AlertEvent{Severity: types.SeverityInfo, Team: "core"}, "team-core"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Route(tc.ev).Rule; got != tc.rule {
				t.Errorf("rule: got %q, want %q", got, tc.rule)
			}
		})
	}
}

func TestRoute_TieBreak(t *testing.T) {
	routes := []config.Route{
		{Name: "zeta", Priority: 5, Channels: []string{"z"}},
		{Name: "alpha", Priority: 5, Channels: []string{"a"}},
	}

	decl := mustRouter(t, config.RoutingConfig{TieBreak: config.TieBreakDeclaration, Routes: routes})
	if got := decl.Route(event(types.SeverityWarning, "", nil)).Rule; got != "zeta" {
		t.Errorf("declaration: got %q, want zeta", got)
	}

	lex := mustRouter(t, config.RoutingConfig{TieBreak: config.TieBreakLexical, Routes: routes})
	if got := lex.Route(event(types.SeverityWarning, "", nil)).Rule; got != "alpha" {
		t.Errorf("lexical: got %q, want alpha", got)
	}
	if got := lex.Rules(); !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Errorf("rules order: got %v", got)
	}
}

func TestRoute_Deterministic(t *testing.T) {
	r := mustRouter(t, config.RoutingConfig{
		DefaultChannel: "fb",
		Routes: []config.Route{
			{Name: "a", Priority: 2, Channels: []string{"x", "y"}, Match: config.Match{
				LabelRegex: map[string]string{"k1": "v.*", "k2": "w.*", "k3": ".*"},
			}},
			{Name: "b", Priority: 2, Channels: []string{"z"}},
		},
	})
	ev := event(types.SeverityCritical, "svc", types.Labels{"k1": "v1", "k2": "w2", "k3": "q"})
	first := r.Route(ev)
	for i := 0; i < 200; i++ {
		if got := r.Route(ev); !reflect.DeepEqual(got, first) {
			t.Fatalf("iteration %d: got %+v, want %+v", i, got, first)
		}
	}
}

func TestRoute_ReturnedChannelsAreCopies(t *testing.T) {
	r := mustRouter(t, config.RoutingConfig{Routes: []config.Route{{Name: "a", Channels: []string{"x"}}}})
	d := r.Route(types.AlertEvent{})
	d.Channels[0] = "mutated"
	if got := r.Route(types.AlertEvent{}).Channels[0]; got != "x" {
		t.Errorf("router state mutated through decision: %q", got)
	}
}

func TestNew_BadRegex(t *testing.T) {
	_, err := New(config.RoutingConfig{Routes: []config.Route{
		{Name: "bad", Channels: []string{"x"}, Match: config.Match{LabelRegex: map[string]string{"a": "("}}},
	}})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}
