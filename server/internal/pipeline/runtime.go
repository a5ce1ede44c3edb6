package pipeline

import (
	"fmt"

	"github.com/obsidianstack/vigil/server/internal/config"
	"github.com/obsidianstack/vigil/server/internal/detect"
	"github.com/obsidianstack/vigil/server/internal/notify"
	"github.com/obsidianstack/vigil/server/internal/route"
)

// runtime is everything derived from one config generation. It is replaced
// wholesale on reload and never mutated.
type runtime struct {
	generation   uint64
	strategies   []*detect.Strategy
	router       *route.Router
	notifier     *notify.Notifier
	resolveAfter int
}

func buildRuntime(snap *config.Snapshot) (*runtime, error) {
	cfg := snap.Config
	strategies, err := detect.NewStrategies(cfg.Detectors)
	if err != nil {
		return nil, fmt.Errorf("pipeline: detectors: %w", err)
	}
	router, err := route.New(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("pipeline: routing: %w", err)
	}
	notifier, err := notify.New(cfg.Channels, cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("pipeline: channels: %w", err)
	}
	return &runtime{
		generation:   snap.Generation,
		strategies:   strategies,
		router:       router,
		notifier:     notifier,
		resolveAfter: cfg.Series.ResolveAfter,
	}, nil
}

// strategiesFor returns the strategies whose metric glob matches metricID.
func (rt *runtime) strategiesFor(metricID string) []*detect.Strategy {
	var out []*detect.Strategy
	for _, s := range rt.strategies {
		if s.Matches(metricID) {
			out = append(out, s)
		}
	}
	return out
}
