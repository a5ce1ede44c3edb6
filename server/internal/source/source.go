package source

import (
	"context"
	"fmt"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
)

// Sink accepts samples produced by a source. It may block for backpressure.
type Sink func(ctx context.Context, s types.MetricSample) error

// Source produces samples until ctx is cancelled.
type Source interface {
	ID() string
	Run(ctx context.Context, sink Sink) error
}

// New returns the Source for cfg.
func New(cfg config.Source) (Source, error) {
	switch cfg.Type {
	case "prometheus":
		return newPromSource(cfg), nil
	case "nats":
		return &natsSource{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("source %q: unsupported type %q", cfg.ID, cfg.Type)
	}
}

// withLabels returns l with the source's static labels merged in. Sample
// labels win on conflict.
func withLabels(l types.Labels, static map[string]string) types.Labels {
	if len(static) == 0 {
		return l
	}
	out := make(types.Labels, len(l)+len(static))
	for k, v := range static {
		out[k] = v
	}
	for k, v := range l {
		out[k] = v
	}
	return out
}
