package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/obsidianstack/vigil/server/internal/config"
	"github.com/obsidianstack/vigil/server/internal/metrics"
)

var errNoSubject = errors.New("source: nats subject is required")

// natsSource subscribes to a subject carrying JSON samples.
type natsSource struct {
	cfg config.Source
}

func (n *natsSource) ID() string { return n.cfg.ID }

// Run connects, subscribes, and blocks until ctx is cancelled, then drains the
// connection so in-flight messages are delivered to sink.
func (n *natsSource) Run(ctx context.Context, sink Sink) error {
	if n.cfg.Subject == "" {
		return errNoSubject
	}
	conn, err := nats.Connect(n.cfg.Endpoint,
		nats.Name("vigil-"+n.cfg.ID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("source: nats disconnected", "source", n.cfg.ID, "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("source: nats reconnected", "source", n.cfg.ID)
		}),
	)
	if err != nil {
		return fmt.Errorf("source %q: nats connect: %w", n.cfg.ID, err)
	}

	// Messages flushed by Drain after cancellation must still reach sink.
	msgCtx := context.WithoutCancel(ctx)
	sub, err := conn.Subscribe(n.cfg.Subject, func(msg *nats.Msg) {
		n.handle(msgCtx, msg.Data, sink)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("source %q: subscribe %q: %w", n.cfg.ID, n.cfg.Subject, err)
	}
	slog.Info("source: nats subscribed", "source", n.cfg.ID, "subject", sub.Subject)

	<-ctx.Done()
	if err := conn.Drain(); err != nil {
		slog.Warn("source: nats drain failed", "source", n.cfg.ID, "err", err)
		conn.Close()
	}
	return nil
}

// handle decodes one message and forwards its samples. Malformed messages are
// logged and dropped; NATS has no way to reject them back to the publisher.
func (n *natsSource) handle(ctx context.Context, data []byte, sink Sink) int {
	samples, err := ParseSamples(data)
	if err != nil {
		metrics.ObserveSample("invalid")
		slog.Warn("source: nats message rejected", "source", n.cfg.ID, "err", err)
		return 0
	}
	accepted := 0
	for _, s := range samples {
		s.Labels = withLabels(s.Labels, n.cfg.Labels)
		if err := sink(ctx, s); err != nil {
			slog.Warn("source: sample rejected by pipeline", "source", n.cfg.ID,
				"metric", s.MetricID, "err", err)
			continue
		}
		accepted++
	}
	return accepted
}
