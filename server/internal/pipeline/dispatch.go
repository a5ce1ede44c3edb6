package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/annotate"
	"github.com/obsidianstack/vigil/server/internal/deadletter"
	"github.com/obsidianstack/vigil/server/internal/metrics"
	"github.com/obsidianstack/vigil/server/internal/notify"
	"github.com/obsidianstack/vigil/server/internal/route"
	"github.com/obsidianstack/vigil/server/internal/store"
)

// dispatchItem is one routed event waiting for delivery.
type dispatchItem struct {
	event    types.AlertEvent
	decision route.Decision
}

// deliver notifies every routed channel and updates the dashboard
// concurrently, then records the outcome. Failures never propagate.
func (p *Pipeline) deliver(ctx context.Context, item dispatchItem) {
	ev := item.event
	notifier := p.rt.Load().notifier

	var (
		results []notify.Result
		ann     *annotate.Annotation
		annErr  error
	)
	var g errgroup.Group
	g.Go(func() error {
		results = notifier.Notify(ctx, ev, item.decision.Channels)
		return nil
	})
	if p.deps.Annotator != nil {
		g.Go(func() error {
			ann, annErr = p.deps.Annotator.Handle(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	deliveries := make([]store.Delivery, 0, len(results))
	at := p.now()
	for _, r := range results {
		metrics.ObserveNotification(r.Channel, r.OK(), r.Duration)
		p.stats.recordDelivery(r, ev.Status(), at)
		d := store.Delivery{Channel: r.Channel, OK: r.OK(), Attempts: r.Attempts}
		if r.OK() {
			p.stats.delivered.Add(1)
		} else {
			p.stats.failed.Add(1)
			d.Error = r.Err.Error()
			p.deadLetter(deadletter.Entry{
				Kind:    deadletter.KindNotification,
				Reason:  d.Error,
				Channel: r.Channel,
				Event:   &ev,
			})
		}
		deliveries = append(deliveries, d)
	}

	switch {
	case annErr != nil:
		p.stats.annotationErrors.Add(1)
		metrics.ObserveAnnotation(false)
		slog.Warn("pipeline: annotation failed",
			"fingerprint", ev.Fingerprint, "status", ev.Status(), "err", annErr)
	case ann != nil:
		p.stats.annotations.Add(1)
		metrics.ObserveAnnotation(true)
	}

	inc := p.deps.Store.Put(store.Incident{
		Event:      ev,
		Rule:       item.decision.Rule,
		Unrouted:   item.decision.Unrouted,
		Deliveries: deliveries,
	})
	if p.deps.Publish != nil {
		p.deps.Publish(inc)
	}
	metrics.SetDispatchQueueDepth(p.queueDepth())
}
