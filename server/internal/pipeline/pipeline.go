package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/annotate"
	"github.com/obsidianstack/vigil/server/internal/config"
	"github.com/obsidianstack/vigil/server/internal/deadletter"
	"github.com/obsidianstack/vigil/server/internal/metrics"
	"github.com/obsidianstack/vigil/server/internal/store"
	"github.com/obsidianstack/vigil/server/internal/suppress"
)

// ErrClosed is returned by Submit and SubmitAlert once shutdown has begun.
var ErrClosed = errors.New("pipeline: closed")

// Deps are the collaborators shared with the rest of the server.
type Deps struct {
	// Store receives the dispatched state of every incident. Required.
	Store *store.Store

	// Annotator writes dashboard annotations. Nil disables annotations.
	Annotator *annotate.Annotator

	// DeadLetter records undeliverable work. Nil discards it.
	DeadLetter *deadletter.Log

	// Publish is called with every stored incident, e.g. to feed the
	// websocket hub. Optional.
	Publish func(store.Incident)
}

// Pipeline is the running detection and alerting pipeline.
type Pipeline struct {
	deps Deps
	rt   atomic.Pointer[runtime]
	sup  *suppress.Engine

	shards   []*shard
	dispatch []chan dispatchItem

	idle          atomic.Int64 // series idle TTL in nanoseconds
	sweepInterval time.Duration
	annotationTTL time.Duration

	// workCtx bounds deliveries; it is cancelled when the shutdown deadline
	// passes so in-flight retries give up.
	workCtx    context.Context
	cancelWork context.CancelFunc

	mu     sync.RWMutex // guards closed against in-flight submits
	closed bool

	shardWG    sync.WaitGroup
	dispatchWG sync.WaitGroup

	started time.Time
	stats   counters
	now     func() time.Time // injectable for deterministic tests
}

// New builds the pipeline for snap and starts its shard and dispatch workers.
// Call Shutdown to stop them.
func New(snap *config.Snapshot, deps Deps) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	rt, err := buildRuntime(snap)
	if err != nil {
		return nil, err
	}
	cfg := snap.Config

	p := &Pipeline{
		deps:          deps,
		sup:           suppress.New(cfg.Suppression.Shards, suppress.OptionsFrom(cfg.Suppression)),
		sweepInterval: cfg.Series.SweepInterval,
		annotationTTL: cfg.Incidents.TTL,
		started:       time.Now(),
		now:           time.Now,
	}
	p.rt.Store(rt)
	p.idle.Store(int64(cfg.Series.IdleTTL))
	p.workCtx, p.cancelWork = context.WithCancel(context.Background())

	workers := max(cfg.Series.Workers, 1)
	p.shards = make([]*shard, workers)
	for i := range p.shards {
		p.shards[i] = newShard(i, p, max(cfg.Series.QueueSize, 1))
	}
	p.dispatch = make([]chan dispatchItem, max(cfg.Dispatch.Workers, 1))
	for i := range p.dispatch {
		p.dispatch[i] = make(chan dispatchItem, max(cfg.Dispatch.QueueSize, 1))
	}

	for _, sh := range p.shards {
		p.shardWG.Add(1)
		go func() {
			defer p.shardWG.Done()
			sh.run(p.workCtx)
		}()
	}
	for _, q := range p.dispatch {
		p.dispatchWG.Add(1)
		go func() {
			defer p.dispatchWG.Done()
			for item := range q {
				p.deliver(p.workCtx, item)
			}
		}()
	}

	slog.Info("pipeline: started",
		"generation", rt.generation,
		"detectors", len(rt.strategies),
		"shards", len(p.shards),
		"dispatch_workers", len(p.dispatch),
	)
	return p, nil
}

// Submit hands a sample to the shard owning its series. It blocks while the
// shard mailbox is full and returns ctx.Err() if ctx ends first.
func (p *Pipeline) Submit(ctx context.Context, s types.MetricSample) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.ObserveSample("rejected")
		return ErrClosed
	}
	sh := p.shards[types.ShardOf(s.SeriesKey(), len(p.shards))]
	select {
	case sh.mailbox <- s:
		return nil
	case <-ctx.Done():
		p.stats.rejectedSamples.Add(1)
		metrics.ObserveSample("rejected")
		return ctx.Err()
	}
}

// SubmitAlert feeds a normalised external alert into suppression and routing.
func (p *Pipeline) SubmitAlert(ctx context.Context, ev types.AlertEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.process(ctx, ev, true)
	return nil
}

// process runs suppression on ev and enqueues it for dispatch if it survives.
// With wait unset a full dispatch queue dead-letters ev instead of blocking.
func (p *Pipeline) process(ctx context.Context, ev types.AlertEvent, wait bool) {
	metrics.ObserveAlert(ev.Source, ev.Status())
	p.stats.events.Add(1)

	dec := p.sup.Process(ev, p.now())
	metrics.ObserveSuppression(dec.Action.String())
	switch dec.Action {
	case suppress.ActionDuplicate:
		p.stats.duplicates.Add(1)
		return
	case suppress.ActionSuppress:
		p.stats.suppressed.Add(1)
		return
	}
	p.route(ctx, dec.Event, wait)
}

// route picks the channels for ev and queues it on the dispatch worker that
// owns its fingerprint. Detection shards call it with wait unset so a slow
// channel never stalls evaluation.
func (p *Pipeline) route(ctx context.Context, ev types.AlertEvent, wait bool) {
	rd := p.rt.Load().router.Route(ev)
	p.observeRoute(rd.Unrouted)
	if rd.Unrouted {
		slog.Debug("pipeline: no route matched, using default channel",
			"fingerprint", ev.Fingerprint, "identity", ev.Identity, "channels", rd.Channels)
	}
	item := dispatchItem{event: ev, decision: rd}
	q := p.dispatch[types.ShardOf(ev.Fingerprint, len(p.dispatch))]

	select {
	case q <- item:
		return
	default:
	}
	if !wait {
		p.overflow(ev, "dispatch queue full")
		return
	}
	select {
	case q <- item:
	case <-ctx.Done():
		p.overflow(ev, fmt.Sprintf("enqueue: %v", ctx.Err()))
	case <-p.workCtx.Done():
		p.overflow(ev, "enqueue: shutdown deadline exceeded")
	}
}

func (p *Pipeline) overflow(ev types.AlertEvent, reason string) {
	p.stats.overflow.Add(1)
	metrics.ObserveRoute(metrics.RouteOverflow)
	slog.Warn("pipeline: event not dispatched",
		"fingerprint", ev.Fingerprint, "status", ev.Status(), "reason", reason)
	p.deadLetter(deadletter.Entry{
		Kind:   deadletter.KindEvent,
		Reason: reason,
		Event:  &ev,
	})
}

// Run drives the periodic sweep until ctx is cancelled. It does not stop the
// workers; call Shutdown for that.
func (p *Pipeline) Run(ctx context.Context) {
	interval := p.sweepInterval
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Sweep(ctx, p.now())
		}
	}
}

// Sweep closes expired suppression windows (dispatching their digests),
// expires stale open annotations and asks every shard to evict idle series.
func (p *Pipeline) Sweep(ctx context.Context, now time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	digests, purged := p.sup.Sweep(now)
	for _, d := range digests {
		p.stats.digests.Add(1)
		p.route(ctx, d, true)
	}
	if p.deps.Annotator != nil && p.annotationTTL > 0 {
		if n := p.deps.Annotator.Expire(now.Add(-p.annotationTTL)); n > 0 {
			slog.Warn("pipeline: expired unresolved annotations", "count", n)
		}
	}
	for _, sh := range p.shards {
		select {
		case sh.sweepc <- now:
		default: // previous sweep still pending
		}
	}
	metrics.SetSeriesActive(p.seriesCount())
	metrics.SetDispatchQueueDepth(p.queueDepth())
	if len(digests) > 0 || purged > 0 {
		slog.Debug("pipeline: sweep", "digests", len(digests), "purged", purged)
	}
}

// Reload applies a new configuration snapshot. Detectors, routes, channels
// and suppression tunables change; shard and worker counts do not. On error
// the previous configuration stays active.
func (p *Pipeline) Reload(snap *config.Snapshot) error {
	rt, err := buildRuntime(snap)
	if err != nil {
		return err
	}
	old := p.rt.Swap(rt)
	p.sup.SetOptions(suppress.OptionsFrom(snap.Config.Suppression))
	p.idle.Store(int64(snap.Config.Series.IdleTTL))
	if old != nil {
		old.notifier.Close()
	}
	slog.Info("pipeline: configuration reloaded",
		"generation", rt.generation,
		"detectors", len(rt.strategies),
		"routes", len(rt.router.Rules()),
	)
	return nil
}

// Shutdown stops intake and drains the pipeline in order: shard mailboxes,
// suppression digests, dispatch queues. Once ctx ends, unevaluated samples,
// unqueued events and in-flight deliveries are dead-lettered.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.cancelWork)
	defer stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	slog.Info("pipeline: shutting down", "queued", p.queueDepth())

	for _, sh := range p.shards {
		close(sh.mailbox)
	}
	p.shardWG.Wait()

	for _, d := range p.sup.Flush() {
		p.stats.digests.Add(1)
		p.route(ctx, d, true)
	}

	for _, q := range p.dispatch {
		close(q)
	}
	p.dispatchWG.Wait()

	var err error
	if ctx.Err() != nil {
		err = fmt.Errorf("pipeline: drain: %w", ctx.Err())
	}
	p.cancelWork()
	p.rt.Load().notifier.Close()

	slog.Info("pipeline: stopped", "dead_lettered", p.stats.deadLettered.Load())
	return err
}

func (p *Pipeline) idleTTL() time.Duration {
	return time.Duration(p.idle.Load())
}

func (p *Pipeline) seriesCount() int {
	n := int64(0)
	for _, sh := range p.shards {
		n += sh.active.Load()
	}
	return int(n)
}

func (p *Pipeline) queueDepth() int {
	n := 0
	for _, q := range p.dispatch {
		n += len(q)
	}
	return n
}

func (p *Pipeline) queueCapacity() int {
	n := 0
	for _, q := range p.dispatch {
		n += cap(q)
	}
	return n
}

func (p *Pipeline) deadLetter(e deadletter.Entry) {
	if p.deps.DeadLetter == nil {
		return
	}
	e.Time = p.now()
	if err := p.deps.DeadLetter.Append(e); err != nil {
		slog.Error("pipeline: dead-letter append failed", "kind", e.Kind, "err", err)
		return
	}
	p.stats.deadLettered.Add(1)
	metrics.ObserveDeadLetter(e.Kind)
}
