package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
	"github.com/obsidianstack/vigil/server/internal/deadletter"
	"github.com/obsidianstack/vigil/server/internal/detect"
	"github.com/obsidianstack/vigil/server/internal/ingest"
	"github.com/obsidianstack/vigil/server/internal/metrics"
)

// shard owns the detection state of every series hashed to it. Only the
// shard's own goroutine touches series.
type shard struct {
	id      int
	p       *Pipeline
	mailbox chan types.MetricSample
	sweepc  chan time.Time

	series map[string]*seriesState
	active atomic.Int64
}

// seriesState is the per-series detection state.
type seriesState struct {
	metricID   string
	labels     types.Labels
	last       time.Time // newest accepted sample timestamp
	lastValue  float64
	touched    time.Time // wall clock of the last accepted sample
	generation uint64
	detectors  []*detectorState
}

// detectorState binds one strategy to one series.
type detectorState struct {
	cfg       config.Detector
	eval      detect.Evaluator
	open      bool
	startedAt time.Time
	severity  types.Severity
	normal    int
}

func newShard(id int, p *Pipeline, queueSize int) *shard {
	return &shard{
		id:      id,
		p:       p,
		mailbox: make(chan types.MetricSample, queueSize),
		sweepc:  make(chan time.Time, 1),
		series:  make(map[string]*seriesState),
	}
}

// run consumes the mailbox until it is closed and drained. Samples still
// queued after ctx ends are dead-lettered unevaluated.
func (sh *shard) run(ctx context.Context) {
	for {
		select {
		case s, ok := <-sh.mailbox:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				sh.p.deadLetter(deadletter.Entry{
					Kind:   deadletter.KindSample,
					Reason: "shutdown deadline exceeded",
					Sample: &s,
				})
				continue
			}
			sh.handle(ctx, s)
		case now := <-sh.sweepc:
			if n := sh.evictIdle(ctx, now); n > 0 {
				slog.Debug("pipeline: evicted idle series", "shard", sh.id, "count", n)
			}
		}
	}
}

func (sh *shard) handle(ctx context.Context, s types.MetricSample) {
	rt := sh.p.rt.Load()
	key := s.SeriesKey()

	st, ok := sh.series[key]
	if !ok {
		st = &seriesState{metricID: s.MetricID, labels: s.Labels.Clone()}
		sh.series[key] = st
		sh.active.Add(1)
	}
	if st.generation != rt.generation {
		sh.refresh(ctx, st, rt)
	}

	if !st.last.IsZero() && !s.Timestamp.After(st.last) {
		sh.p.stats.outOfOrder.Add(1)
		metrics.ObserveSample("out_of_order")
		return
	}
	st.last = s.Timestamp
	st.lastValue = s.Value
	st.touched = sh.p.now()
	sh.p.stats.accepted.Add(1)
	metrics.ObserveSample("accepted")

	for _, d := range st.detectors {
		sh.p.stats.detectorSample(d.cfg.Name)
		ev, anomalous := d.eval.Evaluate(s)
		if anomalous {
			sh.p.stats.anomalies.Add(1)
			metrics.ObserveAnomaly(ev.DetectorName, string(ev.Severity))
			d.normal = 0
			if !d.open {
				d.open = true
				d.startedAt = ev.DetectedAt
			}
			d.severity = ev.Severity
			alert := ingest.FromAnomaly(ev)
			// Every sample of one episode shares the episode's start so
			// redeliveries dedup rather than count as new firings.
			alert.StartedAt = d.startedAt
			sh.p.process(ctx, alert, false)
			continue
		}
		if !d.open || rt.resolveAfter <= 0 {
			continue
		}
		d.normal++
		if d.normal >= rt.resolveAfter {
			sh.resolve(ctx, st, d, s.Timestamp, s.Value)
		}
	}
}

// refresh rebinds st to the strategies of rt. Detectors whose configuration
// did not change keep their learned baseline; open anomalies of removed
// detectors are resolved.
func (sh *shard) refresh(ctx context.Context, st *seriesState, rt *runtime) {
	prev := make(map[string]*detectorState, len(st.detectors))
	for _, d := range st.detectors {
		prev[d.cfg.Name] = d
	}

	next := make([]*detectorState, 0, len(rt.strategies))
	for _, strat := range rt.strategiesFor(st.metricID) {
		if d, ok := prev[strat.Name()]; ok && d.cfg == strat.Config() {
			next = append(next, d)
			delete(prev, strat.Name())
			continue
		}
		next = append(next, &detectorState{cfg: strat.Config(), eval: strat.NewEvaluator()})
	}
	for _, d := range prev {
		if d.open {
			sh.resolve(ctx, st, d, sh.p.now(), 0)
		}
	}
	st.detectors = next
	st.generation = rt.generation
}

func (sh *shard) resolve(ctx context.Context, st *seriesState, d *detectorState, at time.Time, last float64) {
	ev := ingest.AnomalyRecovered(d.cfg.Name, st.metricID, st.labels, d.severity, d.startedAt, at, last)
	d.open = false
	d.normal = 0
	sh.p.process(ctx, ev, false)
}

// evictIdle drops series without samples for the idle TTL. Open anomalies of
// an evicted series are resolved at its last sample.
func (sh *shard) evictIdle(ctx context.Context, now time.Time) int {
	ttl := sh.p.idleTTL()
	if ttl <= 0 {
		return 0
	}
	n := 0
	for key, st := range sh.series {
		if now.Sub(st.touched) >= ttl {
			for _, d := range st.detectors {
				if d.open {
					sh.resolve(ctx, st, d, st.last, st.lastValue)
				}
			}
			delete(sh.series, key)
			n++
		}
	}
	sh.active.Add(-int64(n))
	return n
}
