package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/vigil/server/internal/metrics"
	"github.com/obsidianstack/vigil/server/internal/notify"
)

type counters struct {
	accepted         atomic.Int64
	outOfOrder       atomic.Int64
	rejectedSamples  atomic.Int64
	rejectedAlerts   atomic.Int64
	anomalies        atomic.Int64
	events           atomic.Int64
	duplicates       atomic.Int64
	suppressed       atomic.Int64
	digests          atomic.Int64
	routed           atomic.Int64
	unrouted         atomic.Int64
	overflow         atomic.Int64
	delivered        atomic.Int64
	failed           atomic.Int64
	annotations      atomic.Int64
	annotationErrors atomic.Int64
	deadLettered     atomic.Int64

	detectorSamples sync.Map // detector name -> *atomic.Int64

	lastMu sync.Mutex
	last   map[string]ChannelStatus
}

func (c *counters) detectorSample(name string) {
	v, ok := c.detectorSamples.Load(name)
	if !ok {
		v, _ = c.detectorSamples.LoadOrStore(name, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(1)
}

func (c *counters) detectorCounts() map[string]int64 {
	out := make(map[string]int64)
	c.detectorSamples.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

func (c *counters) recordDelivery(r notify.Result, status string, at time.Time) {
	cs := ChannelStatus{
		At:          at,
		OK:          r.OK(),
		Fingerprint: r.Fingerprint,
		Status:      status,
		Attempts:    r.Attempts,
	}
	if r.Err != nil {
		cs.Error = r.Err.Error()
	}
	c.lastMu.Lock()
	if c.last == nil {
		c.last = make(map[string]ChannelStatus)
	}
	c.last[r.Channel] = cs
	c.lastMu.Unlock()
}

func (c *counters) lastDeliveries() map[string]ChannelStatus {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	out := make(map[string]ChannelStatus, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}

// Rejection kinds accepted by Reject.
const (
	RejectSample = "sample"
	RejectAlert  = "alert"
)

// Reject counts a malformed payload refused before it reached the pipeline.
func (p *Pipeline) Reject(kind string) {
	switch kind {
	case RejectAlert:
		p.stats.rejectedAlerts.Add(1)
	default:
		p.stats.rejectedSamples.Add(1)
	}
}

// Stats is the body of GET /stats.
type Stats struct {
	Uptime            string `json:"uptime"`
	Generation        uint64 `json:"config_generation"`
	Detectors         int    `json:"detectors"`
	Series            int    `json:"series"`
	SamplesAccepted   int64  `json:"samples_accepted"`
	SamplesOutOfOrder int64  `json:"samples_out_of_order"`
	SamplesRejected   int64  `json:"samples_rejected"`
	AlertsRejected    int64  `json:"alerts_rejected"`
	Anomalies         int64  `json:"anomalies"`
	Events            int64  `json:"events"`
	Duplicates        int64  `json:"duplicates"`
	Suppressed        int64  `json:"suppressed"`
	Digests           int64  `json:"digests"`
	Routed            int64  `json:"routed"`
	Unrouted          int64  `json:"unrouted"`
	DispatchOverflow  int64  `json:"dispatch_overflow"`
	Delivered         int64  `json:"deliveries_ok"`
	DeliveryFailures  int64  `json:"deliveries_failed"`
	Annotations       int64  `json:"annotations"`
	AnnotationErrors  int64  `json:"annotation_errors"`
	DeadLettered      int64  `json:"dead_lettered"`
	Fingerprints      int    `json:"fingerprints"`
	OpenAnnotations   int    `json:"open_annotations"`
	QueueDepth        int    `json:"dispatch_queue_depth"`
	QueueCapacity     int    `json:"dispatch_queue_capacity"`
}

// Stats returns a point-in-time view of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	rt := p.rt.Load()
	s := Stats{
		Uptime:            time.Since(p.started).Round(time.Second).String(),
		Generation:        rt.generation,
		Detectors:         len(rt.strategies),
		Series:            p.seriesCount(),
		SamplesAccepted:   p.stats.accepted.Load(),
		SamplesOutOfOrder: p.stats.outOfOrder.Load(),
		SamplesRejected:   p.stats.rejectedSamples.Load(),
		AlertsRejected:    p.stats.rejectedAlerts.Load(),
		Anomalies:         p.stats.anomalies.Load(),
		Events:            p.stats.events.Load(),
		Duplicates:        p.stats.duplicates.Load(),
		Suppressed:        p.stats.suppressed.Load(),
		Digests:           p.stats.digests.Load(),
		Routed:            p.stats.routed.Load(),
		Unrouted:          p.stats.unrouted.Load(),
		DispatchOverflow:  p.stats.overflow.Load(),
		Delivered:         p.stats.delivered.Load(),
		DeliveryFailures:  p.stats.failed.Load(),
		Annotations:       p.stats.annotations.Load(),
		AnnotationErrors:  p.stats.annotationErrors.Load(),
		DeadLettered:      p.stats.deadLettered.Load(),
		Fingerprints:      p.sup.Len(),
		QueueDepth:        p.queueDepth(),
		QueueCapacity:     p.queueCapacity(),
	}
	if p.deps.Annotator != nil {
		s.OpenAnnotations = p.deps.Annotator.Open()
	}
	return s
}

// Health states.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthStopping = "stopping"
)

// ChannelStatus is the most recent delivery attempt on one channel.
type ChannelStatus struct {
	At          time.Time `json:"at"`
	OK          bool      `json:"ok"`
	Fingerprint string    `json:"fingerprint"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
}

// Health is the body of GET /health.
type Health struct {
	Status          string                   `json:"status"`
	Generation      uint64                   `json:"config_generation"`
	QueueDepth      int                      `json:"dispatch_queue_depth"`
	Fingerprints    int                      `json:"suppression_fingerprints"`
	DetectorSamples map[string]int64         `json:"detector_samples"`
	Channels        map[string]ChannelStatus `json:"last_notification"`
}

// Health reports "degraded" when the dispatch queues are at least 90% full
// and "stopping" once shutdown has begun.
func (p *Pipeline) Health() Health {
	h := Health{
		Status:          HealthOK,
		Generation:      p.rt.Load().generation,
		QueueDepth:      p.queueDepth(),
		Fingerprints:    p.sup.Len(),
		DetectorSamples: p.stats.detectorCounts(),
		Channels:        p.stats.lastDeliveries(),
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	switch {
	case closed:
		h.Status = HealthStopping
	case h.QueueDepth*10 >= p.queueCapacity()*9:
		h.Status = HealthDegraded
	}
	return h
}

// observeRoute counts one event leaving the router.
func (p *Pipeline) observeRoute(unrouted bool) {
	if unrouted {
		p.stats.unrouted.Add(1)
		metrics.ObserveRoute(metrics.RouteUnrouted)
		return
	}
	p.stats.routed.Add(1)
	metrics.ObserveRoute(metrics.RouteRouted)
}
