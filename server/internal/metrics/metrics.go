package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vigil"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	samplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Metric samples received, partitioned by result (accepted, out_of_order, invalid, rejected).",
		},
		[]string{"result"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomalies detected, partitioned by detector and severity.",
		},
		[]string{"detector", "severity"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_ingested_total",
			Help:      "Incident events entering suppression, partitioned by source and status.",
		},
		[]string{"source", "status"},
	)

	suppressionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppression_decisions_total",
			Help:      "Suppression engine decisions, partitioned by action.",
		},
		[]string{"action"},
	)

	routedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_total",
			Help:      "Events leaving the router, partitioned by result (routed, unrouted, overflow).",
		},
		[]string{"result"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries, partitioned by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	notificationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_seconds",
			Help:      "Delivery latency per channel including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	annotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotations_total",
			Help:      "Dashboard annotation writes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	deadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Entries written to the dead-letter log, partitioned by kind.",
		},
		[]string{"kind"},
	)

	seriesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "series_active",
			Help:      "Series currently tracked by the detection shards.",
		},
	)

	dispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Routed events waiting for notify/annotate workers.",
		},
	)

	configReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches vigil collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		samplesTotal,
		anomaliesTotal,
		alertsTotal,
		suppressionTotal,
		routedTotal,
		notificationsTotal,
		notificationSeconds,
		annotationsTotal,
		deadLettersTotal,
		seriesActive,
		dispatchQueueDepth,
		configReloadsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveSample counts one sample with the given result label.
func ObserveSample(result string) {
	samplesTotal.WithLabelValues(result).Inc()
}

// ObserveAnomaly counts one detector event.
func ObserveAnomaly(detector, severity string) {
	anomaliesTotal.WithLabelValues(detector, severity).Inc()
}

// ObserveAlert counts one event entering suppression.
func ObserveAlert(source, status string) {
	alertsTotal.WithLabelValues(source, status).Inc()
}

// ObserveSuppression counts one suppression decision.
func ObserveSuppression(action string) {
	suppressionTotal.WithLabelValues(action).Inc()
}

// Route result label values.
const (
	RouteRouted   = "routed"
	RouteUnrouted = "unrouted"
	RouteOverflow = "overflow"
)

// ObserveRoute counts one event leaving the router.
func ObserveRoute(result string) {
	routedTotal.WithLabelValues(result).Inc()
}

// ObserveNotification records a delivery outcome and its latency.
func ObserveNotification(channel string, ok bool, duration time.Duration) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeError
	}
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	notificationSeconds.WithLabelValues(channel).Observe(duration.Seconds())
}

// ObserveAnnotation records an annotation write outcome.
func ObserveAnnotation(ok bool) {
	if ok {
		annotationsTotal.WithLabelValues(OutcomeSuccess).Inc()
		return
	}
	annotationsTotal.WithLabelValues(OutcomeError).Inc()
}

// ObserveDeadLetter counts one dead-lettered entry.
func ObserveDeadLetter(kind string) {
	deadLettersTotal.WithLabelValues(kind).Inc()
}

// ObserveConfigReload records a reload attempt.
func ObserveConfigReload(ok bool) {
	if ok {
		configReloadsTotal.WithLabelValues(OutcomeSuccess).Inc()
		return
	}
	configReloadsTotal.WithLabelValues(OutcomeError).Inc()
}

// SetSeriesActive publishes the tracked series count.
func SetSeriesActive(n int) {
	seriesActive.Set(float64(n))
}

// SetDispatchQueueDepth publishes the dispatch backlog.
func SetDispatchQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}
