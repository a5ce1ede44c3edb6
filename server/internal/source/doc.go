// Package source feeds metric samples into the pipeline.
//
// Pull sources scrape a Prometheus text exposition endpoint on an interval and
// turn every counter, gauge and untyped series into a MetricSample (histograms
// and summaries contribute their _sum and _count series). Push sources
// subscribe to a NATS subject carrying JSON samples in the same wire format
// as POST /api/v1/samples:
//
//	{"metric_id": "http_latency_ms", "labels": {"service": "api"},
//	 "timestamp": 1717228800.123, "value": 42.5}
//
// Timestamps are epoch seconds with millisecond precision. A body may hold a
// single sample or an array of samples.
package source
