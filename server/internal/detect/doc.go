// Package detect implements streaming anomaly detectors.
//
// Every algorithm satisfies Evaluator: it consumes one MetricSample at a time,
// updates its own learned baseline, and reports an AnomalyEvent when the
// sample deviates significantly. An Evaluator instance holds the state of
// exactly one series and is not safe for concurrent use; the pipeline gives
// each detection shard exclusive ownership of its series.
//
// Algorithms:
//   - ewma: exponentially weighted mean and variance; flags |x-μ| > k·σ
//   - zscore: rolling window mean and stddev; flags |z| > threshold
//   - percentile: rolling sorted buffer; flags x above q_p·(1+margin)
//
// No algorithm signals during warm-up or when the baseline has zero variance.
package detect
