// Package config loads the vigil configuration document.
//
// Sections:
//   - server: HTTP and gRPC ports, graceful timeout, API-key auth
//   - logging: slog level and JSON/text format
//   - series: detection shard count, mailbox depth, idle TTL, resolve_after
//   - detectors: ewma | zscore | percentile strategies bound to metric globs
//   - suppression: dedup and suppression windows, digest toggle
//   - routing: prioritised routes, tie-break mode, default channel
//   - channels: slack | teams | pagerduty | http | log targets
//   - notify: retry policy shared by all channels
//   - dispatch: notify/annotate fan-out pool
//   - annotations: dashboard annotation target and metric→panel mappings
//   - sources: prometheus scrape and nats subscription feeds
//
// Load(path) applies defaults before unmarshalling, then VIGIL_* environment
// overrides, then validates. Secrets (webhook URLs, tokens, API keys) are never
// stored in the file; each field names the environment variable holding them.
//
// Watch reloads the file on change; Holder publishes the active Config to
// readers with an atomic pointer swap.
package config
