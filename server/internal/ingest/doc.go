// Package ingest normalises incoming incidents into types.AlertEvent.
//
// Two producers exist: external alert webhooks (a single alert object or an
// Alertmanager group {"alerts":[...]}) and the in-process anomaly detectors.
// Both end up with the same fingerprint scheme, so suppression, routing and
// annotation never need to know where an event came from.
package ingest
