// Package api implements vigil's HTTP surface.
//
// New(pipeline, store) returns an http.Handler that serves:
//
//	GET  /health                      pipeline health; 503 while stopping
//	GET  /stats                       pipeline counters
//	POST /api/v1/alerts               alert webhook (single alert or Alertmanager group)
//	POST /api/v1/samples              pushed metric samples (object or array)
//	GET  /api/v1/incidents            recent incidents, ?status=firing|resolved
//	GET  /api/v1/incidents/{fp}       one incident by fingerprint
//
// All endpoints respond with Content-Type: application/json and return 405
// for unsupported methods. Malformed payloads are rejected with 400 and never
// reach the pipeline. No external HTTP framework is used.
package api
