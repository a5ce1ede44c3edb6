// Package annotate marks incidents on dashboards.
//
// A firing event opens an annotation at its start time on the panel selected
// by the first matching metric_pattern mapping; the matching resolution sets
// the annotation's end time. A resolution with no open annotation (for example
// after a restart) creates a zero-duration point annotation instead.
//
// The target is any Grafana-compatible HTTP API:
//
//	POST  /api/annotations       {dashboardUID, panelId, time, timeEnd, tags, text}
//	PATCH /api/annotations/{id}  {timeEnd}
//
// Annotation is best effort; callers log and count errors but never retry.
package annotate
