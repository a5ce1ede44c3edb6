// Package metrics defines vigil's Prometheus collectors. Register attaches
// them to a registerer; the Observe*/Set* helpers are safe to call whether or
// not Register has run.
package metrics
