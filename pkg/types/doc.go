// Package types defines the data model shared by every stage of the vigil
// pipeline: metric samples flowing into the detectors, the AnomalyEvents they
// emit, and the AlertEvent shape that both anomalies and external alerts are
// normalised into before suppression and routing.
//
// Fingerprint(identity, labels) is the stable incident identity. It hashes the
// identity and the label set sorted by key, so label order in the input never
// changes the result.
package types
