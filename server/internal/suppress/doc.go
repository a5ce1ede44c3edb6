// Package suppress decides which incident events reach the router.
//
// Each fingerprint moves through UNSEEN → OPEN → SUPPRESSED → RESOLVED and is
// evicted back to UNSEEN by Sweep. The first firing notifies and opens a
// suppression window. A redelivery (same StartedAt, within the dedup window
// of the previous sighting) is dropped as a duplicate before the window is
// consulted, even if the window has just ended; other firings inside the
// window are suppressed and counted. Resolutions always pass.
//
// When a window ends with suppressed occurrences, Sweep returns a digest event
// carrying the accumulated count. Records are partitioned into shards by
// fingerprint hash; each shard has its own table and lock.
package suppress
