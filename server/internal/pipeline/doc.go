// Package pipeline wires vigil's stages together.
//
//	samples ─▶ detection shards ─▶ ingest.FromAnomaly ─┐
//	                                                    ├─▶ suppress ─▶ route ─▶ dispatch ─▶ {notify, annotate}
//	webhooks ─▶ ingest.ParseWebhook ────────────────────┘
//
// Detection runs on series.workers shards. A series is owned by the shard
// chosen by hashing its key, so its detector state has a single writer and
// needs no lock. Each shard has a bounded mailbox; Submit blocks while the
// mailbox is full.
//
// Dispatch queues are sharded by fingerprint so every incident is delivered
// and annotated in order. Within one item, notification and annotation run
// concurrently and channels are delivered in parallel. Detection shards never
// wait on a full dispatch queue: the event is dead-lettered and counted as
// overflow instead. Webhook submits and sweep digests wait for room.
//
// Shutdown stops intake, drains the shard mailboxes, flushes suppression
// digests, drains the dispatch queues and closes the notifier. Whatever
// cannot be delivered before the deadline goes to the dead-letter log.
package pipeline
