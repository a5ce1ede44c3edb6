// Package deadletter persists work the pipeline could not complete: failed
// notifications, events dropped at shutdown, samples refused by full queues.
//
// Each entry is one JSON line compressed as an independent zstd frame and
// appended to deadletter-<unix>.jsonl.zst, so a crash loses at most the entry
// being written. Replay decodes every file in a directory in name order.
package deadletter
