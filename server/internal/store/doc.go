// Package store keeps the most recent dispatched state of every incident in
// memory for GET /api/v1/incidents and the websocket hub's initial snapshot.
// Entries expire after a TTL; Run evicts them in the background.
package store
