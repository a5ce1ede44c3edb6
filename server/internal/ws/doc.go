// Package ws streams incident updates to websocket clients at /ws/events.
//
// On connect a client receives a "snapshot" message listing the recent
// incidents from the store. After that, every dispatched event is pushed as an
// "incident" message as soon as it is published, and a fresh snapshot is
// broadcast every interval so late or lossy clients converge.
//
//	{"event": "incident", "data": { /* store.Incident */ }}
//	{"event": "snapshot", "data": {"generated_at": "...", "incidents": [...]}}
//
// Slow clients whose buffer fills up are disconnected. The upgrader accepts
// all origins; apply CORS restrictions at the reverse proxy.
package ws
