// Package notify delivers routed incidents to notification channels.
//
// Every event is rendered once into a Message (severity, summary, observed vs
// baseline, occurrence count, dashboard link) and handed to one Adapter per
// channel: slack, teams, pagerduty, http or log. Channels are delivered in
// parallel and independently. Each channel has its own rate limiter and
// circuit breaker, and failed deliveries are retried with truncated
// exponential backoff and jitter. HTTP 4xx responses other than 429 are
// permanent and not retried.
//
// Notify never fails the caller; it returns one Result per channel.
package notify
