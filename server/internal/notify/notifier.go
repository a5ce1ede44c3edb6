package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
)

// ErrUnknownChannel is reported for a route naming a channel that does not exist.
var ErrUnknownChannel = errors.New("notify: unknown channel")

// Result is the outcome of delivering one event to one channel.
type Result struct {
	Channel     string        `json:"channel"`
	Fingerprint string        `json:"fingerprint"`
	EventID     string        `json:"event_id"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`
}

// OK reports whether the delivery succeeded.
func (r Result) OK() bool { return r.Err == nil }

type channel struct {
	name    string
	kind    string
	adapter Adapter
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Notifier fans events out to channels. It is safe for concurrent use.
type Notifier struct {
	channels     map[string]*channel
	maxAttempts  int
	retry        retryPolicy
	dashboardURL string

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Notifier for the configured channels.
func New(chs []config.Channel, nc config.NotifyConfig) (*Notifier, error) {
	n := &Notifier{
		channels:     make(map[string]*channel, len(chs)),
		maxAttempts:  nc.MaxAttempts,
		retry:        newRetryPolicy(nc.InitialBackoff, nc.MaxBackoff),
		dashboardURL: nc.DashboardURL,
		sleep:        sleepCtx,
	}
	if n.maxAttempts <= 0 {
		n.maxAttempts = 1
	}
	for _, c := range chs {
		ch, err := n.buildChannel(c)
		if err != nil {
			return nil, err
		}
		n.channels[c.Name] = ch
	}
	return n, nil
}

func (n *Notifier) buildChannel(c config.Channel) (*channel, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = config.DefaultChannelTimeout
	}
	client := &http.Client{Timeout: timeout}
	p := poster{url: c.URL(), client: client}

	var a Adapter
	switch c.Type {
	case "slack":
		a = slackAdapter{p}
	case "teams":
		a = teamsAdapter{p}
	case "pagerduty":
		a = pagerdutyAdapter{poster: p, routingKey: c.Key()}
	case "http":
		a = httpAdapter{p}
	case "log":
		a = logAdapter{channel: c.Name}
	default:
		return nil, fmt.Errorf("notify: channel %q: unknown type %q", c.Name, c.Type)
	}
	if c.Type != "log" && p.url == "" {
		slog.Warn("notify: channel has no URL, deliveries will fail",
			"channel", c.Name, "url_env", c.URLEnv)
	}

	limit := rate.Inf
	if c.RatePerSec > 0 {
		limit = rate.Limit(c.RatePerSec)
	}
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}

	return &channel{
		name:    c.Name,
		kind:    c.Type,
		adapter: a,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notify-" + c.Name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A rejected payload means the endpoint is up.
			IsSuccessful: func(err error) bool {
				return err == nil || isPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("notify: circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}, nil
}

// Channels returns the configured channel names.
func (n *Notifier) Channels() []string {
	out := make([]string, 0, len(n.channels))
	for name := range n.channels {
		out = append(out, name)
	}
	return out
}

// Notify delivers ev to every named channel in parallel and waits for all of
// them. Results are returned in the order of names.
func (n *Notifier) Notify(ctx context.Context, ev types.AlertEvent, names []string) []Result {
	msg := Render(ev, n.dashboardURL)
	results := make([]Result, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = n.deliver(ctx, name, msg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (n *Notifier) deliver(ctx context.Context, name string, msg Message) Result {
	start := time.Now()
	res := Result{Channel: name, Fingerprint: msg.Event.Fingerprint, EventID: msg.Event.EventID}

	ch, ok := n.channels[name]
	if !ok {
		res.Err = fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		slog.Error("notify: delivery skipped", "channel", name, "err", res.Err)
		return res
	}

	for res.Attempts < n.maxAttempts {
		if err := ch.limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("rate limit wait: %w", err)
			break
		}
		res.Attempts++
		_, err := ch.breaker.Execute(func() (interface{}, error) {
			return nil, ch.adapter.Send(ctx, msg)
		})
		res.Err = err
		if err == nil {
			break
		}
		if isPermanent(err) || errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
			break
		}
		if res.Attempts < n.maxAttempts {
			if serr := n.sleep(ctx, n.retry.delay(res.Attempts, err)); serr != nil {
				break
			}
		}
	}
	res.Duration = time.Since(start)

	if res.Err != nil {
		slog.Error("notify: delivery failed",
			"channel", name,
			"type", ch.kind,
			"fingerprint", res.Fingerprint,
			"attempts", res.Attempts,
			"err", res.Err,
		)
	} else {
		slog.Debug("notify: delivered",
			"channel", name,
			"type", ch.kind,
			"fingerprint", res.Fingerprint,
			"status", msg.Event.Status(),
			"attempts", res.Attempts,
		)
	}
	return res
}

// Close releases idle connections held by the adapters.
func (n *Notifier) Close() {
	for _, ch := range n.channels {
		switch a := ch.adapter.(type) {
		case slackAdapter:
			a.client.CloseIdleConnections()
		case teamsAdapter:
			a.client.CloseIdleConnections()
		case pagerdutyAdapter:
			a.client.CloseIdleConnections()
		case httpAdapter:
			a.client.CloseIdleConnections()
		}
	}
}

// isPermanent reports whether retrying err cannot succeed: HTTP 4xx other
// than 429 Too Many Requests.
func isPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
