package notify

import (
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// retryPolicy computes the wait before retry n (1-based): initial·2^(n-1)
// capped at max, with ±25% jitter. A Retry-After hint from the endpoint
// replaces the computed delay but is still capped at max.
type retryPolicy struct {
	initial time.Duration
	max     time.Duration
	rand    func() float64 // [0, 1); replaced in tests
}

func newRetryPolicy(initial, ceiling time.Duration) retryPolicy {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if ceiling < initial {
		ceiling = initial
	}
	return retryPolicy{initial: initial, max: ceiling, rand: rand.Float64} //nolint:gosec // not crypto
}

func (p retryPolicy) delay(attempt int, err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return min(se.RetryAfter, p.max)
	}

	base := float64(p.initial) * math.Pow(2, float64(max(attempt-1, 0)))
	base = math.Min(base, float64(p.max))
	d := time.Duration(base * (1 + 0.25*(2*p.rand()-1)))
	return max(d, 0)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. It returns zero when the header is absent, malformed or in the past.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}
