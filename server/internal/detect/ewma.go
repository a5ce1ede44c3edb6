package detect

import (
	"math"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

// EWMA tracks an exponentially weighted mean and variance. A sample is
// compared with the baseline as it stood before the sample was absorbed.
type EWMA struct {
	eventBase
	alpha  float64
	k      float64
	warmUp int

	n     int
	mean  float64
	vari  float64
	first time.Time
}

// newEWMA returns an EWMA evaluator with smoothing alpha and band width k.
func newEWMA(base eventBase, alpha, k float64, warmUp int) *EWMA {
	return &EWMA{eventBase: base, alpha: alpha, k: k, warmUp: warmUp}
}

// Evaluate implements Evaluator.
func (e *EWMA) Evaluate(s types.MetricSample) (types.AnomalyEvent, bool) {
	x := s.Value
	if !finite(x) {
		return types.AnomalyEvent{}, false
	}
	if e.n == 0 {
		e.n = 1
		e.mean = x
		e.first = s.Timestamp
		return types.AnomalyEvent{}, false
	}

	prevMean := e.mean
	sigma := math.Sqrt(e.vari)
	diff := x - prevMean

	var (
		ev      types.AnomalyEvent
		flagged bool
	)
	if e.n >= e.warmUp && !zeroSpread(sigma, prevMean) {
		score := diff / sigma
		if math.Abs(diff) > e.k*sigma {
			ev = e.event(s, prevMean, score, e.first)
			flagged = true
		}
	}

	e.mean = prevMean + e.alpha*diff
	e.vari = (1 - e.alpha) * (e.vari + e.alpha*diff*diff)
	e.n++
	return ev, flagged
}

// Baseline returns the current mean and standard deviation.
func (e *EWMA) Baseline() (mean, stddev float64) {
	return e.mean, math.Sqrt(e.vari)
}
