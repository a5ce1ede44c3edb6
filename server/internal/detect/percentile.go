package detect

import (
	"math"
	"sort"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

// percentileSeverityUnit is the score at which a percentile sample just
// crosses its limit; twice this is critical.
const percentileSeverityUnit = 1.0

// Percentile keeps the last N samples in arrival order and in sorted order.
// A sample is anomalous when it exceeds the p-th percentile of the window by
// more than margin (relative to the percentile's magnitude).
type Percentile struct {
	eventBase
	p      float64
	margin float64
	warmUp int

	ring   []float64
	times  []time.Time
	head   int
	count  int
	sorted []float64
}

// newPercentile returns a percentile evaluator over a window of size n.
func newPercentile(base eventBase, n int, p, margin float64, warmUp int) *Percentile {
	return &Percentile{
		eventBase: base,
		p:         p,
		margin:    margin,
		warmUp:    warmUp,
		ring:      make([]float64, n),
		times:     make([]time.Time, n),
		sorted:    make([]float64, 0, n),
	}
}

// Evaluate implements Evaluator.
func (pc *Percentile) Evaluate(s types.MetricSample) (types.AnomalyEvent, bool) {
	x := s.Value
	if !finite(x) {
		return types.AnomalyEvent{}, false
	}

	var (
		ev      types.AnomalyEvent
		flagged bool
	)
	if pc.count >= 2 && pc.count >= pc.warmUp {
		lo, hi := pc.sorted[0], pc.sorted[len(pc.sorted)-1]
		if lo != hi {
			q := pc.Quantile()
			limit := q + math.Abs(q)*pc.margin
			if x > limit {
				spread := math.Abs(q) * pc.margin
				if spread == 0 {
					spread = hi - lo
				}
				score := (x - q) / spread
				ev = pc.event(s, q, score, pc.oldest())
				flagged = true
			}
		}
	}
	pc.push(x, s.Timestamp)
	return ev, flagged
}

// Quantile returns the configured percentile of the current window using
// linear interpolation between closest ranks. It returns 0 for an empty window.
func (pc *Percentile) Quantile() float64 {
	n := len(pc.sorted)
	if n == 0 {
		return 0
	}
	rank := pc.p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return pc.sorted[lo]
	}
	frac := rank - float64(lo)
	return pc.sorted[lo]*(1-frac) + pc.sorted[hi]*frac
}

func (pc *Percentile) oldest() time.Time {
	if pc.count < len(pc.ring) {
		return pc.times[0]
	}
	return pc.times[pc.head]
}

func (pc *Percentile) push(x float64, ts time.Time) {
	if pc.count == len(pc.ring) {
		pc.remove(pc.ring[pc.head])
	} else {
		pc.count++
	}
	pc.ring[pc.head] = x
	pc.times[pc.head] = ts
	pc.head = (pc.head + 1) % len(pc.ring)
	pc.insert(x)
}

func (pc *Percentile) insert(x float64) {
	i := sort.SearchFloat64s(pc.sorted, x)
	pc.sorted = append(pc.sorted, 0)
	copy(pc.sorted[i+1:], pc.sorted[i:])
	pc.sorted[i] = x
}

func (pc *Percentile) remove(x float64) {
	i := sort.SearchFloat64s(pc.sorted, x)
	if i < len(pc.sorted) && pc.sorted[i] == x {
		pc.sorted = append(pc.sorted[:i], pc.sorted[i+1:]...)
	}
}
