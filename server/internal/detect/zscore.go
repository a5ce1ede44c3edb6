package detect

import (
	"math"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

// ZScore keeps a ring of the previous N samples and flags a sample whose
// z-score against that window exceeds the threshold. Running sums are
// recomputed from the ring every N pushes to bound floating-point drift.
type ZScore struct {
	eventBase
	threshold float64
	warmUp    int

	vals   []float64
	times  []time.Time
	head   int // next write position
	count  int
	sum    float64
	sumSq  float64
	pushes int
}

// newZScore returns a z-score evaluator over a window of size n.
func newZScore(base eventBase, n int, threshold float64, warmUp int) *ZScore {
	return &ZScore{
		eventBase: base,
		threshold: threshold,
		warmUp:    warmUp,
		vals:      make([]float64, n),
		times:     make([]time.Time, n),
	}
}

// Evaluate implements Evaluator.
func (z *ZScore) Evaluate(s types.MetricSample) (types.AnomalyEvent, bool) {
	x := s.Value
	if !finite(x) {
		return types.AnomalyEvent{}, false
	}

	var (
		ev      types.AnomalyEvent
		flagged bool
	)
	if z.count >= 2 && z.count >= z.warmUp {
		mean, sd := z.stats()
		if !zeroSpread(sd, mean) {
			score := (x - mean) / sd
			if math.Abs(score) > z.threshold {
				ev = z.event(s, mean, score, z.oldest())
				flagged = true
			}
		}
	}
	z.push(x, s.Timestamp)
	return ev, flagged
}

func (z *ZScore) stats() (mean, sd float64) {
	n := float64(z.count)
	mean = z.sum / n
	v := z.sumSq/n - mean*mean
	if v < 0 {
		v = 0
	}
	return mean, math.Sqrt(v)
}

func (z *ZScore) oldest() time.Time {
	if z.count < len(z.vals) {
		return z.times[0]
	}
	return z.times[z.head]
}

func (z *ZScore) push(x float64, ts time.Time) {
	size := len(z.vals)
	if z.count == size {
		old := z.vals[z.head]
		z.sum -= old
		z.sumSq -= old * old
	} else {
		z.count++
	}
	z.vals[z.head] = x
	z.times[z.head] = ts
	z.head = (z.head + 1) % size
	z.sum += x
	z.sumSq += x * x

	z.pushes++
	if z.pushes >= size {
		z.pushes = 0
		z.resum()
	}
}

func (z *ZScore) resum() {
	var sum, sq float64
	for i := 0; i < z.count; i++ {
		v := z.vals[i]
		sum += v
		sq += v * v
	}
	z.sum, z.sumSq = sum, sq
}
