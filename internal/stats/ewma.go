package stats

import (
	"math"
	"sync/atomic"
	"time"
)

const ewmaAlpha = 0.25

// durationEWMA is an exponentially weighted moving average of job durations.
// It is lock-free so Snapshot never waits on a worker recording a sample.
type durationEWMA struct {
	bits  atomic.Uint64
	count atomic.Int64
}

func (e *durationEWMA) observe(value time.Duration) {
	if value <= 0 {
		return
	}
	sample := float64(value)
	for {
		old := e.bits.Load()
		next := sample
		if e.count.Load() > 0 {
			current := math.Float64frombits(old)
			next = (1-ewmaAlpha)*current + ewmaAlpha*sample
		}
		if e.bits.CompareAndSwap(old, math.Float64bits(next)) {
			e.count.Add(1)
			return
		}
	}
}

func (e *durationEWMA) estimate() time.Duration {
	if e.count.Load() == 0 {
		return 0
	}
	return time.Duration(math.Float64frombits(e.bits.Load()))
}
