package perfstats

import (
	"math"
	"slices"
	"time"

	"github.com/bmharper/ringbuffer"
)

// Given a set of consecutive frame intervals, estimate the average frames per second.
// We use the median interval, so that a single stall (eg a slow inference) doesn't skew the result.
// Returns 0 if there is nothing to go on.
func EstimateFPS(frameIntervals []time.Duration) float64 {
	if len(frameIntervals) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(frameIntervals))
	copy(sorted, frameIntervals)
	slices.Sort(sorted)
	mid := sorted[len(sorted)/2]
	if mid <= 0 {
		return 0
	}
	fps := float64(time.Second) / float64(mid)
	return math.Round(fps*10) / 10
}

// FrameRate remembers the most recent frame intervals.
// It is not thread safe.
type FrameRate struct {
	last      time.Time
	intervals ringbuffer.RingP[time.Duration]
}

func NewFrameRate(historySize int) *FrameRate {
	return &FrameRate{
		intervals: ringbuffer.NewRingP[time.Duration](historySize),
	}
}

// Record a frame at time 'now'
func (f *FrameRate) Tick(now time.Time) {
	if !f.last.IsZero() {
		f.intervals.Add(now.Sub(f.last))
	}
	f.last = now
}

func (f *FrameRate) FPS() float64 {
	intervals := make([]time.Duration, 0, f.intervals.Len())
	for i := 0; i < f.intervals.Len(); i++ {
		intervals = append(intervals, f.intervals.Peek(i))
	}
	return EstimateFPS(intervals)
}
