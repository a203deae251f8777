// Package perfstats measures how long the stages of the frame pipeline take,
// so that it is easy to compare different models and hardware.
package perfstats

import "time"

// Int64Accumulator counts samples of an integer quantity, such as detections per frame.
type Int64Accumulator struct {
	Samples int64
	Total   int64
}

func (a *Int64Accumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *Int64Accumulator) AddSample(v int64) {
	a.Samples++
	a.Total += v
}

func (a *Int64Accumulator) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return float64(a.Total) / float64(a.Samples)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}
