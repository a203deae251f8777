package perfstats

import "sync/atomic"

// Update an exponential moving average (weight 1/64 for the new sample).
// The first sample initializes the average.
func Update(stat *atomic.Int64, value int64) {
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(value)
	} else {
		stat.Store((stat.Load()*63 + value) >> 6)
	}
}
