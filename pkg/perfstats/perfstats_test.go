package perfstats

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEstimateFPS(t *testing.T) {
	ms := time.Millisecond
	require.Equal(t, 0.0, EstimateFPS(nil))
	require.Equal(t, 30.0, EstimateFPS([]time.Duration{33333 * time.Microsecond, 33333 * time.Microsecond, 33334 * time.Microsecond}))
	// A single stall does not move the median
	require.Equal(t, 10.0, EstimateFPS([]time.Duration{100 * ms, 100 * ms, 900 * ms, 100 * ms, 100 * ms}))
	require.Equal(t, 0.5, EstimateFPS([]time.Duration{2 * time.Second}))
}

func TestFrameRate(t *testing.T) {
	fr := NewFrameRate(4)
	now := time.Now()
	require.Equal(t, 0.0, fr.FPS())
	for i := 0; i < 10; i++ {
		fr.Tick(now.Add(time.Duration(i) * 40 * time.Millisecond))
	}
	require.Equal(t, 25.0, fr.FPS())
}

func TestAccumulators(t *testing.T) {
	ta := TimeAccumulator{}
	require.Equal(t, time.Duration(0), ta.Average())
	ta.AddSample(10 * time.Millisecond)
	ta.AddSample(20 * time.Millisecond)
	require.Equal(t, 15*time.Millisecond, ta.Average())
	ta.Reset()
	require.Equal(t, int64(0), ta.Samples)

	a := Int64Accumulator{}
	a.AddSample(3)
	a.AddSample(4)
	require.Equal(t, 3.5, a.Average())
}

func TestMovingAverage(t *testing.T) {
	var avg atomic.Int64
	Update(&avg, 6400)
	require.Equal(t, int64(6400), avg.Load())
	Update(&avg, 0)
	require.Equal(t, int64(6300), avg.Load())
}
