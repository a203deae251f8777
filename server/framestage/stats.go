package framestage

import (
	"sync/atomic"
	"time"

	"github.com/cyclopcam/rkdetect/pkg/perfstats"
)

// Stats is a snapshot of the stage's counters, for the status API and the periodic log line.
type Stats struct {
	State           string           `json:"state"`
	FramesEmitted   int64            `json:"framesEmitted"`
	FramesDropped   int64            `json:"framesDropped"`
	DropsByReason   map[string]int64 `json:"dropsByReason"`
	DecodeFailures  int64            `json:"decodeFailures"`
	PushFailures    int64            `json:"pushFailures"`
	Detections      int64            `json:"detections"`
	FPS             float64          `json:"fps"`
	AvgConvertMS    float64          `json:"avgConvertMS"`
	AvgPrepareMS    float64          `json:"avgPrepareMS"`
	AvgInferenceMS  float64          `json:"avgInferenceMS"`
	AvgDecodeMS     float64          `json:"avgDecodeMS"`
	AvgRenderMS     float64          `json:"avgRenderMS"`
	AvgEmitMS       float64          `json:"avgEmitMS"`
	AvgFrameMS      float64          `json:"avgFrameMS"`
	LastFrameAt     time.Time        `json:"lastFrameAt"`
	InputWidth      int              `json:"inputWidth"`
	InputHeight     int              `json:"inputHeight"`
	LastFrameWidth  int              `json:"lastFrameWidth"`
	LastFrameHeight int              `json:"lastFrameHeight"`
}

// Per-step durations of one frame
type FrameTiming struct {
	Convert   time.Duration `json:"convert"`
	Prepare   time.Duration `json:"prepare"`
	Inference time.Duration `json:"inference"`
	Decode    time.Duration `json:"decode"`
	Render    time.Duration `json:"render"`
	Emit      time.Duration `json:"emit"`
	Total     time.Duration `json:"total"`
}

// Moving averages, in nanoseconds
type movingTimes struct {
	convert   atomic.Int64
	prepare   atomic.Int64
	inference atomic.Int64
	decode    atomic.Int64
	render    atomic.Int64
	emit      atomic.Int64
	total     atomic.Int64
}

func (m *movingTimes) update(t *FrameTiming) {
	perfstats.Update(&m.convert, t.Convert.Nanoseconds())
	perfstats.Update(&m.prepare, t.Prepare.Nanoseconds())
	perfstats.Update(&m.inference, t.Inference.Nanoseconds())
	perfstats.Update(&m.decode, t.Decode.Nanoseconds())
	perfstats.Update(&m.render, t.Render.Nanoseconds())
	perfstats.Update(&m.emit, t.Emit.Nanoseconds())
	perfstats.Update(&m.total, t.Total.Nanoseconds())
}

// Accumulators over the current log interval
type intervalTimes struct {
	inference  perfstats.TimeAccumulator
	total      perfstats.TimeAccumulator
	detections perfstats.Int64Accumulator
	drops      int64
}

func (i *intervalTimes) reset() {
	i.inference.Reset()
	i.total.Reset()
	i.detections.Reset()
	i.drops = 0
}

func nsToMS(ns int64) float64 {
	return float64(ns) / 1e6
}
