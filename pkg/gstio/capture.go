//go:build !nogst

package gstio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cyclopcam/logs"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var initOnce sync.Once

func initGst() {
	initOnce.Do(func() {
		gst.Init(nil)
	})
}

// Capture is a v4l2 camera feeding an appsink
type Capture struct {
	log      logs.Log
	cfg      CaptureConfig
	pipeline *gst.Pipeline
	sink     *app.Sink
	cancel   context.CancelFunc
	errors   chan error
	closed   atomic.Bool
}

func NewCapture(log logs.Log, cfg CaptureConfig) (*Capture, error) {
	initGst()
	launch := cfg.Launch()
	log.Infof("Capture pipeline: %v", launch)
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("Failed to create capture pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("Capture pipeline has no appsink: %w", err)
	}
	sink := app.SinkFromElement(elem)
	sink.SetProperty("emit-signals", true)
	sink.SetProperty("sync", false)    // No clock sync. We want frames as soon as they arrive.
	sink.SetProperty("max-buffers", 1) // Keep only the latest frame
	sink.SetProperty("drop", true)
	return &Capture{
		log:      log,
		cfg:      cfg,
		pipeline: pipeline,
		sink:     sink,
		errors:   make(chan error, 1),
	}, nil
}

// OnSample installs a callback that runs on the appsink streaming thread for every new frame.
// The callback is expected to call Pull.
func (c *Capture) OnSample(fn func()) {
	c.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			fn()
			return gst.FlowOK
		},
	})
}

// Start playing, and watch the bus for errors
func (c *Capture) Start() error {
	if err := c.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("Failed to start capture pipeline: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go monitorBus(ctx, c.log, "capture", c.pipeline, c.errors)
	return nil
}

// Errors reports a fatal bus error or end of stream
func (c *Capture) Errors() <-chan error {
	return c.errors
}

// Pull the next sample from the appsink, and map it for reading.
// The caller must Release the frame.
func (c *Capture) Pull() (*Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	sample := c.sink.PullSample()
	if sample == nil {
		return nil, ErrNoSample
	}
	width, height, format, err := parseSampleCaps(sample.GetCaps())
	if err != nil {
		return nil, err
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, ErrNoSample
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("Failed to map capture buffer")
	}
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return nil, fmt.Errorf("Capture buffer is empty")
	}
	metaStride := 0
	if st, offset, ok := videoMetaLayout(buffer); ok && offset >= 0 && offset < len(data) {
		metaStride = st
		data = data[offset:]
	}
	stride := frameStride(metaStride, width, height, bytesPerPixel(format), len(data))
	return NewFrame(width, height, stride, format, data, func() {
		buffer.Unmap()
	}), nil
}

func (c *Capture) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.pipeline.SetState(gst.StateNull)
}

func parseSampleCaps(caps *gst.Caps) (width, height int, format string, err error) {
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, "", fmt.Errorf("Sample has no caps")
	}
	st := caps.GetStructureAt(0)
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0, "", fmt.Errorf("Sample caps have no width: %w", err)
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0, "", fmt.Errorf("Sample caps have no height: %w", err)
	}
	f, err := st.GetValue("format")
	if err != nil {
		return 0, 0, "", fmt.Errorf("Sample caps have no format: %w", err)
	}
	width = toInt(w)
	height = toInt(h)
	format, _ = f.(string)
	if width <= 0 || height <= 0 || format == "" {
		return 0, 0, "", fmt.Errorf("Invalid sample caps %v", caps.String())
	}
	return
}

func toInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	}
	return 0
}
