//go:build !nogst

package gstio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cyclopcam/logs"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Display pushes raw frames into a video sink through an appsrc
type Display struct {
	log      logs.Log
	cfg      DisplayConfig
	pipeline *gst.Pipeline
	src      *app.Source
	cancel   context.CancelFunc
	errors   chan error
	closed   atomic.Bool
}

func NewDisplay(log logs.Log, cfg DisplayConfig) (*Display, error) {
	initGst()
	launch := cfg.Launch()
	log.Infof("Display pipeline: %v (caps %v)", launch, cfg.Caps())
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("Failed to create display pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("Display pipeline has no appsrc: %w", err)
	}
	src := app.SrcFromElement(elem)
	src.SetCaps(gst.NewCapsFromString(cfg.Caps()))
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)
	return &Display{
		log:      log,
		cfg:      cfg,
		pipeline: pipeline,
		src:      src,
		errors:   make(chan error, 1),
	}, nil
}

func (d *Display) Config() DisplayConfig {
	return d.cfg
}

func (d *Display) Start() error {
	if err := d.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("Failed to start display pipeline: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go monitorBus(ctx, d.log, "display", d.pipeline, d.errors)
	return nil
}

func (d *Display) Errors() <-chan error {
	return d.errors
}

// Push copies buf into a new GStreamer buffer, so buf can be reused as soon as Push returns.
func (d *Display) Push(buf []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	expect := d.cfg.Width * d.cfg.Height * 3
	if len(buf) != expect {
		return fmt.Errorf("Display frame is %v bytes, expected %v", len(buf), expect)
	}
	ret := d.src.PushBuffer(gst.NewBufferFromBytes(buf))
	if ret != gst.FlowOK {
		return fmt.Errorf("appsrc push failed: %v", ret)
	}
	return nil
}

func (d *Display) Close() {
	if d.closed.Swap(true) {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.src.EndStream()
	d.pipeline.SetState(gst.StateNull)
}
