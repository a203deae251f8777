package server

import (
	"errors"

	"github.com/cyclopcam/rkdetect/pkg/accel"
	"github.com/cyclopcam/rkdetect/pkg/gstio"
	"github.com/cyclopcam/rkdetect/server/framestage"
)

type frameSource interface {
	Pull() (*gstio.Frame, error)
}

// captureSource adapts the GStreamer capture to the frame stage
type captureSource struct {
	capture frameSource
}

func (c *captureSource) Pull() (*framestage.CaptureFrame, error) {
	f, err := c.capture.Pull()
	if err != nil {
		if errors.Is(err, gstio.ErrNoSample) || errors.Is(err, gstio.ErrClosed) {
			return nil, framestage.ErrNoSample
		}
		return nil, err
	}
	format, err := framestage.ParsePixelFormat(f.Format)
	if err != nil {
		f.Release()
		return nil, err
	}
	return framestage.NewCaptureFrame(f.Width, f.Height, f.Stride, format, f.Data, f.Release), nil
}

type framePusher interface {
	Push(buf []byte) error
}

type displaySink struct {
	display framePusher
	format  framestage.SinkFormat
}

func newDisplaySink(d *gstio.Display) *displaySink {
	cfg := d.Config()
	order, _ := accel.ParseChannelOrder(cfg.Format)
	return &displaySink{
		display: d,
		format:  framestage.SinkFormat{Width: cfg.Width, Height: cfg.Height, Order: order},
	}
}

func (d *displaySink) Format() framestage.SinkFormat {
	return d.format
}

func (d *displaySink) Push(buf []byte) error {
	return d.display.Push(buf)
}

// nullSink is used when there is no display. Frames are still annotated, for the HTTP API.
type nullSink struct{}

func (n *nullSink) Format() framestage.SinkFormat {
	return framestage.SinkFormat{}
}

func (n *nullSink) Push(buf []byte) error {
	return nil
}
