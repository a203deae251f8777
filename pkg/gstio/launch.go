// Package gstio holds the GStreamer ends of the detection pipeline:
// a v4l2 capture that hands out raw frames from an appsink, and an appsrc that
// feeds annotated frames to a wayland display.
package gstio

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNoSample = errors.New("No sample available")
var ErrClosed = errors.New("Pipeline is closed") // Returned by Pull and Push after Close

type CaptureConfig struct {
	Device string // eg /dev/video21
	Width  int    // Zero lets the camera pick
	Height int
	Format string // GStreamer raw format, eg YUY2
}

type DisplayConfig struct {
	Width      int
	Height     int
	Format     string // BGR or RGB
	Sink       string // Video sink element, eg waylandsink
	Fullscreen bool
}

func DefaultDisplayConfig() DisplayConfig {
	return DisplayConfig{
		Width:      1280,
		Height:     720,
		Format:     "BGR",
		Sink:       "waylandsink",
		Fullscreen: true,
	}
}

// Frame is a mapped capture buffer. Data is only valid until Release.
type Frame struct {
	Width   int
	Height  int
	Stride  int
	Format  string
	Data    []byte
	release func()
}

// NewFrame wraps memory that must be handed back with 'release' (which may be nil)
func NewFrame(width, height, stride int, format string, data []byte, release func()) *Frame {
	if stride == 0 {
		stride = width * bytesPerPixel(format)
	}
	return &Frame{
		Width:   width,
		Height:  height,
		Stride:  stride,
		Format:  format,
		Data:    data,
		release: release,
	}
}

// Release unmaps the buffer. Safe to call more than once.
func (f *Frame) Release() {
	if f.release != nil {
		f.release()
		f.release = nil
	}
	f.Data = nil
}

func (c *CaptureConfig) Caps() string {
	format := c.Format
	if format == "" {
		format = "YUY2"
	}
	caps := "video/x-raw,format=" + format
	if c.Width > 0 && c.Height > 0 {
		caps += fmt.Sprintf(",width=%v,height=%v", c.Width, c.Height)
	}
	return caps
}

// Launch string for the capture pipeline
func (c *CaptureConfig) Launch() string {
	parts := []string{
		fmt.Sprintf("v4l2src device=%v", quoteProperty(c.Device)),
		c.Caps(),
		"appsink name=sink",
	}
	return strings.Join(parts, " ! ")
}

func (c *DisplayConfig) Caps() string {
	return fmt.Sprintf("video/x-raw,format=%v,width=%v,height=%v,framerate=0/1", c.Format, c.Width, c.Height)
}

// Launch string for the display pipeline
func (c *DisplayConfig) Launch() string {
	sink := c.Sink
	if sink == "" {
		sink = "waylandsink"
	}
	sink += " name=wsink"
	if c.Fullscreen {
		sink += " fullscreen=true"
	}
	parts := []string{
		"appsrc name=src",
		"videoconvert",
		sink,
	}
	return strings.Join(parts, " ! ")
}

// Row stride of a mapped frame. The stride from the buffer's video meta wins when there is one,
// and it fits inside the buffer. Otherwise the stride is inferred from the buffer size.
func frameStride(metaStride, width, height, bytesPerPixel, bufLen int) int {
	tight := width * bytesPerPixel
	if metaStride >= tight && height > 0 && metaStride*(height-1)+tight <= bufLen {
		return metaStride
	}
	return inferStride(width, height, bytesPerPixel, bufLen)
}

// Infer the row stride of a mapped buffer. Drivers may pad rows, in which case
// the buffer is an exact multiple of the height.
func inferStride(width, height, bytesPerPixel, bufLen int) int {
	tight := width * bytesPerPixel
	if height <= 0 || bufLen%height != 0 {
		return tight
	}
	if s := bufLen / height; s >= tight {
		return s
	}
	return tight
}

func bytesPerPixel(format string) int {
	switch format {
	case "YUY2", "YUYV", "UYVY":
		return 2
	case "RGBA", "BGRA", "RGBx", "BGRx":
		return 4
	}
	return 3
}

func quoteProperty(v string) string {
	if strings.ContainsAny(v, " !\"") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}
