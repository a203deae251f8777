package framestage

import (
	"fmt"

	"github.com/cyclopcam/rkdetect/pkg/accel"
)

// PixelFormat of a captured frame
type PixelFormat int

const (
	PixelFormatYUY2 PixelFormat = iota // Packed 4:2:2, Y0 U Y1 V
	PixelFormatRGB
	PixelFormatBGR
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatYUY2:
		return "YUY2"
	case PixelFormatRGB:
		return "RGB"
	case PixelFormatBGR:
		return "BGR"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// Parse a GStreamer caps format string
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch s {
	case "YUY2", "YUYV":
		return PixelFormatYUY2, nil
	case "RGB":
		return PixelFormatRGB, nil
	case "BGR":
		return PixelFormatBGR, nil
	}
	return PixelFormatYUY2, fmt.Errorf("Unsupported pixel format '%v'", s)
}

// Bytes per pixel
func (f PixelFormat) BytesPerPixel() int {
	if f == PixelFormatYUY2 {
		return 2
	}
	return 3
}

// CaptureFrame is a frame that is still owned by the capture transport.
// Pixels are only valid until Release is called.
type CaptureFrame struct {
	Width   int
	Height  int
	Stride  int
	Format  PixelFormat
	Pixels  []byte
	release func()
}

// If stride is zero, the frame is assumed to be tightly packed.
// release may be nil, if the pixels are not borrowed.
func NewCaptureFrame(width, height, stride int, format PixelFormat, pixels []byte, release func()) *CaptureFrame {
	if stride == 0 {
		stride = width * format.BytesPerPixel()
	}
	return &CaptureFrame{
		Width:   width,
		Height:  height,
		Stride:  stride,
		Format:  format,
		Pixels:  pixels,
		release: release,
	}
}

// Release hands the frame back to the transport. Safe to call more than once.
func (f *CaptureFrame) Release() {
	if f.release != nil {
		f.release()
		f.release = nil
	}
	f.Pixels = nil
}

// Number of bytes that the pixel buffer must hold
func (f *CaptureFrame) requiredBytes() int {
	if f.Height <= 0 {
		return 0
	}
	return f.Stride*(f.Height-1) + f.Width*f.Format.BytesPerPixel()
}

// CaptureSource produces frames. Pull returns ErrNoSample (or a nil frame) when there is nothing to read.
type CaptureSource interface {
	Pull() (*CaptureFrame, error)
}

// SinkFormat is the negotiated format of a display sink.
// Zero width or height means "same size as the capture frame".
type SinkFormat struct {
	Width  int
	Height int
	Order  accel.ChannelOrder
}

// DisplaySink consumes finished frames. Push must copy or take ownership of buf before returning,
// because the stage recycles buf as soon as Push returns.
type DisplaySink interface {
	Format() SinkFormat
	Push(buf []byte) error
}
