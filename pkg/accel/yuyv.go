package accel

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// Packed YUV 4:2:2 image, in the byte order Y0 U Y1 V (aka YUY2, YUYV).
// This is what UVC webcams and the RK3588 HDMI-in deliver through V4L2.
type YUYVImage struct {
	Width  int
	Height int
	Stride int // Bytes per row, at least Width*2
	Pixels []byte
}

// Wrap an existing buffer. If stride is zero, the image is assumed to be tightly packed.
func WrapYUYV(width, height, stride int, pixels []byte) (*YUYVImage, error) {
	if stride == 0 {
		stride = width * 2
	}
	if width%2 != 0 {
		return nil, ErrOddWidth
	}
	if width <= 0 || height <= 0 || stride < width*2 {
		return nil, fmt.Errorf("Invalid YUYV dimensions %v x %v, stride %v", width, height, stride)
	}
	if len(pixels) < stride*(height-1)+width*2 {
		return nil, fmt.Errorf("YUYV buffer is %v bytes, but %v x %v (stride %v) needs %v", len(pixels), width, height, stride, stride*(height-1)+width*2)
	}
	return &YUYVImage{
		Width:  width,
		Height: height,
		Stride: stride,
		Pixels: pixels,
	}, nil
}

// Transcode into dst, which must be the same size as the source, and have 3 channels.
func (x *YUYVImage) CopyToCImage(dst *cimg.Image, order ChannelOrder) {
	if dst.Width != x.Width || dst.Height != x.Height || dst.NChan() != 3 {
		panic("Destination image must be the same size as the source image, and have 3 channels")
	}
	YUYVToRGB(x.Width, x.Height, x.Pixels, x.Stride, dst.Pixels, dst.Stride, order)
}

// Convert packed YUYV to interleaved RGB or BGR.
// Uses the BT.601 limited range integer approximation, which is what OpenCV's
// COLOR_YUV2BGR_YUY2 produces to within rounding.
func YUYVToRGB(width, height int, src []byte, srcStride int, dst []byte, dstStride int, order ChannelOrder) {
	ri, bi := 0, 2
	if order == OrderBGR {
		ri, bi = 2, 0
	}
	for y := 0; y < height; y++ {
		s := src[y*srcStride : y*srcStride+width*2]
		d := dst[y*dstStride : y*dstStride+width*3]
		for i, o := 0, 0; i+3 < len(s) && o+5 < len(d); i, o = i+4, o+6 {
			u := int32(s[i+1]) - 128
			v := int32(s[i+3]) - 128
			ruv := 409*v + 128
			guv := -100*u - 208*v + 128
			buv := 516*u + 128

			c0 := 298 * (int32(s[i]) - 16)
			d[o+ri] = clamp8((c0 + ruv) >> 8)
			d[o+1] = clamp8((c0 + guv) >> 8)
			d[o+bi] = clamp8((c0 + buv) >> 8)

			c1 := 298 * (int32(s[i+2]) - 16)
			d[o+3+ri] = clamp8((c1 + ruv) >> 8)
			d[o+4] = clamp8((c1 + guv) >> 8)
			d[o+3+bi] = clamp8((c1 + buv) >> 8)
		}
	}
}

func clamp8(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
