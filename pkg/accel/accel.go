// Package accel contains the pixel format conversions that sit between the camera and the NPU.
// These are plain Go loops, written so that the compiler can eliminate bounds checks
// on the inner loops.
package accel

import (
	"errors"
	"fmt"
)

var ErrOddWidth = errors.New("Packed YUV 4:2:2 requires an even width")

// ChannelOrder of a 3 channel interleaved image
type ChannelOrder int

const (
	OrderRGB ChannelOrder = iota
	OrderBGR
)

func (o ChannelOrder) String() string {
	if o == OrderBGR {
		return "BGR"
	}
	return "RGB"
}

// Parse "rgb" or "bgr" (case insensitive)
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch s {
	case "rgb", "RGB", "":
		return OrderRGB, nil
	case "bgr", "BGR":
		return OrderBGR, nil
	}
	return OrderRGB, fmt.Errorf("Invalid channel order '%v'. Valid values are 'rgb' and 'bgr'", s)
}

// Copy a 3 channel image from src to dst, swapping the first and third channel.
// src and dst may be the same buffer.
func SwapRB(width, height int, src []byte, srcStride int, dst []byte, dstStride int) {
	for y := 0; y < height; y++ {
		s := src[y*srcStride : y*srcStride+width*3]
		d := dst[y*dstStride : y*dstStride+width*3]
		for x := 0; x+2 < len(s); x += 3 {
			r, g, b := s[x], s[x+1], s[x+2]
			d[x] = b
			d[x+1] = g
			d[x+2] = r
		}
	}
}

// Copy a 3 channel image, row by row
func Copy3(width, height int, src []byte, srcStride int, dst []byte, dstStride int) {
	rowBytes := width * 3
	for y := 0; y < height; y++ {
		copy(dst[y*dstStride:y*dstStride+rowBytes], src[y*srcStride:y*srcStride+rowBytes])
	}
}
