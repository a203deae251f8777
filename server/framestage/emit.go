package framestage

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/rkdetect/pkg/accel"
)

// Resolve zero dimensions of a sink format to the frame size
func resolveSinkFormat(f SinkFormat, frameWidth, frameHeight int) SinkFormat {
	if f.Width <= 0 || f.Height <= 0 {
		f.Width = frameWidth
		f.Height = frameHeight
	}
	return f
}

// Fill the display buffer 'dst' (exactly Width*Height*3 bytes of 'format') from the annotated frame.
// The frame is resized if the sink is a different size, and channels are swapped if the sink
// wants a different order.
func FillSinkBuffer(frame *cimg.Image, frameOrder accel.ChannelOrder, dst []byte, format SinkFormat, resizer Resizer) error {
	if len(dst) != format.Width*format.Height*3 {
		return fmt.Errorf("Display buffer is %v bytes, but %v x %v x 3 = %v", len(dst), format.Width, format.Height, format.Width*format.Height*3)
	}
	dstStride := format.Width * 3
	if frame.Width == format.Width && frame.Height == format.Height {
		if frameOrder == format.Order {
			accel.Copy3(frame.Width, frame.Height, frame.Pixels, frame.Stride, dst, dstStride)
		} else {
			accel.SwapRB(frame.Width, frame.Height, frame.Pixels, frame.Stride, dst, dstStride)
		}
		return nil
	}
	wrap := cimg.WrapImage(format.Width, format.Height, cimg.PixelFormatRGB, dst)
	if err := resizer.Resize(frame, wrap); err != nil {
		return err
	}
	if frameOrder != format.Order {
		accel.SwapRB(format.Width, format.Height, dst, dstStride, dst, dstStride)
	}
	return nil
}
