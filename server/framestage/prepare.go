package framestage

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/rkdetect/pkg/accel"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
)

// Resizer scales the whole of src into dst. Both images have 3 channels.
type Resizer interface {
	Resize(src, dst *cimg.Image) error
}

type ResizeQuality int

const (
	ResizeQualityLow ResizeQuality = iota
	ResizeQualityHigh
)

// CImgResizer resizes with stb_image_resize (via cimg)
type CImgResizer struct {
	Quality ResizeQuality
}

func (r *CImgResizer) Resize(src, dst *cimg.Image) error {
	if src.NChan() != dst.NChan() {
		return fmt.Errorf("Cannot resize %v channels into %v channels", src.NChan(), dst.NChan())
	}
	if dst.Width <= 0 || dst.Height <= 0 || src.Width <= 0 || src.Height <= 0 {
		return fmt.Errorf("Cannot resize %v x %v to %v x %v", src.Width, src.Height, dst.Width, dst.Height)
	}
	if src.Width == dst.Width && src.Height == dst.Height {
		accel.Copy3(src.Width, src.Height, src.Pixels, src.Stride, dst.Pixels, dst.Stride)
		return nil
	}
	params := cimg.ResizeParams{CheapSRGBFilter: true}
	if r.Quality == ResizeQualityHigh {
		// Of all the stbir filters, CatmullRom seems to be the sharpest.
		params.Filter = cimg.ResizeFilterCatmullRom
	} else if dst.Width < src.Width || dst.Height < src.Height {
		// Box filter for downsampling, in case we have a massive ratio
		params.Filter = cimg.ResizeFilterBox
	} else {
		// Triangle is bilinear on upsampling
		params.Filter = cimg.ResizeFilterTriangle
	}
	cimg.Resize(src, dst, &params)
	return nil
}

// Convert a captured frame into dst, which must be the same size as the frame and have 3 channels.
// The channel order of dst is 'order'.
func ConvertFrame(src *CaptureFrame, dst *cimg.Image, order accel.ChannelOrder) error {
	if src.Width <= 0 || src.Height <= 0 || len(src.Pixels) < src.requiredBytes() {
		return fmt.Errorf("%w: %v x %v %v frame has %v bytes, need %v", ErrBufferMap, src.Width, src.Height, src.Format, len(src.Pixels), src.requiredBytes())
	}
	if dst.Width != src.Width || dst.Height != src.Height || dst.NChan() != 3 {
		return fmt.Errorf("%w: destination is %v x %v x %v, source is %v x %v", ErrConversion, dst.Width, dst.Height, dst.NChan(), src.Width, src.Height)
	}
	switch src.Format {
	case PixelFormatYUY2:
		yuyv, err := accel.WrapYUYV(src.Width, src.Height, src.Stride, src.Pixels)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConversion, err)
		}
		yuyv.CopyToCImage(dst, order)
	case PixelFormatRGB, PixelFormatBGR:
		srcOrder := accel.OrderRGB
		if src.Format == PixelFormatBGR {
			srcOrder = accel.OrderBGR
		}
		if srcOrder == order {
			accel.Copy3(src.Width, src.Height, src.Pixels, src.Stride, dst.Pixels, dst.Stride)
		} else {
			accel.SwapRB(src.Width, src.Height, src.Pixels, src.Stride, dst.Pixels, dst.Stride)
		}
	default:
		return fmt.Errorf("%w: unsupported pixel format %v", ErrConversion, src.Format)
	}
	return nil
}

// PrepareTensor produces the model input for the converted frame 'rgb'.
// If the frame is already the model size, the tensor aliases the frame's memory and owns is false.
// Otherwise a new buffer is taken from alloc, the whole frame is stretched into it, and owns is true.
// When owns is true, tensor.Data must be given back to alloc, even if err is not nil.
func PrepareTensor(rgb *cimg.Image, meta *nnaccel.ModelMetadata, alloc nnaccel.Allocator, resizer Resizer) (tensor nnaccel.Tensor, owns bool, err error) {
	tensor = nnaccel.Tensor{
		Width:    meta.InputWidth,
		Height:   meta.InputHeight,
		Channels: meta.InputChannels,
		Layout:   nnaccel.LayoutNHWC,
		Type:     nnaccel.TypeUint8,
	}
	size := tensor.ExpectedSize()
	if rgb.Width == meta.InputWidth && rgb.Height == meta.InputHeight && rgb.Stride == rgb.Width*3 && len(rgb.Pixels) >= size {
		tensor.Data = rgb.Pixels[:size]
		return tensor, false, nil
	}

	buf, err := alloc.Alloc(size)
	if err != nil {
		return tensor, false, fmt.Errorf("%w: %w", ErrResizeAlloc, err)
	}
	tensor.Data = buf
	dst := cimg.WrapImage(meta.InputWidth, meta.InputHeight, cimg.PixelFormatRGB, buf)
	if err := resizer.Resize(rgb, dst); err != nil {
		return tensor, true, fmt.Errorf("%w: %w", ErrConversion, err)
	}
	return tensor, true, nil
}
