package framestage

import (
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/rkdetect/pkg/accel"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
	"github.com/stretchr/testify/require"
)

func TestPrepareTensorAlias(t *testing.T) {
	alloc := newCountingAllocator()
	rgb := cimg.NewImage(320, 256, cimg.PixelFormatRGB)
	tensor, owns, err := PrepareTensor(rgb, testMeta(320, 256), alloc, &CImgResizer{})
	require.NoError(t, err)
	require.False(t, owns)
	require.Equal(t, 0, alloc.nAlloc)
	require.Equal(t, bufAddr(rgb.Pixels), bufAddr(tensor.Data))
	require.Len(t, tensor.Data, 320*256*3)
}

func TestPrepareTensorResize(t *testing.T) {
	alloc := newCountingAllocator()
	rgb := cimg.NewImage(640, 480, cimg.PixelFormatRGB)
	for i := range rgb.Pixels {
		rgb.Pixels[i] = 200
	}
	tensor, owns, err := PrepareTensor(rgb, testMeta(320, 320), alloc, &CImgResizer{})
	require.NoError(t, err)
	require.True(t, owns)
	require.Equal(t, 1, alloc.nAlloc)
	require.Len(t, tensor.Data, 320*320*3)
	require.True(t, nnaccel.IsPageAligned(tensor.Data))
	require.NotEqual(t, bufAddr(rgb.Pixels), bufAddr(tensor.Data))
	// Whole frame is stretched, so there is no black padding anywhere
	require.InDelta(t, 200, int(tensor.Data[0]), 2)
	require.InDelta(t, 200, int(tensor.Data[len(tensor.Data)-1]), 2)
	alloc.Free(tensor.Data)

	// Allocation failure
	alloc.failAt = alloc.nAlloc + 1
	_, owns, err = PrepareTensor(rgb, testMeta(320, 320), alloc, &CImgResizer{})
	require.ErrorIs(t, err, ErrResizeAlloc)
	require.False(t, owns)
}

func TestConvertFrame(t *testing.T) {
	// RGB capture into a BGR model
	src := NewCaptureFrame(2, 1, 0, PixelFormatRGB, []byte{1, 2, 3, 4, 5, 6}, nil)
	dst := cimg.NewImage(2, 1, cimg.PixelFormatRGB)
	require.NoError(t, ConvertFrame(src, dst, accel.OrderBGR))
	require.Equal(t, []byte{3, 2, 1, 6, 5, 4}, dst.Pixels[:6])
	require.NoError(t, ConvertFrame(src, dst, accel.OrderRGB))
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, dst.Pixels[:6])

	// Size mismatch
	require.ErrorIs(t, ConvertFrame(src, cimg.NewImage(4, 1, cimg.PixelFormatRGB), accel.OrderRGB), ErrConversion)
	// Short buffer
	short := NewCaptureFrame(4, 4, 0, PixelFormatYUY2, make([]byte, 8), nil)
	require.ErrorIs(t, ConvertFrame(short, cimg.NewImage(4, 4, cimg.PixelFormatRGB), accel.OrderRGB), ErrBufferMap)
}

func TestFillSinkBuffer(t *testing.T) {
	frame := cimg.NewImage(4, 2, cimg.PixelFormatRGB)
	for i := 0; i < len(frame.Pixels); i += 3 {
		frame.Pixels[i] = 10
		frame.Pixels[i+1] = 20
		frame.Pixels[i+2] = 30
	}
	dst := make([]byte, 4*2*3)
	require.NoError(t, FillSinkBuffer(frame, accel.OrderRGB, dst, SinkFormat{Width: 4, Height: 2, Order: accel.OrderBGR}, &CImgResizer{}))
	require.Equal(t, []byte{30, 20, 10}, dst[:3])

	require.Error(t, FillSinkBuffer(frame, accel.OrderRGB, dst[:5], SinkFormat{Width: 4, Height: 2}, &CImgResizer{}))

	// Resized to the sink
	small := make([]byte, 2*1*3)
	require.NoError(t, FillSinkBuffer(frame, accel.OrderRGB, small, SinkFormat{Width: 2, Height: 1, Order: accel.OrderRGB}, &CImgResizer{}))
	require.InDelta(t, 10, int(small[0]), 1)
	require.InDelta(t, 30, int(small[5]), 1)
}

func TestCaptureFrameRelease(t *testing.T) {
	n := 0
	f := NewCaptureFrame(2, 2, 0, PixelFormatYUY2, make([]byte, 8), func() { n++ })
	require.Equal(t, 4, f.Stride)
	f.Release()
	f.Release()
	require.Equal(t, 1, n)
	require.Nil(t, f.Pixels)

	pf, err := ParsePixelFormat("YUY2")
	require.NoError(t, err)
	require.Equal(t, PixelFormatYUY2, pf)
	_, err = ParsePixelFormat("NV12")
	require.Error(t, err)
}
