//go:build !nogst

package gstio

// #cgo pkg-config: gstreamer-video-1.0
// #include <gst/video/video.h>
//
// static int firstPlaneLayout(void *buf, int *stride, size_t *offset) {
//   GstVideoMeta *meta = gst_buffer_get_video_meta((GstBuffer *)buf);
//   if (meta == NULL)
//     return 0;
//   *stride = meta->stride[0];
//   *offset = meta->offset[0];
//   return 1;
// }
import "C"
import (
	"github.com/tinyzimmer/go-gst/gst"
)

// Stride and byte offset of the first plane, as recorded by the producer in the buffer's GstVideoMeta.
// ok is false if the buffer carries no video meta.
func videoMetaLayout(buffer *gst.Buffer) (stride, offset int, ok bool) {
	var cStride C.int
	var cOffset C.size_t
	if C.firstPlaneLayout(buffer.Unsafe(), &cStride, &cOffset) == 0 {
		return 0, 0, false
	}
	return int(cStride), int(cOffset), true
}
