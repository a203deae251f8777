//go:build rknn

// Package rknn binds librknnrt (the Rockchip NPU runtime) to the nnaccel.Context interface.
// Build with '-tags rknn' on a board that has rknn_api.h and librknnrt.so installed.
package rknn

// #cgo LDFLAGS: -lrknnrt
// #include <stdlib.h>
// #include <string.h>
// #include <rknn_api.h>
import "C"
import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
)

// Context is an initialized RKNN model
type Context struct {
	ctx      C.rknn_context
	nInputs  int
	nOutputs int
	pinner   runtime.Pinner
	pinned   bool
	pending  []C.rknn_output // Outputs that have been fetched but not yet released
}

// Load the model file at 'modelPath', and initialize an NPU context for it.
func Open(modelPath string, options *Options) (*Context, *nnaccel.ModelMetadata, error) {
	blob, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to read model %v: %w", modelPath, err)
	}
	if len(blob) == 0 {
		return nil, nil, fmt.Errorf("Model file %v is empty", modelPath)
	}
	return Init(blob, options)
}

// Initialize an NPU context from an in-memory model.
// The runtime copies what it needs out of 'blob', so it can be discarded afterwards.
func Init(blob []byte, options *Options) (*Context, *nnaccel.ModelMetadata, error) {
	c := &Context{}
	ret := C.rknn_init(&c.ctx, unsafe.Pointer(&blob[0]), C.uint32_t(len(blob)), 0, nil)
	if err := statusToErr("rknn_init", ret); err != nil {
		return nil, nil, err
	}
	if options != nil && options.CoreMask != CoreAuto {
		if err := statusToErr("rknn_set_core_mask", C.rknn_set_core_mask(c.ctx, C.rknn_core_mask(options.CoreMask))); err != nil {
			c.Close()
			return nil, nil, err
		}
	}
	meta, err := c.queryMetadata()
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, meta, nil
}

func (c *Context) queryMetadata() (*nnaccel.ModelMetadata, error) {
	var version C.rknn_sdk_version
	if err := c.query(C.RKNN_QUERY_SDK_VERSION, unsafe.Pointer(&version), C.sizeof_rknn_sdk_version); err != nil {
		return nil, err
	}

	var ioNum C.rknn_input_output_num
	if err := c.query(C.RKNN_QUERY_IN_OUT_NUM, unsafe.Pointer(&ioNum), C.sizeof_rknn_input_output_num); err != nil {
		return nil, err
	}
	c.nInputs = int(ioNum.n_input)
	c.nOutputs = int(ioNum.n_output)

	inputs := make([]nnaccel.TensorAttr, c.nInputs)
	for i := range inputs {
		var attr C.rknn_tensor_attr
		attr.index = C.uint32_t(i)
		if err := c.query(C.RKNN_QUERY_INPUT_ATTR, unsafe.Pointer(&attr), C.sizeof_rknn_tensor_attr); err != nil {
			return nil, err
		}
		inputs[i] = toTensorAttr(&attr)
	}
	outputs := make([]nnaccel.TensorAttr, c.nOutputs)
	for i := range outputs {
		var attr C.rknn_tensor_attr
		attr.index = C.uint32_t(i)
		if err := c.query(C.RKNN_QUERY_OUTPUT_ATTR, unsafe.Pointer(&attr), C.sizeof_rknn_tensor_attr); err != nil {
			return nil, err
		}
		outputs[i] = toTensorAttr(&attr)
	}

	meta, err := nnaccel.MetadataFromAttrs(inputs, outputs)
	if err != nil {
		return nil, err
	}
	meta.APIVersion = C.GoString(&version.api_version[0])
	meta.DriverVersion = C.GoString(&version.drv_version[0])
	return meta, nil
}

func (c *Context) query(cmd C.rknn_query_cmd, info unsafe.Pointer, size C.size_t) error {
	return statusToErr("rknn_query", C.rknn_query(c.ctx, cmd, info, C.uint32_t(size)))
}

func (c *Context) SetInput(t *nnaccel.Tensor) error {
	if len(t.Data) != t.ExpectedSize() || len(t.Data) == 0 {
		return fmt.Errorf("Input tensor is %v bytes, but %v x %v x %v = %v", len(t.Data), t.Width, t.Height, t.Channels, t.ExpectedSize())
	}
	c.unpin()
	// The input buffer is Go memory, so it must stay pinned until the runtime is done with it.
	c.pinner.Pin(&t.Data[0])
	c.pinned = true

	var inputs [1]C.rknn_input
	inputs[0].index = 0
	inputs[0].buf = unsafe.Pointer(&t.Data[0])
	inputs[0].size = C.uint32_t(len(t.Data))
	inputs[0].pass_through = 0
	inputs[0]._type = C.RKNN_TENSOR_UINT8
	inputs[0].fmt = C.RKNN_TENSOR_NHWC
	if t.Layout == nnaccel.LayoutNCHW {
		inputs[0].fmt = C.RKNN_TENSOR_NCHW
	}
	if err := statusToErr("rknn_inputs_set", C.rknn_inputs_set(c.ctx, 1, &inputs[0])); err != nil {
		c.unpin()
		return err
	}
	return nil
}

func (c *Context) Run() error {
	defer c.unpin()
	return statusToErr("rknn_run", C.rknn_run(c.ctx, nil))
}

func (c *Context) GetOutputs() ([]nnaccel.OutputTensor, error) {
	if c.pending != nil {
		return nil, fmt.Errorf("Previous outputs have not been released")
	}
	outputs := make([]C.rknn_output, c.nOutputs)
	for i := range outputs {
		outputs[i].want_float = 0
		outputs[i].is_prealloc = 0
		outputs[i].index = C.uint32_t(i)
	}
	if err := statusToErr("rknn_outputs_get", C.rknn_outputs_get(c.ctx, C.uint32_t(c.nOutputs), &outputs[0], nil)); err != nil {
		return nil, err
	}
	c.pending = outputs
	result := make([]nnaccel.OutputTensor, c.nOutputs)
	for i := range outputs {
		result[i] = nnaccel.OutputTensor{
			Index: i,
			Data:  unsafe.Slice((*byte)(outputs[i].buf), int(outputs[i].size)),
		}
	}
	return result, nil
}

func (c *Context) ReleaseOutputs(outputs []nnaccel.OutputTensor) error {
	if c.pending == nil {
		return nil
	}
	pending := c.pending
	c.pending = nil
	for i := range outputs {
		outputs[i].Data = nil
	}
	return statusToErr("rknn_outputs_release", C.rknn_outputs_release(c.ctx, C.uint32_t(len(pending)), &pending[0]))
}

func (c *Context) Close() {
	if c.pending != nil {
		C.rknn_outputs_release(c.ctx, C.uint32_t(len(c.pending)), &c.pending[0])
		c.pending = nil
	}
	c.unpin()
	if c.ctx != 0 {
		C.rknn_destroy(c.ctx)
		c.ctx = 0
	}
}

func (c *Context) unpin() {
	if c.pinned {
		c.pinner.Unpin()
		c.pinned = false
	}
}

func toTensorAttr(a *C.rknn_tensor_attr) nnaccel.TensorAttr {
	t := nnaccel.TensorAttr{
		Index:     int(a.index),
		Name:      C.GoString(&a.name[0]),
		NElems:    int(a.n_elems),
		Size:      int(a.size),
		Quantized: a.qnt_type == C.RKNN_TENSOR_QNT_AFFINE_ASYMMETRIC,
		ZeroPoint: int32(a.zp),
		Scale:     float32(a.scale),
	}
	for i := 0; i < int(a.n_dims); i++ {
		t.Dims = append(t.Dims, int(a.dims[i]))
	}
	switch a.fmt {
	case C.RKNN_TENSOR_NHWC:
		t.Layout = nnaccel.LayoutNHWC
	case C.RKNN_TENSOR_NCHW:
		t.Layout = nnaccel.LayoutNCHW
	default:
		t.Layout = nnaccel.LayoutUndefined
	}
	switch a._type {
	case C.RKNN_TENSOR_FLOAT32:
		t.Type = nnaccel.TypeFloat32
	case C.RKNN_TENSOR_FLOAT16:
		t.Type = nnaccel.TypeFloat16
	case C.RKNN_TENSOR_INT8:
		t.Type = nnaccel.TypeInt8
	case C.RKNN_TENSOR_UINT8:
		t.Type = nnaccel.TypeUint8
	case C.RKNN_TENSOR_INT16:
		t.Type = nnaccel.TypeInt16
	case C.RKNN_TENSOR_UINT16:
		t.Type = nnaccel.TypeUint16
	case C.RKNN_TENSOR_INT32:
		t.Type = nnaccel.TypeInt32
	default:
		t.Type = nnaccel.TypeOther
	}
	return t
}

func statusToErr(fn string, ret C.int) error {
	if ret == C.RKNN_SUCC {
		return nil
	}
	return &Error{Func: fn, Code: int(ret)}
}
