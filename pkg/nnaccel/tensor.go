// Package nnaccel is the contract between the frame pipeline and an NPU runtime.
// The RKNN binding lives in the rknn sub-package.
package nnaccel

import (
	"fmt"
	"unsafe"
)

type TensorLayout int

const (
	LayoutNHWC TensorLayout = iota
	LayoutNCHW
	LayoutUndefined
)

func (l TensorLayout) String() string {
	switch l {
	case LayoutNHWC:
		return "NHWC"
	case LayoutNCHW:
		return "NCHW"
	}
	return "UNDEFINED"
}

type TensorType int

const (
	TypeFloat32 TensorType = iota
	TypeFloat16
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeOther
)

func (t TensorType) String() string {
	switch t {
	case TypeFloat32:
		return "FP32"
	case TypeFloat16:
		return "FP16"
	case TypeInt8:
		return "INT8"
	case TypeUint8:
		return "UINT8"
	case TypeInt16:
		return "INT16"
	case TypeUint16:
		return "UINT16"
	case TypeInt32:
		return "INT32"
	}
	return "OTHER"
}

// TensorAttr describes one input or output tensor of a loaded model
type TensorAttr struct {
	Index     int
	Name      string
	Dims      []int
	NElems    int
	Size      int
	Layout    TensorLayout
	Type      TensorType
	Quantized bool // Affine asymmetric quantization (ZeroPoint, Scale are meaningful)
	ZeroPoint int32
	Scale     float32
}

func (a *TensorAttr) String() string {
	return fmt.Sprintf("index=%v, name=%v, n_dims=%v, dims=%v, n_elems=%v, size=%v, fmt=%v, type=%v, quantized=%v, zp=%v, scale=%f",
		a.Index, a.Name, len(a.Dims), a.Dims, a.NElems, a.Size, a.Layout, a.Type, a.Quantized, a.ZeroPoint, a.Scale)
}

// Tensor is an input tensor. Data is uint8 NHWC, exactly Width*Height*Channels bytes.
type Tensor struct {
	Width    int
	Height   int
	Channels int
	Layout   TensorLayout
	Type     TensorType
	Data     []byte
}

func (t *Tensor) ExpectedSize() int {
	return t.Width * t.Height * t.Channels
}

// OutputTensor is a raw inference output.
// Data is owned by the accelerator, and is only valid until ReleaseOutputs.
type OutputTensor struct {
	Index int
	Data  []byte
}

// Reinterpret the output bytes as int8 (the quantized output type of our models)
func (o *OutputTensor) Int8() []int8 {
	if len(o.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&o.Data[0])), len(o.Data))
}

// Context is a loaded model on an accelerator.
// It is not safe for concurrent use. All calls are synchronous.
type Context interface {
	// SetInput binds the input tensor. The tensor memory must remain valid until Run returns.
	SetInput(t *Tensor) error

	// Run executes inference, blocking until it is complete.
	Run() error

	// GetOutputs returns the quantized outputs of the most recent Run.
	GetOutputs() ([]OutputTensor, error)

	// ReleaseOutputs must be called exactly once for every successful GetOutputs
	ReleaseOutputs(outputs []OutputTensor) error

	// Close destroys the context
	Close()
}
