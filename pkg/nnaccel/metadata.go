package nnaccel

import (
	"fmt"
)

// ModelMetadata is queried once when the model is loaded, and is immutable after that.
type ModelMetadata struct {
	InputWidth    int
	InputHeight   int
	InputChannels int
	InputLayout   TensorLayout
	OutputCount   int
	ZeroPoints    []int32   // Per output tensor
	Scales        []float32 // Per output tensor
	Inputs        []TensorAttr
	Outputs       []TensorAttr
	APIVersion    string
	DriverVersion string
}

// Build metadata from the tensor attribute queries.
// We only support models with a single 4D image input.
func MetadataFromAttrs(inputs, outputs []TensorAttr) (*ModelMetadata, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("Model must have exactly 1 input, but it has %v", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("Model has no outputs")
	}
	in := inputs[0]
	if len(in.Dims) != 4 {
		return nil, fmt.Errorf("Model input must have 4 dimensions, but it has %v (%v)", len(in.Dims), in.Dims)
	}
	m := &ModelMetadata{
		InputLayout: in.Layout,
		OutputCount: len(outputs),
		Inputs:      inputs,
		Outputs:     outputs,
	}
	switch in.Layout {
	case LayoutNCHW:
		m.InputChannels = in.Dims[1]
		m.InputHeight = in.Dims[2]
		m.InputWidth = in.Dims[3]
	default:
		// NHWC is what the runtime reports for image inputs
		m.InputHeight = in.Dims[1]
		m.InputWidth = in.Dims[2]
		m.InputChannels = in.Dims[3]
	}
	if m.InputWidth <= 0 || m.InputHeight <= 0 {
		return nil, fmt.Errorf("Invalid model input size %v x %v", m.InputWidth, m.InputHeight)
	}
	if m.InputChannels != 3 {
		return nil, fmt.Errorf("Model input must have 3 channels, but it has %v", m.InputChannels)
	}
	for _, o := range outputs {
		m.ZeroPoints = append(m.ZeroPoints, o.ZeroPoint)
		m.Scales = append(m.Scales, o.Scale)
	}
	return m, nil
}

// Number of bytes in one input image
func (m *ModelMetadata) InputSize() int {
	return m.InputWidth * m.InputHeight * m.InputChannels
}
