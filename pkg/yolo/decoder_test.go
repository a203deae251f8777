package yolo

import (
	"testing"

	"github.com/cyclopcam/rkdetect/pkg/nn"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
	"github.com/stretchr/testify/require"
)

// With zero point 0 and scale 1/64, q=32 dequantizes to exactly 0.5, and q=64 to exactly 1.0
const testScale = float32(1.0 / 64.0)

func testParams() Params {
	p := YOLOv5COCOParams()
	p.ObjectClassNum = 2
	return p
}

// Synthetic output heads for a 64x64 model with 2 classes
type testHeads struct {
	params Params
	heads  [][]int8
}

func newTestHeads(params Params, inputSize int) *testHeads {
	h := &testHeads{params: params}
	for _, s := range params.Strides {
		grid := inputSize / s.Size
		h.heads = append(h.heads, make([]int8, s.NumAnchors()*params.propBoxSize()*grid*grid))
	}
	return h
}

// Set all the values of one anchor box in one grid cell
func (h *testHeads) set(head, anchor, i, j int, x, y, w, hh, conf int8, classes ...int8) {
	grid := 64 / h.params.Strides[head].Size
	gridLen := grid * grid
	offset := h.params.propBoxSize()*anchor*gridLen + i*grid + j
	vals := append([]int8{x, y, w, hh, conf}, classes...)
	for k, v := range vals {
		h.heads[head][offset+k*gridLen] = v
	}
}

func (h *testHeads) outputs() []nnaccel.OutputTensor {
	out := []nnaccel.OutputTensor{}
	for i, head := range h.heads {
		b := make([]byte, len(head))
		for k, v := range head {
			b[k] = byte(v)
		}
		out = append(out, nnaccel.OutputTensor{Index: i, Data: b})
	}
	return out
}

func decodeParams(n int) *nn.DecodeParams {
	p := &nn.DecodeParams{
		InputWidth:    64,
		InputHeight:   64,
		FrameWidth:    64,
		FrameHeight:   64,
		ConfThreshold: 0.35,
		NMSThreshold:  0.5,
		ScaleW:        1,
		ScaleH:        1,
	}
	for i := 0; i < n; i++ {
		p.ZeroPoints = append(p.ZeroPoints, 0)
		p.Scales = append(p.Scales, testScale)
	}
	return p
}

func TestDecodeEmpty(t *testing.T) {
	h := newTestHeads(testParams(), 64)
	dec := NewDecoder(testParams())
	dets, err := dec.Decode(h.outputs(), decodeParams(3))
	require.NoError(t, err)
	require.Len(t, dets, 0)
}

func TestDecode(t *testing.T) {
	h := newTestHeads(testParams(), 64)
	// Stride 8, anchor 0 (10x13), cell row 2 col 3. Center (28,20), size 10x13. Class 1 with p=0.75, objectness 1.0
	h.set(0, 0, 2, 3, 32, 32, 32, 32, 64, 16, 48)
	// Exactly the same box from the neighbouring cell, with lower objectness. Must be suppressed.
	h.set(0, 0, 2, 4, 0, 32, 32, 32, 48, 16, 48)
	// Class 0, p=1.0, centered at (44,44)
	h.set(0, 0, 5, 5, 32, 32, 32, 32, 64, 64, 0)
	// Below the confidence threshold
	h.set(1, 0, 1, 1, 32, 32, 32, 32, 10, 64, 0)

	dec := NewDecoder(testParams())
	dets, err := dec.Decode(h.outputs(), decodeParams(3))
	require.NoError(t, err)
	require.Len(t, dets, 2)

	require.Equal(t, 0, dets[0].Class)
	require.InDelta(t, 1.0, dets[0].Confidence, 1e-6)
	require.Equal(t, nn.Box{Left: 39, Top: 37, Right: 49, Bottom: 50}, dets[0].Box)

	require.Equal(t, 1, dets[1].Class)
	require.InDelta(t, 0.75, dets[1].Confidence, 1e-6)
	require.Equal(t, nn.Box{Left: 23, Top: 13, Right: 33, Bottom: 26}, dets[1].Box)

	// Deterministic
	again, err := dec.Decode(h.outputs(), decodeParams(3))
	require.NoError(t, err)
	require.Equal(t, dets, again)

	// MaxObjectNumber truncates
	limited := testParams()
	limited.MaxObjectNumber = 1
	dets, err = NewDecoder(limited).Decode(h.outputs(), decodeParams(3))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, 0, dets[0].Class)
}

func TestDecodeClampsToInput(t *testing.T) {
	h := newTestHeads(testParams(), 64)
	// Stride 32, anchor 373x326, centered at (16,16). Far larger than the 64x64 input.
	h.set(2, 2, 0, 0, 32, 32, 32, 32, 64, 64, 0)
	dets, err := NewDecoder(testParams()).Decode(h.outputs(), decodeParams(3))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, nn.Box{Left: 0, Top: 0, Right: 63, Bottom: 63}, dets[0].Box)
}

func TestDecodeErrors(t *testing.T) {
	h := newTestHeads(testParams(), 64)
	dec := NewDecoder(testParams())
	outputs := h.outputs()

	_, err := dec.Decode(outputs[:2], decodeParams(3))
	require.Error(t, err)

	_, err = dec.Decode(outputs, decodeParams(2))
	require.Error(t, err)

	outputs[1].Data = outputs[1].Data[:10]
	_, err = dec.Decode(outputs, decodeParams(3))
	require.Error(t, err)
}

func TestNMS(t *testing.T) {
	box := func(x1, y1, x2, y2, prob float32, class int) candidate {
		return candidate{x1: x1, y1: y1, x2: x2, y2: y2, prob: prob, class: class}
	}
	cands := []candidate{
		box(0, 0, 10, 10, 0.9, 0),
		box(1, 0, 11, 10, 0.8, 0),   // IoU 0.82 with #0, suppressed
		box(1, 0, 11, 10, 0.8, 1),   // other class, kept
		box(50, 50, 60, 60, 0.8, 0), // equal score, no overlap, kept in order
		box(0, 0, 10, 10, 0.7, 1),   // IoU 0.82 with #2, suppressed
		box(0, 5, 10, 15, 0.6, 0),   // IoU 0.33 with #0, kept
	}
	require.Equal(t, []int{0, 2, 3, 5}, nms(cands, 0.5))
	require.Equal(t, []int{0, 2, 3}, nms(cands, 0.3))
	require.Nil(t, nms(nil, 0.5))
}

func TestQuantize(t *testing.T) {
	require.Equal(t, int8(22), quantize(0.35, 0, testScale))
	require.Equal(t, int8(127), quantize(10, 0, testScale))
	require.Equal(t, int8(-38), quantize(0.35, -128, 0.0039))
	require.InDelta(t, 0.5, dequantize(32, 0, testScale), 1e-9)
	require.InDelta(t, 0.0, dequantize(-128, -128, 0.0039), 1e-9)
}
