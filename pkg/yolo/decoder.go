package yolo

import (
	"fmt"
	"slices"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/rkdetect/pkg/nn"
	"github.com/cyclopcam/rkdetect/pkg/nnaccel"
)

// Decoder turns YOLOv5 int8 output heads into detections, in network input coordinates.
// It holds no per-frame state, so a single Decoder may be shared.
type Decoder struct {
	Params Params
}

func NewDecoder(params Params) *Decoder {
	return &Decoder{
		Params: params,
	}
}

// A box that survived the confidence threshold, before NMS.
// The box is x1,y1,x2,y2 in network input pixels.
type candidate struct {
	x1, y1, x2, y2 float32
	prob           float32
	class          int
}

func (c *candidate) iou(b *candidate) float32 {
	iw := math32.Min(c.x2, b.x2) - math32.Max(c.x1, b.x1)
	ih := math32.Min(c.y2, b.y2) - math32.Max(c.y1, b.y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (c.x2-c.x1)*(c.y2-c.y1) + (b.x2-b.x1)*(b.y2-b.y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Decode the output heads of one inference.
// The outputs are not retained after Decode returns.
func (d *Decoder) Decode(outputs []nnaccel.OutputTensor, params *nn.DecodeParams) ([]nn.Detection, error) {
	if len(outputs) != len(d.Params.Strides) {
		return nil, fmt.Errorf("Expected %v output heads, but got %v", len(d.Params.Strides), len(outputs))
	}
	if err := params.Validate(len(outputs)); err != nil {
		return nil, err
	}
	confThreshold := params.ConfThreshold
	if confThreshold == 0 {
		confThreshold = d.Params.BoxThreshold
	}
	nmsThreshold := params.NMSThreshold
	if nmsThreshold == 0 {
		nmsThreshold = d.Params.NMSThreshold
	}

	cands := []candidate{}
	for i, stride := range d.Params.Strides {
		var err error
		cands, err = d.decodeHead(cands, outputs[i].Int8(), stride, params.InputWidth, params.InputHeight, confThreshold, params.ZeroPoints[i], params.Scales[i])
		if err != nil {
			return nil, fmt.Errorf("Output %v: %w", i, err)
		}
	}

	// Stable, so that equal scores keep the order in which they were found
	slices.SortStableFunc(cands, func(a, b candidate) int {
		if a.prob > b.prob {
			return -1
		} else if a.prob < b.prob {
			return 1
		}
		return 0
	})

	keep := nms(cands, nmsThreshold)

	maxObjects := d.Params.MaxObjectNumber
	if maxObjects <= 0 {
		maxObjects = len(keep)
	}
	dets := make([]nn.Detection, 0, min(len(keep), maxObjects))
	for _, idx := range keep {
		if len(dets) == maxObjects {
			break
		}
		c := &cands[idx]
		box := nn.Box{
			Left:   int(math32.Floor(c.x1)),
			Top:    int(math32.Floor(c.y1)),
			Right:  int(math32.Floor(c.x2)),
			Bottom: int(math32.Floor(c.y2)),
		}.Clamp(params.InputWidth, params.InputHeight)
		dets = append(dets, nn.Detection{
			Class:      c.class,
			Confidence: c.prob,
			Box:        box,
		})
	}
	return dets, nil
}

// Decode one output head of layout [anchors * (5 + classes), gridH, gridW]
func (d *Decoder) decodeHead(cands []candidate, data []int8, stride Stride, inputWidth, inputHeight int, threshold float32, zp int32, scale float32) ([]candidate, error) {
	if stride.Size <= 0 || scale == 0 {
		return cands, fmt.Errorf("Invalid stride %v or scale %v", stride.Size, scale)
	}
	gridW := inputWidth / stride.Size
	gridH := inputHeight / stride.Size
	gridLen := gridW * gridH
	prop := d.Params.propBoxSize()
	nAnchors := stride.NumAnchors()
	expected := nAnchors * prop * gridLen
	if len(data) < expected {
		return cands, fmt.Errorf("Output has %v elements, but stride %v with %v anchors and %v classes needs %v", len(data), stride.Size, nAnchors, d.Params.ObjectClassNum, expected)
	}
	thresQ := quantize(threshold, zp, scale)
	size := float32(stride.Size)

	for a := 0; a < nAnchors; a++ {
		anchorW := float32(stride.Anchor[a*2])
		anchorH := float32(stride.Anchor[a*2+1])
		for i := 0; i < gridH; i++ {
			for j := 0; j < gridW; j++ {
				offset := prop*a*gridLen + i*gridW + j
				boxConf := data[offset+4*gridLen]
				if boxConf < thresQ {
					continue
				}
				maxClassProb := data[offset+5*gridLen]
				maxClassID := 0
				for k := 1; k < d.Params.ObjectClassNum; k++ {
					p := data[offset+(5+k)*gridLen]
					if p > maxClassProb {
						maxClassProb = p
						maxClassID = k
					}
				}
				if maxClassProb <= thresQ {
					continue
				}
				bx := dequantize(data[offset], zp, scale)*2 - 0.5
				by := dequantize(data[offset+gridLen], zp, scale)*2 - 0.5
				bw := dequantize(data[offset+2*gridLen], zp, scale) * 2
				bh := dequantize(data[offset+3*gridLen], zp, scale) * 2
				bx = (bx + float32(j)) * size
				by = (by + float32(i)) * size
				bw = bw * bw * anchorW
				bh = bh * bh * anchorH
				cands = append(cands, candidate{
					x1:    bx - bw/2,
					y1:    by - bh/2,
					x2:    bx + bw/2,
					y2:    by + bh/2,
					prob:  dequantize(maxClassProb, zp, scale) * dequantize(boxConf, zp, scale),
					class: maxClassID,
				})
			}
		}
	}
	return cands, nil
}

// Greedy per-class non-maximum suppression.
// cands must be sorted by descending probability. Returns the indices of the survivors, in order.
func nms(cands []candidate, threshold float32) []int {
	if len(cands) == 0 {
		return nil
	}
	// Spatial index to avoid O(N^2) comparisons when a crowded scene produces many candidates
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(cands))
	for i := range cands {
		fb.Add(cands[i].x1, cands[i].y1, cands[i].x2, cands[i].y2)
	}
	fb.Finish()

	removed := make([]bool, len(cands))
	keep := []int{}
	for i := range cands {
		if removed[i] {
			continue
		}
		keep = append(keep, i)
		c := &cands[i]
		for _, j := range fb.Search(c.x1, c.y1, c.x2, c.y2) {
			if j <= i || removed[j] || cands[j].class != c.class {
				continue
			}
			if c.iou(&cands[j]) > threshold {
				removed[j] = true
			}
		}
	}
	return keep
}

func quantize(f float32, zp int32, scale float32) int8 {
	return int8(clampF(f/scale+float32(zp), -128, 127))
}

func dequantize(q int8, zp int32, scale float32) float32 {
	return (float32(q) - float32(zp)) * scale
}

func clampF(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(v, hi))
}
