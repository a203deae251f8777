// Package yolo decodes the raw quantized output heads of an RKNN YOLOv5 model into detections.
package yolo

import "github.com/cyclopcam/rkdetect/pkg/nn"

// Stride is one detection head of the model.
// Anchor holds (width, height) pairs, one pair per anchor box.
type Stride struct {
	Size   int
	Anchor []int
}

func (s Stride) NumAnchors() int {
	return len(s.Anchor) / 2
}

type Params struct {
	Strides         []Stride
	BoxThreshold    float32 // Used if the caller doesn't specify a confidence threshold
	NMSThreshold    float32 // Used if the caller doesn't specify an NMS threshold
	ObjectClassNum  int
	MaxObjectNumber int
}

// Parameters of the stock YOLOv5 COCO model, as converted by rknn-toolkit2
func YOLOv5COCOParams() Params {
	return Params{
		Strides: []Stride{
			{Size: 8, Anchor: []int{10, 13, 16, 30, 33, 23}},
			{Size: 16, Anchor: []int{30, 61, 62, 45, 59, 119}},
			{Size: 32, Anchor: []int{116, 90, 156, 198, 373, 326}},
		},
		BoxThreshold:    nn.DefaultConfThreshold,
		NMSThreshold:    nn.DefaultNMSThreshold,
		ObjectClassNum:  nn.COCONumClasses,
		MaxObjectNumber: 64,
	}
}

// Number of values per anchor box: x, y, w, h, objectness, and one per class
func (p *Params) propBoxSize() int {
	return 5 + p.ObjectClassNum
}
