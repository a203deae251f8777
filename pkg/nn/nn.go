package nn

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Package nn holds the neural network types that are shared between the decoder,
// the frame stage, and the HTTP API.

// These are the thresholds of the stock RKNN YOLOv5 demo.
const DefaultConfThreshold = 0.35
const DefaultNMSThreshold = 0.5

// NN object detection parameters
type DetectionParams struct {
	ConfThreshold float32 // Value between 0 and 1. Lower values will find more objects.
	NMSThreshold  float32 // Value between 0 and 1. Lower values will merge more objects together into one.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ConfThreshold: DefaultConfThreshold,
		NMSThreshold:  DefaultNMSThreshold,
	}
}

// DecodeParams is everything a decoder needs to know about one frame, besides the raw output tensors.
// ScaleW and ScaleH are model size divided by frame size.
type DecodeParams struct {
	InputWidth    int
	InputHeight   int
	FrameWidth    int
	FrameHeight   int
	ConfThreshold float32
	NMSThreshold  float32
	ZeroPoints    []int32   // One per output tensor
	Scales        []float32 // One per output tensor
	ScaleW        float32
	ScaleH        float32
}

// Validate that the quantization parameters cover 'nOutputs' tensors
func (p *DecodeParams) Validate(nOutputs int) error {
	if len(p.ZeroPoints) < nOutputs || len(p.Scales) < nOutputs {
		return fmt.Errorf("Quantization parameters for %v/%v outputs, but have %v outputs", len(p.ZeroPoints), len(p.Scales), nOutputs)
	}
	if p.InputWidth <= 0 || p.InputHeight <= 0 {
		return fmt.Errorf("Invalid model input size %v x %v", p.InputWidth, p.InputHeight)
	}
	return nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}

// ClassName returns the name of class 'idx', or a placeholder if the class list is too short.
func ClassName(classes []string, idx int) string {
	if idx >= 0 && idx < len(classes) {
		return classes[idx]
	}
	return fmt.Sprintf("class%v", idx)
}
