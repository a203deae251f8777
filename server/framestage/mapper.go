package framestage

import (
	"math"

	"github.com/cyclopcam/rkdetect/pkg/nn"
)

// MapBox converts a box from network input space to frame space.
// scaleW and scaleH are model size divided by frame size, so each coordinate is divided by its scale,
// rounded to the nearest pixel, and clamped to [0, dim-1].
func MapBox(box nn.Box, scaleW, scaleH float32, frameWidth, frameHeight int) nn.Box {
	return nn.Box{
		Left:   mapCoord(box.Left, scaleW),
		Top:    mapCoord(box.Top, scaleH),
		Right:  mapCoord(box.Right, scaleW),
		Bottom: mapCoord(box.Bottom, scaleH),
	}.Clamp(frameWidth, frameHeight)
}

func mapCoord(v int, scale float32) int {
	if scale <= 0 {
		scale = 1
	}
	return int(math.Floor(float64(v)/float64(scale) + 0.5))
}

// MapBoxExact is MapBox with the scale given as the integer ratio inputDim/frameDim.
// This is what the stage uses, because a float32 scale such as 640/720 does not survive
// the round trip exactly, and a half-pixel result must round the same way every time.
func MapBoxExact(box nn.Box, inputWidth, inputHeight, frameWidth, frameHeight int) nn.Box {
	return nn.Box{
		Left:   mapCoordExact(box.Left, inputWidth, frameWidth),
		Top:    mapCoordExact(box.Top, inputHeight, frameHeight),
		Right:  mapCoordExact(box.Right, inputWidth, frameWidth),
		Bottom: mapCoordExact(box.Bottom, inputHeight, frameHeight),
	}.Clamp(frameWidth, frameHeight)
}

// round(v * frameDim / inputDim), with halves rounding up. Negative v maps to 0.
func mapCoordExact(v, inputDim, frameDim int) int {
	if inputDim <= 0 {
		return v
	}
	v = max(v, 0)
	return (2*v*frameDim + inputDim) / (2 * inputDim)
}
