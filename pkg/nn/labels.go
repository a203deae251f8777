package nn

import "fmt"

// Detection is an object that the neural network has found in an image.
// The coordinate space of Box depends on where the detection is in the pipeline:
// the decoder emits network input coordinates, and the frame stage maps them
// to capture frame coordinates.
type Detection struct {
	Class      int     `json:"class"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Text that we draw next to the box, eg "person 87%"
func (d *Detection) Caption() string {
	return fmt.Sprintf("%v %.0f%%", d.Label, d.Confidence*100)
}
