package nn

// Box is an edge rectangle (left, top, right, bottom), in pixels.
// This is the representation that comes out of the YOLO decoder, and what
// we draw onto frames.
type Box struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (b Box) Width() int {
	return b.Right - b.Left
}

func (b Box) Height() int {
	return b.Bottom - b.Top
}

// Clamp each edge into [0, width-1] x [0, height-1]
func (b Box) Clamp(width, height int) Box {
	return Box{
		Left:   clampInt(b.Left, 0, width-1),
		Top:    clampInt(b.Top, 0, height-1),
		Right:  clampInt(b.Right, 0, width-1),
		Bottom: clampInt(b.Bottom, 0, height-1),
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
