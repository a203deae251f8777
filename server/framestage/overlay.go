package framestage

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/rkdetect/pkg/accel"
	"github.com/cyclopcam/rkdetect/pkg/nn"
	"github.com/fogleman/gg"
)

// Renderer annotates a converted frame with detections (in frame coordinates), in place.
type Renderer interface {
	Draw(img *cimg.Image, order accel.ChannelOrder, dets []nn.Detection)
}

// Maximum number of distinct label sprites that we keep around
const maxLabelSprites = 256

// Overlay draws a rectangle around each detection, and a caption chip at its top-left corner.
// Caption chips are rendered once with gg, and then alpha blended straight into the frame.
// An Overlay is owned by the frame thread, and is not safe for concurrent use.
type Overlay struct {
	Thickness  int
	BoxColor   color.RGBA
	TextColor  color.RGBA
	ShowLabels bool
	sprites    map[string]*image.RGBA
}

func NewOverlay() *Overlay {
	return &Overlay{
		Thickness:  3,
		BoxColor:   color.RGBA{0, 0, 255, 255},
		TextColor:  color.RGBA{255, 255, 255, 255},
		ShowLabels: true,
		sprites:    map[string]*image.RGBA{},
	}
}

// Detections are drawn in order, each with its caption, so a later detection is always on top of an earlier one.
func (o *Overlay) Draw(img *cimg.Image, order accel.ChannelOrder, dets []nn.Detection) {
	for i := range dets {
		o.drawRect(img, order, dets[i].Box)
		if o.ShowLabels {
			blit(img, order, o.labelSprite(dets[i].Caption()), dets[i].Box.Left, dets[i].Box.Top)
		}
	}
}

// Draw a box outline 'Thickness' pixels wide, on the inside of the box edges.
// Parts of the box that are outside the image are clipped.
func (o *Overlay) drawRect(img *cimg.Image, order accel.ChannelOrder, box nn.Box) {
	if box.Width() < 0 || box.Height() < 0 {
		return
	}
	t := max(o.Thickness, 1)
	px := pixelBytes(o.BoxColor, order)
	// top & bottom
	fillRect(img, px, box.Left, box.Top, box.Right, min(box.Top+t-1, box.Bottom))
	fillRect(img, px, box.Left, max(box.Bottom-t+1, box.Top), box.Right, box.Bottom)
	// left & right
	fillRect(img, px, box.Left, box.Top, min(box.Left+t-1, box.Right), box.Bottom)
	fillRect(img, px, max(box.Right-t+1, box.Left), box.Top, box.Right, box.Bottom)
}

// Fill the inclusive rectangle (x1,y1)-(x2,y2)
func fillRect(img *cimg.Image, px [3]byte, x1, y1, x2, y2 int) {
	x1 = max(x1, 0)
	y1 = max(y1, 0)
	x2 = min(x2, img.Width-1)
	y2 = min(y2, img.Height-1)
	for y := y1; y <= y2; y++ {
		row := img.Pixels[y*img.Stride : y*img.Stride+img.Width*3]
		for x := x1; x <= x2; x++ {
			row[x*3] = px[0]
			row[x*3+1] = px[1]
			row[x*3+2] = px[2]
		}
	}
}

func pixelBytes(c color.RGBA, order accel.ChannelOrder) [3]byte {
	if order == accel.OrderBGR {
		return [3]byte{c.B, c.G, c.R}
	}
	return [3]byte{c.R, c.G, c.B}
}

// Return the chip for 'text', rendering it if this is the first time we've seen it
func (o *Overlay) labelSprite(text string) *image.RGBA {
	if s, ok := o.sprites[text]; ok {
		return s
	}
	if len(o.sprites) >= maxLabelSprites {
		o.sprites = map[string]*image.RGBA{}
	}

	const pad = 2
	measure := gg.NewContext(1, 1)
	tw, th := measure.MeasureString(text)
	w := int(math.Ceil(tw)) + pad*2
	h := int(math.Ceil(th)) + pad*2

	dc := gg.NewContext(w, h)
	dc.SetColor(o.BoxColor)
	dc.Clear()
	dc.SetColor(o.TextColor)
	dc.DrawStringAnchored(text, float64(w)/2, float64(h)/2, 0.5, 0.5)

	sprite, ok := dc.Image().(*image.RGBA)
	if !ok {
		src := dc.Image()
		sprite = image.NewRGBA(src.Bounds())
		draw.Draw(sprite, sprite.Bounds(), src, src.Bounds().Min, draw.Src)
	}
	o.sprites[text] = sprite
	return sprite
}

// Alpha blend the premultiplied RGBA 'sprite' onto img, with its top-left corner at (x, y).
// The sprite is clipped to the image.
func blit(img *cimg.Image, order accel.ChannelOrder, sprite *image.RGBA, x, y int) {
	ri, bi := 0, 2
	if order == accel.OrderBGR {
		ri, bi = 2, 0
	}
	sw := sprite.Bounds().Dx()
	sh := sprite.Bounds().Dy()
	for sy := 0; sy < sh; sy++ {
		dy := y + sy
		if dy < 0 || dy >= img.Height {
			continue
		}
		srow := sprite.Pix[sy*sprite.Stride : sy*sprite.Stride+sw*4]
		drow := img.Pixels[dy*img.Stride : dy*img.Stride+img.Width*3]
		for sx := 0; sx < sw; sx++ {
			dx := x + sx
			if dx < 0 || dx >= img.Width {
				continue
			}
			a := uint32(srow[sx*4+3])
			if a == 0 {
				continue
			}
			inv := 255 - a
			d := drow[dx*3 : dx*3+3]
			d[ri] = byte(uint32(srow[sx*4]) + (uint32(d[ri])*inv+127)/255)
			d[1] = byte(uint32(srow[sx*4+1]) + (uint32(d[1])*inv+127)/255)
			d[bi] = byte(uint32(srow[sx*4+2]) + (uint32(d[bi])*inv+127)/255)
		}
	}
}
