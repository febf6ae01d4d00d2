// Package encoding renders the predictions of a network being trained, so they can be written out
// by an output encoder (see the gif and mjpeg subpackages).
package encoding

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/chewxy/math32"
	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/math/fixed"
	"gorgonia.org/vecf32"
)

var regular *truetype.Font

const (
	dpi        = 72.0
	fontsize   = 12.0
	lineheight = 1.2
	captions   = 3 // name, progress, loss
	overlay    = float32(0.5)
)

func init() {
	var err error
	if regular, err = truetype.Parse(gomono.TTF); err != nil {
		panic(err)
	}
}

// Prediction is the segmentation of one image.
type Prediction struct {
	Image      image.Image // input image, Width×Height
	Labels     []int       // one label per pixel, row major
	Confidence []float32   // probability of the predicted label, per pixel
	Width      int
	Height     int
}

// MetaState is the state of a training run that an OutputEncoder gets to encode.
type MetaState interface {
	Name() string
	Epoch() int
	Iteration() int
	Loss() float64
	Prediction() Prediction
}

// Palette is the colour of each label in the overlay.
var Palette = []color.RGBA{
	{0, 0, 0, 255},
	{255, 64, 64, 255},
	{64, 255, 64, 255},
	{64, 64, 255, 255},
	{255, 255, 64, 255},
	{255, 64, 255, 255},
	{64, 255, 255, 255},
}

// Renderer draws a prediction as three panels side by side: the input image, the input image overlaid
// with the label colours, and the confidence of the prediction. The state is captioned below.
type Renderer struct {
	Scale int // each pixel is drawn as a Scale×Scale square
	font.Drawer

	pad int
}

// NewRenderer creates a renderer that magnifies images by scale.
func NewRenderer(scale int) *Renderer {
	if scale < 1 {
		scale = 1
	}
	return &Renderer{
		Scale: scale,
		pad:   10,
		Drawer: font.Drawer{
			Src: image.Black,
			Face: truetype.NewFace(regular, &truetype.Options{
				Size:    fontsize,
				DPI:     dpi,
				Hinting: font.HintingFull,
			}),
		},
	}
}

// Render draws the current state.
func (r *Renderer) Render(ms MetaState) (*image.RGBA, error) {
	p := ms.Prediction()
	if p.Width <= 0 || p.Height <= 0 || len(p.Labels) != p.Width*p.Height {
		return nil, errors.Errorf("Cannot render a %dx%d prediction with %d labels", p.Width, p.Height, len(p.Labels))
	}
	panelW, panelH := p.Width*r.Scale, p.Height*r.Scale
	dy := int(math.Ceil(fontsize * lineheight * dpi / 72))
	w := 3*panelW + 4*r.pad
	h := panelH + 2*r.pad + captions*dy

	im := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(im, im.Bounds(), image.White, image.Point{}, draw.Src)

	conf := make([]float32, len(p.Confidence))
	copy(conf, p.Confidence)
	vecf32.Scale(conf, 255)

	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			i := y*p.Width + x
			var src color.RGBA
			if p.Image != nil {
				b := p.Image.Bounds()
				src = color.RGBAModel.Convert(p.Image.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			}
			src.A = 255
			lbl := labelColour(p.Labels[i])
			mixed := color.RGBA{
				R: blend(lbl.R, src.R, overlay),
				G: blend(lbl.G, src.G, overlay),
				B: blend(lbl.B, src.B, overlay),
				A: 255,
			}
			var grey color.Gray
			if i < len(conf) {
				grey.Y = uint8(math32.Floor(math32.Min(math32.Max(conf[i], 0), 255) + 0.5))
			}

			r.square(im, r.pad, r.pad, x, y, src)
			r.square(im, 2*r.pad+panelW, r.pad, x, y, mixed)
			r.square(im, 3*r.pad+2*panelW, r.pad, x, y, grey)
		}
	}

	r.Dst = im
	lines := []string{
		ms.Name(),
		fmt.Sprintf("Epoch %d, Iter %d", ms.Epoch(), ms.Iteration()),
		fmt.Sprintf("loss=%.4f", ms.Loss()),
	}
	y := r.pad + panelH
	for _, s := range lines {
		y += dy
		r.Dot = fixed.P(r.pad, y)
		r.DrawString(s)
	}
	return im, nil
}

func (r *Renderer) square(im *image.RGBA, offX, offY, x, y int, c color.Color) {
	rect := image.Rect(offX+x*r.Scale, offY+y*r.Scale, offX+(x+1)*r.Scale, offY+(y+1)*r.Scale)
	draw.Draw(im, rect, image.NewUniform(c), image.Point{}, draw.Src)
}

func labelColour(l int) color.RGBA {
	if l < 0 {
		return color.RGBA{128, 128, 128, 255}
	}
	return Palette[l%len(Palette)]
}

func blend(a, b uint8, alpha float32) uint8 {
	return uint8(math32.Floor(alpha*float32(a) + (1-alpha)*float32(b) + 0.5))
}
