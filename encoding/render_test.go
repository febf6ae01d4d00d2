package encoding

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state struct {
	p Prediction
}

func (s state) Name() string           { return "render" }
func (s state) Epoch() int             { return 1 }
func (s state) Iteration() int         { return 2 }
func (s state) Loss() float64          { return 0.5 }
func (s state) Prediction() Prediction { return s.p }

func checker() Prediction {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)
	img.Set(1, 0, color.White)
	img.Set(0, 1, color.White)
	return Prediction{
		Image:      img,
		Labels:     []int{0, 1, 1, -1},
		Confidence: []float32{1, 0.5, 0.75, 0},
		Width:      2,
		Height:     2,
	}
}

func TestRender(t *testing.T) {
	r := NewRenderer(4)
	im, err := r.Render(state{checker()})
	require.NoError(t, err)

	panel := 2 * 4
	assert.Equal(t, 3*panel+4*r.pad, im.Bounds().Dx())
	assert.True(t, im.Bounds().Dy() > panel+2*r.pad)

	// input panel
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, im.RGBAAt(r.pad, r.pad))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, im.RGBAAt(r.pad+4, r.pad))
	// confidence panel
	off := 3*r.pad + 2*panel
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, im.RGBAAt(off, r.pad))
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, im.RGBAAt(off+4, r.pad))
	// overlay of label 1 on white
	off = 2*r.pad + panel
	assert.Equal(t, color.RGBA{255, 160, 160, 255}, im.RGBAAt(off+4, r.pad))
}

func TestRenderBadPrediction(t *testing.T) {
	p := checker()
	p.Labels = p.Labels[:3]
	_, err := NewRenderer(1).Render(state{p})
	assert.Error(t, err)

	_, err = NewRenderer(0).Render(state{Prediction{}})
	assert.Error(t, err)
}
