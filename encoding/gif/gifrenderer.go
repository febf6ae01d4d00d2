package gif

import (
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"

	"github.com/gorgonia/crfasrnn/encoding"
)

// Encoder collects a frame per encoded state, and writes them out as an animated gif when flushed.
type Encoder struct {
	io.Writer
	Delay int // delay between frames, in 100ths of a second

	r   *encoding.Renderer
	out *gif.GIF
}

// NewGifEncoder creates an encoder writing to w. Images are magnified by scale.
func NewGifEncoder(w io.Writer, scale int) *Encoder {
	return &Encoder{
		Writer: w,
		Delay:  50,
		r:      encoding.NewRenderer(scale),
		out:    &gif.GIF{LoopCount: 0},
	}
}

// Encode renders the state as the next frame.
func (enc *Encoder) Encode(ms encoding.MetaState) error {
	frame, err := enc.r.Render(ms)
	if err != nil {
		return err
	}
	im := image.NewPaletted(frame.Bounds(), palette.Plan9)
	draw.Draw(im, im.Bounds(), frame, image.Point{}, draw.Src)

	enc.out.Image = append(enc.out.Image, im)
	enc.out.Delay = append(enc.out.Delay, enc.Delay)
	return nil
}

// Frames returns the number of frames encoded so far.
func (enc *Encoder) Frames() int { return len(enc.out.Image) }

// Flush writes the gif into the writer
func (enc *Encoder) Flush() error { return gif.EncodeAll(enc.Writer, enc.out) }
