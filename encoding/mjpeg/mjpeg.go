package mjpeg

import (
	"bytes"
	"image/jpeg"
	"log"
	"net/http"

	"github.com/gorgonia/crfasrnn/encoding"
	"github.com/mattn/go-mjpeg"
)

// Encoder streams the rendered state over HTTP as a motion jpeg.
type Encoder struct {
	stream *mjpeg.Stream
	r      *encoding.Renderer
}

func (e *Encoder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.stream.ServeHTTP(w, r)
}

// NewEncoder creates a stream. Images are magnified by scale.
func NewEncoder(scale int) *Encoder {
	return &Encoder{
		stream: mjpeg.NewStream(),
		r:      encoding.NewRenderer(scale),
	}
}

// Encode renders the state and pushes it to the stream.
func (enc *Encoder) Encode(ms encoding.MetaState) error {
	im, err := enc.r.Render(ms)
	if err != nil {
		return err
	}
	var b bytes.Buffer
	if err = jpeg.Encode(&b, im, nil); err != nil {
		log.Println(err)
		return err
	}
	if err = enc.stream.Update(b.Bytes()); err != nil {
		log.Println(err)
		return err
	}
	return nil
}

func (enc *Encoder) Flush() error { return nil }

// Close closes the stream.
func (enc *Encoder) Close() error { return enc.stream.Close() }
