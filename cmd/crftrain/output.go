package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorgonia/crfasrnn"
	"github.com/gorgonia/crfasrnn/encoding"
	"github.com/gorilla/websocket"
)

type info struct {
	Name  string  `json:"name"`
	Epoch int     `json:"epoch"`
	Iter  int     `json:"iter"`
	Loss  float64 `json:"loss"`
}

// Encoder feeds the progress of training to websocket clients, according to the crfasrnn.OutputEncoder interface.
type Encoder struct {
	info chan info
}

var upgrader = websocket.Upgrader{} // use default options

func (enc *Encoder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Print("upgrade:", err)
		return
	}
	defer c.Close()
	for {
		var b []byte
		select {
		case info := <-enc.info:
			b, _ = json.Marshal(info)
		case <-r.Context().Done():
			return
		}
		if err = c.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Println("write:", err)
			return
		}
	}
}

// NewEncoder creates a feed that holds up to 64 unsent states.
func NewEncoder() *Encoder {
	return &Encoder{info: make(chan info, 64)}
}

// Encode queues the state. States are dropped when no client keeps up.
func (enc *Encoder) Encode(ms encoding.MetaState) error {
	select {
	case enc.info <- info{Name: ms.Name(), Epoch: ms.Epoch(), Iter: ms.Iteration(), Loss: ms.Loss()}:
	default:
	}
	return nil
}

// Flush ...
func (enc *Encoder) Flush() error { return nil }

// multi fans a state out to several encoders.
type multi []crfasrnn.OutputEncoder

func (m multi) Encode(ms encoding.MetaState) error {
	for _, enc := range m {
		if err := enc.Encode(ms); err != nil {
			return err
		}
	}
	return nil
}

func (m multi) Flush() error {
	for _, enc := range m {
		if err := enc.Flush(); err != nil {
			return err
		}
	}
	return nil
}
