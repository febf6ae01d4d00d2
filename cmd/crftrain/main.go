package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"

	"github.com/gorgonia/crfasrnn"
	"github.com/gorgonia/crfasrnn/crf"
	"github.com/gorgonia/crfasrnn/dataset"
	"github.com/gorgonia/crfasrnn/encoding/gif"
	"github.com/gorgonia/crfasrnn/encoding/mjpeg"
)

var (
	config      = flag.String("config", "config.json", "configuration file")
	snapshotDir = flag.String("snapshot_dir", "", "directory for snapshots. Overrides the configuration")
	lrCRF       = flag.Float64("lr_crf", 0, "learn rate of the CRF parameters. Overrides the configuration")
	epochs      = flag.Int("epochs", 0, "number of epochs. Overrides the configuration")
	restore     = flag.String("restore", "", "snapshot to resume training from")
	workers     = flag.Int("workers", 0, "number of inferencers used for the final evaluation. 0 means one per CPU")

	gifOut   = flag.String("gif", "", "write the preview of every epoch to this gif")
	scale    = flag.Int("scale", 4, "magnification of the preview")
	addr     = flag.String("http", "", "serve the preview stream on /stream and a loss feed on /ws")
	dotOut   = flag.String("dot", "", "write the unrolled CRF graph in graphviz format to this file")
	statsOut = flag.String("stats", "", "write the training statistics to this CSV")
	model    = flag.String("o", "crfasrnn.model", "where the trained model is saved")
)

func main() {
	flag.Parse()
	conf, data, err := crfasrnn.LoadConfig(*config)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	if *snapshotDir != "" {
		conf.SnapshotDir = *snapshotDir
	}
	if *lrCRF > 0 {
		conf.Net.LRCRF = *lrCRF
	}
	if *epochs > 0 {
		conf.Epochs = *epochs
	}

	if *dotOut != "" {
		dot, err := crf.ToDot(conf.Net.TrainIter)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		if err := ioutil.WriteFile(*dotOut, []byte(dot), 0644); err != nil {
			log.Fatal(err)
		}
	}

	var outEnc multi
	if *gifOut != "" {
		f, err := os.Create(*gifOut)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		outEnc = append(outEnc, gif.NewGifEncoder(f, *scale))
	}
	if *addr != "" {
		stream := mjpeg.NewEncoder(*scale)
		defer stream.Close()
		feed := NewEncoder()
		outEnc = append(outEnc, stream, feed)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/stream", stream)
			mux.Handle("/ws", feed)
			log.Printf("http://localhost%s/stream", *addr)
			log.Println(http.ListenAndServe(*addr, mux))
		}()
	}
	if len(outEnc) > 0 {
		conf.OutputEncoder = outEnc
	}

	examples, err := dataset.Load(data)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	log.Printf("Loaded %d examples from %s", len(examples), data.Source)

	e, err := crfasrnn.New(conf, examples)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	if *restore != "" {
		if err := e.Load(*restore); err != nil {
			log.Fatalf("%+v", err)
		}
		log.Printf("Restored %s at epoch %d", *restore, e.Epoch())
	}

	if err := e.Learn(); err != nil {
		log.Printf("%+v", err)
		fmt.Println(e.Log())
		os.Exit(1)
	}
	if len(outEnc) > 0 {
		if err := outEnc.Flush(); err != nil {
			log.Printf("Flush: %v", err)
		}
	}
	if err := e.Save(*model); err != nil {
		log.Fatalf("%+v", err)
	}
	if *statsOut != "" {
		if err := e.Dump(*statsOut); err != nil {
			log.Printf("Stats: %v", err)
		}
	}

	report, err := crfasrnn.Evaluate(e.Net(), examples, *workers)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	log.Printf("Training set: %v", report)
	log.Printf("CRF parameters: %+v", e.Net().CRFParams())
}
