package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/gorgonia/crfasrnn"
	"github.com/gorgonia/crfasrnn/dataset"
)

var (
	config    = flag.String("config", "config.json", "configuration file the model was trained with")
	model     = flag.String("model", "crfasrnn.model", "trained model")
	out       = flag.String("o", "", "write the patch labels as CSV to this file. Defaults to stdout")
	patch     = flag.Int("patch", 16, "patch size")
	threshold = flag.Float64("fg", 0.25, "fraction of foreground pixels above which a patch is foreground")
	workers   = flag.Int("workers", 0, "number of inferencers. 0 means one per CPU")
	eval      = flag.Bool("eval", false, "evaluate the model on the dataset of the configuration instead")
)

func main() {
	flag.Parse()
	conf, data, err := crfasrnn.LoadConfig(*config)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	_, n, err := crfasrnn.LoadNet(*model, conf.Net)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	if *eval {
		examples, err := dataset.Load(data)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		report, err := crfasrnn.Evaluate(n, examples, *workers)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		fmt.Println(report)
		return
	}

	e, err := crfasrnn.NewEvaluator(n, *workers)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	defer e.Close()

	f := os.Stdout
	if *out != "" {
		if f, err = os.Create(*out); err != nil {
			log.Fatal(err)
		}
		defer f.Close()
	}
	w := csv.NewWriter(f)
	w.Write([]string{"id", "prediction"})
	for _, name := range flag.Args() {
		img, err := dataset.LoadImage(data, name)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		labels, _, err := e.Infer(img)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		patches, err := dataset.PatchLabels(labels, data.Height, data.Width, *patch, *threshold)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		cols := (data.Width + *patch - 1) / *patch
		for i, l := range patches {
			id := fmt.Sprintf("%s_%d_%d", name, (i/cols)*(*patch), (i%cols)*(*patch))
			w.Write([]string{id, strconv.Itoa(l)})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Fatal(err)
	}
}
