package crf

import (
	"fmt"

	"github.com/awalterschulze/gographviz"
	"github.com/pkg/errors"
)

// ToDot renders the stages of iter unrolled mean-field iterations as a graphviz digraph.
func ToDot(iter int) (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName("CRFRNN"); err != nil {
		return "", errors.WithStack(err)
	}
	if err := g.SetDir(true); err != nil {
		return "", errors.WithStack(err)
	}

	var err error
	check := func(e error) {
		if err == nil && e != nil {
			err = errors.WithStack(e)
		}
	}

	box := map[string]string{"shape": "box", "fontname": "Monaco"}
	param := map[string]string{"shape": "ellipse", "style": "dashed"}
	label := func(attrs map[string]string, l string) map[string]string {
		retVal := make(map[string]string, len(attrs)+1)
		for k, v := range attrs {
			retVal[k] = v
		}
		retVal["label"] = fmt.Sprintf("%q", l)
		return retVal
	}

	check(g.AddNode("CRFRNN", "unary", label(box, "Unary")))
	check(g.AddNode("CRFRNN", "ws", label(param, "spatial_ker_weight")))
	check(g.AddNode("CRFRNN", "wb", label(param, "bilateral_ker_weight")))
	check(g.AddNode("CRFRNN", "mu", label(param, "compatibility")))

	prev := "unary"
	for t := 0; t < iter; t++ {
		stage := func(name string) string { return fmt.Sprintf("%s%d", name, t) }
		check(g.AddNode("CRFRNN", stage("softmax"), label(box, fmt.Sprintf("Softmax %d", t))))
		check(g.AddNode("CRFRNN", stage("spatial"), label(box, "Spatial filter")))
		check(g.AddNode("CRFRNN", stage("bilateral"), label(box, "Bilateral filter")))
		check(g.AddNode("CRFRNN", stage("weighting"), label(box, "Weighting")))
		check(g.AddNode("CRFRNN", stage("compat"), label(box, "Compatibility transform")))
		check(g.AddNode("CRFRNN", stage("update"), label(box, "Unary - pairwise")))

		check(g.AddEdge(prev, stage("softmax"), true, nil))
		check(g.AddEdge(stage("softmax"), stage("spatial"), true, nil))
		check(g.AddEdge(stage("softmax"), stage("bilateral"), true, nil))
		check(g.AddEdge(stage("spatial"), stage("weighting"), true, nil))
		check(g.AddEdge(stage("bilateral"), stage("weighting"), true, nil))
		check(g.AddEdge("ws", stage("weighting"), true, nil))
		check(g.AddEdge("wb", stage("weighting"), true, nil))
		check(g.AddEdge(stage("weighting"), stage("compat"), true, nil))
		check(g.AddEdge("mu", stage("compat"), true, nil))
		check(g.AddEdge(stage("compat"), stage("update"), true, nil))
		check(g.AddEdge("unary", stage("update"), true, nil))
		prev = stage("update")
	}
	check(g.AddNode("CRFRNN", "logits", label(box, "Logits")))
	check(g.AddEdge(prev, "logits", true, nil))
	if err != nil {
		return "", err
	}
	return g.String(), nil
}
