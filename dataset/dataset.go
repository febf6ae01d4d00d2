// Package dataset loads labelled images for segmentation training.
//
// A dataset is described by a source file. Each line of the source file names an image and its
// ground truth mask, separated by whitespace. Image names are relative to ImgRoot and masks are
// relative to GTRoot.
package dataset

import (
	"bufio"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	seg "github.com/gorgonia/crfasrnn/segnet"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Config describes where a dataset lives and how its images are prepared.
type Config struct {
	ImgRoot string `json:"img_root"`
	GTRoot  string `json:"gt_root"`
	Source  string `json:"source"`

	Width  int `json:"width"`
	Height int `json:"height"`

	Mean [3]float64 `json:"mean"` // per channel, on [0, 1] values
	Std  [3]float64 `json:"std"`

	Binarize  bool `json:"binarize"`  // masks are foreground/background
	Threshold int  `json:"threshold"` // grey level above which a binarized pixel is foreground
	Classes   int  `json:"classes"`
}

// DefaultConfig uses the ImageNet mean and standard deviation, and binarizes masks at grey level 50.
func DefaultConfig(imgRoot, gtRoot, source string, h, w int) Config {
	return Config{
		ImgRoot:   imgRoot,
		GTRoot:    gtRoot,
		Source:    source,
		Width:     w,
		Height:    h,
		Mean:      [3]float64{0.485, 0.456, 0.406},
		Std:       [3]float64{0.229, 0.224, 0.225},
		Binarize:  true,
		Threshold: 50,
		Classes:   2,
	}
}

// Pair is a line of a source file.
type Pair struct {
	Image, GT string
}

// ReadSource reads the image/ground truth pairs listed in a source file.
func ReadSource(filename string) ([]Pair, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	var retVal []Pair
	s := bufio.NewScanner(f)
	for line := 1; s.Scan(); line++ {
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, errors.Errorf("%s:%d: expected an image and a ground truth. Got %q", filename, line, text)
		}
		retVal = append(retVal, Pair{Image: fields[0], GT: fields[1]})
	}
	return retVal, errors.WithStack(s.Err())
}

// Load loads every example listed in the source file.
func Load(conf Config) ([]seg.Example, error) {
	pairs, err := ReadSource(conf.Source)
	if err != nil {
		return nil, err
	}
	retVal := make([]seg.Example, 0, len(pairs))
	for _, p := range pairs {
		ex, err := LoadPair(conf, p)
		if err != nil {
			return nil, err
		}
		retVal = append(retVal, ex)
	}
	return retVal, nil
}

// LoadPair loads and prepares one example.
func LoadPair(conf Config, p Pair) (ex seg.Example, err error) {
	var img, gt image.Image
	if img, err = decode(filepath.Join(conf.ImgRoot, p.Image)); err != nil {
		return ex, err
	}
	if gt, err = decode(filepath.Join(conf.GTRoot, p.GT)); err != nil {
		return ex, err
	}
	return seg.Example{
		Name:   p.Image,
		Image:  Normalize(img, conf.Width, conf.Height, conf.Mean, conf.Std),
		Labels: conf.Labels(gt),
	}, nil
}

// LoadImage loads and normalizes an image that has no ground truth. name is relative to ImgRoot.
func LoadImage(conf Config, name string) ([]float64, error) {
	img, err := decode(filepath.Join(conf.ImgRoot, name))
	if err != nil {
		return nil, err
	}
	return Normalize(img, conf.Width, conf.Height, conf.Mean, conf.Std), nil
}

func decode(filename string) (image.Image, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to decode %s", filename)
	}
	return img, nil
}

// Normalize resizes an image to w×h and returns it as planar RGB, normalized as (x/255 - mean) / std.
func Normalize(img image.Image, w, h int, mean, std [3]float64) []float64 {
	img = resize.Resize(uint(w), uint(h), img, resize.Bilinear)
	size := w * h
	retVal := make([]float64, 3*size)
	red := retVal[0:size]
	green := retVal[size : 2*size]
	blue := retVal[2*size : 3*size]

	b := img.Bounds()
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			red[i] = (float64(r>>8)/255 - mean[0]) / std[0]
			green[i] = (float64(g>>8)/255 - mean[1]) / std[1]
			blue[i] = (float64(bl>>8)/255 - mean[2]) / std[2]
			i++
		}
	}
	return retVal
}

// Labels resizes a ground truth mask and turns it into class labels.
//
// When binarizing, grey levels above the threshold are class 1 and the others class 0. Otherwise the
// grey level is the class, and grey levels that are not a valid class are ignored (-1).
func (conf Config) Labels(gt image.Image) []int {
	gt = resize.Resize(uint(conf.Width), uint(conf.Height), gt, resize.NearestNeighbor)
	retVal := make([]int, conf.Width*conf.Height)
	b := gt.Bounds()
	i := 0
	for y := 0; y < conf.Height; y++ {
		for x := 0; x < conf.Width; x++ {
			grey := int(color.GrayModel.Convert(gt.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y)
			switch {
			case conf.Binarize && grey > conf.Threshold:
				retVal[i] = 1
			case conf.Binarize:
				retVal[i] = 0
			case grey < conf.Classes:
				retVal[i] = grey
			default:
				retVal[i] = -1
			}
			i++
		}
	}
	return retVal
}

// PatchLabels splits a h×w label map into patch×patch tiles, and labels a tile as foreground (1) when the
// fraction of foreground pixels in it exceeds threshold. Ignored pixels count as background.
// Tiles are returned row by row.
func PatchLabels(labels []int, h, w, patch int, threshold float64) ([]int, error) {
	if len(labels) != h*w {
		return nil, errors.Errorf("Expected %d labels. Got %d instead", h*w, len(labels))
	}
	if patch <= 0 {
		return nil, errors.Errorf("Invalid patch size %d", patch)
	}
	var retVal []int
	for y0 := 0; y0 < h; y0 += patch {
		for x0 := 0; x0 < w; x0 += patch {
			var fg, total int
			for y := y0; y < y0+patch && y < h; y++ {
				for x := x0; x < x0+patch && x < w; x++ {
					if labels[y*w+x] > 0 {
						fg++
					}
					total++
				}
			}
			label := 0
			if float64(fg)/float64(total) > threshold {
				label = 1
			}
			retVal = append(retVal, label)
		}
	}
	return retVal, nil
}
