package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, filename string, img image.Image) {
	f, err := os.Create(filename)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// road draws an 8x8 image with a bright vertical road in the right half, and its mask.
func road() (*image.RGBA, *image.Gray) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	gt := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if x >= 4 {
				img.Set(x, y, color.RGBA{200, 200, 200, 255})
				gt.SetGray(x, y, color.Gray{255})
			} else {
				img.Set(x, y, color.RGBA{20, 80, 20, 255})
				gt.SetGray(x, y, color.Gray{30})
			}
		}
	}
	return img, gt
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "images"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "groundtruth"), 0755))
	img, gt := road()
	writePNG(t, filepath.Join(dir, "images", "a.png"), img)
	writePNG(t, filepath.Join(dir, "groundtruth", "a.png"), gt)

	source := filepath.Join(dir, "train.txt")
	require.NoError(t, os.WriteFile(source, []byte("# training set\na.png a.png\n\n"), 0644))

	conf := DefaultConfig(filepath.Join(dir, "images"), filepath.Join(dir, "groundtruth"), source, 4, 4)
	examples, err := Load(conf)
	require.NoError(t, err)
	require.Len(t, examples, 1)

	ex := examples[0]
	assert.Equal(t, "a.png", ex.Name)
	assert.Len(t, ex.Image, 3*4*4)
	assert.Equal(t, []int{
		0, 0, 1, 1,
		0, 0, 1, 1,
		0, 0, 1, 1,
		0, 0, 1, 1,
	}, ex.Labels)

	// bright pixels normalize above dark ones in every channel
	for c := 0; c < 3; c++ {
		assert.True(t, ex.Image[c*16+3] > ex.Image[c*16+0])
	}

	img2, err := LoadImage(conf, "a.png")
	require.NoError(t, err)
	assert.Equal(t, ex.Image, img2)

	_, err = LoadImage(conf, "missing.png")
	assert.Error(t, err)
}

func TestReadSourceErrors(t *testing.T) {
	_, err := ReadSource(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	source := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(source, []byte("a.png\n"), 0644))
	_, err = ReadSource(source)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	got := Normalize(img, 2, 2, [3]float64{0.5, 0.5, 0.5}, [3]float64{0.5, 0.5, 0.5})
	for _, v := range got {
		assert.InDelta(t, 1, v, 1e-9)
	}
}

func TestLabels(t *testing.T) {
	gt := image.NewGray(image.Rect(0, 0, 3, 1))
	gt.Pix = []uint8{0, 2, 200}

	binary := Config{Width: 3, Height: 1, Binarize: true, Threshold: 50}
	assert.Equal(t, []int{0, 0, 1}, binary.Labels(gt))

	multi := Config{Width: 3, Height: 1, Classes: 3}
	assert.Equal(t, []int{0, 2, -1}, multi.Labels(gt))
}

func TestPatchLabels(t *testing.T) {
	labels := []int{
		1, 1, 0, 0,
		1, 0, 0, 0,
		0, 0, 0, 1,
		-1, 0, 0, 0,
	}
	got, err := PatchLabels(labels, 4, 4, 2, 0.25)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 0, 0}, got)

	// edge tiles are smaller
	got, err = PatchLabels(labels, 4, 4, 3, 0.25)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 0, 0}, got)

	_, err = PatchLabels(labels, 3, 3, 2, 0.25)
	assert.Error(t, err)
	_, err = PatchLabels(labels, 4, 4, 0, 0.25)
	assert.Error(t, err)
}
