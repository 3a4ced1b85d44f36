package dataset

import (
	"github.com/born-ml/neuroscan/internal/imageio"
)

// LabeledImage is one preprocessed image with its one-hot label.
type LabeledImage struct {
	Image *imageio.Image
	Label []float32
	Path  string
}

// Batch holds a group of labelled images as parallel arrays ready for the
// model: Inputs is N x 3 x H x W, OneHot is N x K and Targets holds the
// class index of every row of OneHot.
type Batch struct {
	Inputs  []float32
	OneHot  []float32
	Targets []int32
	Paths   []string
	Size    int
	Height  int
	Width   int
	Classes int
}

func newBatch(size, height, width, classes int) *Batch {
	return &Batch{
		Inputs:  make([]float32, size*3*height*width),
		OneHot:  make([]float32, size*classes),
		Targets: make([]int32, size),
		Paths:   make([]string, size),
		Size:    size,
		Height:  height,
		Width:   width,
		Classes: classes,
	}
}

// Shape returns the NCHW shape of Inputs.
func (b *Batch) Shape() []int {
	return []int{b.Size, 3, b.Height, b.Width}
}

func (b *Batch) put(i int, img *imageio.Image, label int, path string) {
	plane := 3 * b.Height * b.Width
	img.PutCHW(b.Inputs[i*plane : (i+1)*plane])
	b.OneHot[i*b.Classes+label] = 1
	b.Targets[i] = int32(label)
	b.Paths[i] = path
}

// Item rebuilds row i as a LabeledImage.
func (b *Batch) Item(i int) LabeledImage {
	plane := b.Height * b.Width
	chw := b.Inputs[i*3*plane : (i+1)*3*plane]
	img := imageio.NewImage(b.Height, b.Width)
	for p := 0; p < plane; p++ {
		img.Pix[p*3] = chw[p]
		img.Pix[p*3+1] = chw[plane+p]
		img.Pix[p*3+2] = chw[2*plane+p]
	}
	label := make([]float32, b.Classes)
	copy(label, b.OneHot[i*b.Classes:(i+1)*b.Classes])
	return LabeledImage{Image: img, Label: label, Path: b.Paths[i]}
}
