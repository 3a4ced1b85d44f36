package imageio

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuroscan/internal/imageio/imagetest"
)

func TestIsImage(t *testing.T) {
	for _, p := range []string{"a.jpg", "b.JPEG", "c.png", "d.Bmp", "e.tif", "f.TIFF"} {
		assert.True(t, IsImage(p), p)
	}
	for _, p := range []string{"notes.txt", "scan", ".DS_Store", "x.gif"} {
		assert.False(t, IsImage(p), p)
	}
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.png")
	imagetest.WritePNG(t, good, 20, 10, 100)

	img, err := DecodeFile(StdDecoder{}, good)
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 10, img.Bounds().Dy())

	bad := filepath.Join(dir, "bad.png")
	imagetest.WriteGarbage(t, bad)
	_, err = DecodeFile(StdDecoder{}, bad)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, bad, derr.Path)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = DecodeFile(StdDecoder{}, filepath.Join(dir, "missing.png"))
	require.ErrorAs(t, err, &derr)
}

func TestDecodeBytesEmpty(t *testing.T) {
	_, err := DecodeBytes(StdDecoder{}, nil)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPreprocess(t *testing.T) {
	src := imagetest.Gray(64, 48, 30)
	out := Preprocess(src, 16, 24)

	assert.Equal(t, 16, out.Height)
	assert.Equal(t, 24, out.Width)
	require.Len(t, out.Pix, 16*24*3)
	for _, v := range out.Pix {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
	// Grayscale input yields equal channels.
	assert.Equal(t, out.At(3, 5, 0), out.At(3, 5, 1))
	assert.Equal(t, out.At(3, 5, 0), out.At(3, 5, 2))
}

func TestPreprocessScale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	src.Set(0, 0, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	src.Set(1, 0, color.RGBA{A: 255})
	src.Set(0, 1, color.RGBA{A: 255})
	src.Set(1, 1, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	out := Preprocess(src, 2, 2)
	assert.InDelta(t, 1.0, out.At(0, 0, 0), 1e-6)
	assert.InDelta(t, 0.0, out.At(0, 0, 1), 1e-6)
	assert.InDelta(t, 51.0/255.0, out.At(0, 0, 2), 1e-6)
	assert.InDelta(t, 1.0, out.At(1, 1, 2), 1e-6)
}

func TestPreprocessTranslucent(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 128})
		}
	}

	out := Preprocess(src, 2, 2)
	assert.InDelta(t, 200.0/255.0, out.At(1, 1, 0), 1e-6)
	assert.InDelta(t, 100.0/255.0, out.At(1, 1, 1), 1e-6)
	assert.InDelta(t, 50.0/255.0, out.At(1, 1, 2), 1e-6)
}

func TestPutCHW(t *testing.T) {
	img := NewImage(1, 2)
	img.Set(0, 0, 0, 0.1)
	img.Set(0, 0, 1, 0.2)
	img.Set(0, 0, 2, 0.3)
	img.Set(0, 1, 0, 0.4)
	img.Set(0, 1, 1, 0.5)
	img.Set(0, 1, 2, 0.6)

	dst := make([]float32, 6)
	img.PutCHW(dst)
	assert.Equal(t, []float32{0.1, 0.4, 0.2, 0.5, 0.3, 0.6}, dst)
}

func TestNewDecoder(t *testing.T) {
	dec, err := NewDecoder("")
	require.NoError(t, err)
	assert.Equal(t, "go", dec.Name())

	_, err = NewDecoder("imagemagick")
	assert.Error(t, err)
}
