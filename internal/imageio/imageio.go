// Package imageio decodes MRI slices from disk or memory and turns them into
// fixed-size RGB float images scaled to [0, 1].
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
)

// Extensions lists the file suffixes treated as images, lower case.
var Extensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff"}

var (
	// ErrEmpty is returned for zero-length input.
	ErrEmpty = errors.New("imageio: empty image data")
	// ErrUnsupported is returned when no registered decoder recognises the data.
	ErrUnsupported = errors.New("imageio: unsupported image format")
)

// DecodeError reports an image that could not be read or decoded.
type DecodeError struct {
	Path string // empty for in-memory data
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("imageio: decode: %v", e.Err)
	}
	return fmt.Sprintf("imageio: decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsImage reports whether path carries one of the supported extensions.
func IsImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Decoder turns encoded bytes into an image.
type Decoder interface {
	Name() string
	Decode(data []byte) (image.Image, error)
}

// NewDecoder returns the decoder registered under name: "go" (the default)
// or "opencv", which needs the gocv build tag.
func NewDecoder(name string) (Decoder, error) {
	switch name {
	case "", "go":
		return StdDecoder{}, nil
	case "opencv":
		return newOpenCVDecoder()
	default:
		return nil, fmt.Errorf("imageio: unknown decoder %q", name)
	}
}

// StdDecoder decodes with the image package registry: jpeg, png, bmp, tiff.
type StdDecoder struct{}

// Name implements Decoder.
func (StdDecoder) Name() string { return "go" }

// Decode implements Decoder.
func (StdDecoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if errors.Is(err, image.ErrFormat) {
		return nil, ErrUnsupported
	}
	return img, err
}

// DecodeBytes decodes data, wrapping failures in a *DecodeError.
func DecodeBytes(dec Decoder, data []byte) (image.Image, error) {
	img, err := dec.Decode(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return img, nil
}

// DecodeFile reads and decodes path, wrapping failures in a *DecodeError.
func DecodeFile(dec Decoder, path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	img, err := dec.Decode(data)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return img, nil
}

// Image is an RGB image stored row-major as height x width x 3 float32
// values in [0, 1].
type Image struct {
	Height int
	Width  int
	Pix    []float32
}

// NewImage allocates a black image.
func NewImage(height, width int) *Image {
	return &Image{Height: height, Width: width, Pix: make([]float32, height*width*3)}
}

// At returns channel c of pixel (y, x).
func (m *Image) At(y, x, c int) float32 {
	return m.Pix[(y*m.Width+x)*3+c]
}

// Set stores channel c of pixel (y, x).
func (m *Image) Set(y, x, c int, v float32) {
	m.Pix[(y*m.Width+x)*3+c] = v
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	out := &Image{Height: m.Height, Width: m.Width, Pix: make([]float32, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// PutCHW writes the image into dst in channel-major order. dst must hold
// 3*Height*Width values.
func (m *Image) PutCHW(dst []float32) {
	plane := m.Height * m.Width
	for i := 0; i < plane; i++ {
		dst[i] = m.Pix[i*3]
		dst[plane+i] = m.Pix[i*3+1]
		dst[2*plane+i] = m.Pix[i*3+2]
	}
}

// Preprocess resizes img to height x width with bilinear filtering, drops
// alpha, expands grayscale to three channels and scales to [0, 1].
func Preprocess(img image.Image, height, width int) *Image {
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		img = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
		b = img.Bounds()
	}

	out := NewImage(height, width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*width + x) * 3
			out.Pix[i] = float32(c.R) / 255.0
			out.Pix[i+1] = float32(c.G) / 255.0
			out.Pix[i+2] = float32(c.B) / 255.0
		}
	}
	return out
}

// LoadFile decodes path and preprocesses it to height x width.
func LoadFile(dec Decoder, path string, height, width int) (*Image, error) {
	img, err := DecodeFile(dec, path)
	if err != nil {
		return nil, err
	}
	return Preprocess(img, height, width), nil
}
