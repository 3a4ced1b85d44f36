//go:build gocv

package imageio

import (
	"errors"
	"image"

	"gocv.io/x/gocv"
)

type openCVDecoder struct{}

func newOpenCVDecoder() (Decoder, error) {
	return openCVDecoder{}, nil
}

func (openCVDecoder) Name() string { return "opencv" }

// Decode reads any format OpenCV understands, including 16-bit TIFF scans.
func (openCVDecoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.Join(ErrUnsupported, errors.New("opencv returned an empty matrix"))
	}
	return mat.ToImage()
}
