//go:build !gocv

package imageio

import "errors"

func newOpenCVDecoder() (Decoder, error) {
	return nil, errors.New("imageio: gocv build tag is not enabled")
}
