//go:build !gocv

package imageio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenCVDecoderNeedsTag(t *testing.T) {
	_, err := NewDecoder("opencv")
	assert.ErrorContains(t, err, "gocv build tag")
}
