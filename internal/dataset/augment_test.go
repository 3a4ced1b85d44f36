package dataset

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuroscan/internal/config"
	"github.com/born-ml/neuroscan/internal/imageio"
	"github.com/born-ml/neuroscan/internal/imageio/imagetest"
)

func gradient(h, w int) *imageio.Image {
	return imageio.Preprocess(imagetest.Gray(w, h, 10), h, w)
}

func TestDrawRanges(t *testing.T) {
	aug := NewAugmenter(config.Default().Augment)
	rng := rand.New(rand.NewPCG(1, 2))

	flips := 0
	for i := 0; i < 2000; i++ {
		tr := aug.Draw(rng, 224, 200)
		assert.LessOrEqual(t, tr.Theta, 15*3.14159266/180)
		assert.GreaterOrEqual(t, tr.Theta, -15*3.14159266/180)
		assert.LessOrEqual(t, tr.Tx, 22.4)
		assert.GreaterOrEqual(t, tr.Tx, -22.4)
		assert.LessOrEqual(t, tr.Ty, 20.0)
		assert.GreaterOrEqual(t, tr.Ty, -20.0)
		assert.InDelta(t, 1.0, tr.Zx, 0.1)
		assert.InDelta(t, 1.0, tr.Zy, 0.1)
		if tr.Flip {
			flips++
		}
	}
	assert.InDelta(t, 1000, flips, 150)
}

func TestDrawDisabled(t *testing.T) {
	aug := NewAugmenter(config.Augment{})
	rng := rand.New(rand.NewPCG(1, 2))
	assert.Equal(t, Identity, aug.Draw(rng, 10, 10))
}

func TestApplyKeepsShapeAndRange(t *testing.T) {
	img := gradient(24, 20)
	aug := NewAugmenter(config.Default().Augment)
	rng := rand.New(rand.NewPCG(3, 4))

	for i := 0; i < 50; i++ {
		out := Apply(img, aug.Draw(rng, img.Height, img.Width))
		require.Equal(t, img.Height, out.Height)
		require.Equal(t, img.Width, out.Width)
		require.Len(t, out.Pix, len(img.Pix))
		for _, v := range out.Pix {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(1))
		}
	}
}

func TestApplyIdentity(t *testing.T) {
	img := gradient(9, 7)
	out := Apply(img, Identity)
	assert.Equal(t, img.Pix, out.Pix)
}

func TestApplyFlip(t *testing.T) {
	img := gradient(5, 6)
	before := img.Clone()

	flipped := Apply(img, Transform{Zx: 1, Zy: 1, Flip: true})
	assert.Equal(t, before.Pix, img.Pix, "source must not change")
	assert.Equal(t, img.At(2, 0, 1), flipped.At(2, 5, 1))
	assert.Equal(t, img.At(4, 5, 0), flipped.At(4, 0, 0))

	back := Apply(flipped, Transform{Zx: 1, Zy: 1, Flip: true})
	assert.Equal(t, img.Pix, back.Pix)
}

func TestApplyShift(t *testing.T) {
	img := gradient(10, 10)
	// Output pixel (r, c) samples source (r+2, c).
	out := Apply(img, Transform{Tx: 2, Zx: 1, Zy: 1})
	for r := 0; r < 8; r++ {
		for c := 0; c < 10; c++ {
			assert.InDelta(t, img.At(r+2, c, 0), out.At(r, c, 0), 1e-6)
		}
	}
	// Rows past the edge repeat the last source row.
	assert.InDelta(t, img.At(9, 4, 0), out.At(9, 4, 0), 1e-6)
}
