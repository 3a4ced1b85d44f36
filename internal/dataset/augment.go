package dataset

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/neuroscan/internal/config"
	"github.com/born-ml/neuroscan/internal/imageio"
)

// Transform is one random draw of augmentation parameters.
type Transform struct {
	Theta float64 // rotation, radians
	Tx    float64 // shift along rows, pixels
	Ty    float64 // shift along columns, pixels
	Zx    float64 // zoom along rows
	Zy    float64 // zoom along columns
	Flip  bool    // mirror left to right after the affine step
}

// Identity is the transform that leaves an image unchanged.
var Identity = Transform{Zx: 1, Zy: 1}

func (t Transform) affine() bool {
	return t.Theta != 0 || t.Tx != 0 || t.Ty != 0 || t.Zx != 1 || t.Zy != 1
}

// Augmenter draws random transforms within configured ranges.
type Augmenter struct {
	cfg config.Augment
}

// NewAugmenter returns an augmenter for cfg.
func NewAugmenter(cfg config.Augment) *Augmenter {
	return &Augmenter{cfg: cfg}
}

// Draw samples a transform for an image of the given size. Each parameter
// is drawn independently.
func (a *Augmenter) Draw(rng *rand.Rand, height, width int) Transform {
	t := Identity
	if a.cfg.RotationRange > 0 {
		t.Theta = uniform(rng, a.cfg.RotationRange) * math.Pi / 180
	}
	if a.cfg.HeightShiftRange > 0 {
		t.Tx = uniform(rng, a.cfg.HeightShiftRange) * float64(height)
	}
	if a.cfg.WidthShiftRange > 0 {
		t.Ty = uniform(rng, a.cfg.WidthShiftRange) * float64(width)
	}
	if a.cfg.ZoomRange > 0 {
		t.Zx = 1 + uniform(rng, a.cfg.ZoomRange)
		t.Zy = 1 + uniform(rng, a.cfg.ZoomRange)
	}
	if a.cfg.HorizontalFlip {
		t.Flip = rng.Float64() < 0.5
	}
	return t
}

// uniform returns a value in [-r, r).
func uniform(rng *rand.Rand, r float64) float64 {
	return (rng.Float64()*2 - 1) * r
}

// Apply returns img transformed by t. The affine part maps each output
// pixel back into the source around the image centre, samples bilinearly
// and repeats the nearest edge pixel outside the source. img is not
// modified.
func Apply(img *imageio.Image, t Transform) *imageio.Image {
	out := img
	if t.affine() {
		out = warp(img, t)
	}
	if t.Flip {
		if out == img {
			out = img.Clone()
		}
		flipHorizontal(out)
	}
	return out
}

// warp applies rotation, shift and zoom in that composition order.
func warp(img *imageio.Image, t Transform) *imageio.Image {
	cos, sin := math.Cos(t.Theta), math.Sin(t.Theta)

	// M = R * S * Z
	m00 := cos * t.Zx
	m01 := -sin * t.Zy
	m10 := sin * t.Zx
	m11 := cos * t.Zy
	m02 := cos*t.Tx - sin*t.Ty
	m12 := sin*t.Tx + cos*t.Ty

	// Centre: M' = C * M * C^-1 with offset (h/2 + 0.5, w/2 + 0.5).
	or := float64(img.Height)/2 + 0.5
	oc := float64(img.Width)/2 + 0.5
	off0 := m02 + or - (m00*or + m01*oc)
	off1 := m12 + oc - (m10*or + m11*oc)

	out := imageio.NewImage(img.Height, img.Width)
	maxR := float64(img.Height - 1)
	maxC := float64(img.Width - 1)
	for r := 0; r < img.Height; r++ {
		for c := 0; c < img.Width; c++ {
			sr := clamp(m00*float64(r)+m01*float64(c)+off0, 0, maxR)
			sc := clamp(m10*float64(r)+m11*float64(c)+off1, 0, maxC)
			sampleBilinear(img, out, r, c, sr, sc)
		}
	}
	return out
}

func sampleBilinear(src, dst *imageio.Image, r, c int, sr, sc float64) {
	r0, c0 := int(sr), int(sc)
	r1, c1 := min(r0+1, src.Height-1), min(c0+1, src.Width-1)
	fr, fc := float32(sr-float64(r0)), float32(sc-float64(c0))
	for ch := 0; ch < 3; ch++ {
		top := src.At(r0, c0, ch)*(1-fc) + src.At(r0, c1, ch)*fc
		bot := src.At(r1, c0, ch)*(1-fc) + src.At(r1, c1, ch)*fc
		v := top*(1-fr) + bot*fr
		dst.Set(r, c, ch, float32(clamp(float64(v), 0, 1)))
	}
}

func flipHorizontal(img *imageio.Image) {
	for r := 0; r < img.Height; r++ {
		for c, d := 0, img.Width-1; c < d; c, d = c+1, d-1 {
			for ch := 0; ch < 3; ch++ {
				a, b := img.At(r, c, ch), img.At(r, d, ch)
				img.Set(r, c, ch, b)
				img.Set(r, d, ch, a)
			}
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
