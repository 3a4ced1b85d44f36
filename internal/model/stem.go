package model

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Stem is a small convolutional feature extractor: for each configured
// width a 3x3 convolution, ReLU and 2x2 max pool. Its weights are drawn once
// and frozen; they travel with the checkpoint.
type Stem[B tensor.Backend] struct {
	convs    []*nn.Conv2D[B]
	pool     *nn.MaxPool2D[B]
	backend  B
	height   int
	width    int
	channels []int
	dim      int
}

// NewStem builds and probes a stem for height x width input.
func NewStem[B tensor.Backend](height, width int, channels []int, backend B) (*Stem[B], error) {
	if len(channels) == 0 {
		return nil, &BuildError{Component: "backbone", Err: fmt.Errorf("stem needs at least one block")}
	}
	if min(height, width)>>len(channels) < 1 {
		return nil, &BuildError{Component: "backbone", Err: fmt.Errorf("%w: %dx%d too small for %d pooling blocks", ErrInputShape, height, width, len(channels))}
	}
	s := &Stem[B]{
		pool:     nn.NewMaxPool2D(2, 2, backend),
		backend:  backend,
		height:   height,
		width:    width,
		channels: append([]int(nil), channels...),
	}
	in := 3
	for _, out := range channels {
		s.convs = append(s.convs, nn.NewConv2D(in, out, 3, 3, 1, 1, true, backend))
		in = out
	}
	dim, err := probe(height, width, s.Extract)
	if err != nil {
		return nil, &BuildError{Component: "backbone", Err: err}
	}
	s.dim = dim
	return s, nil
}

// Kind implements Backbone.
func (s *Stem[B]) Kind() string { return KindStem }

// InputSize implements Backbone.
func (s *Stem[B]) InputSize() (int, int) { return s.height, s.width }

// FeatureDim implements Backbone.
func (s *Stem[B]) FeatureDim() int { return s.dim }

// Extract implements Backbone.
func (s *Stem[B]) Extract(x *tensor.RawTensor) (out *tensor.RawTensor, err error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != 3 || shape[2] != s.height || shape[3] != s.width {
		return nil, fmt.Errorf("%w: got %v, want [N 3 %d %d]", ErrInputShape, shape, s.height, s.width)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stem forward: %v", r)
		}
	}()

	h := tensor.New[float32, B](x, s.backend)
	for _, conv := range s.convs {
		h = s.pool.Forward(nn.ReLUFunc(conv.Forward(h)))
	}
	return h.Raw(), nil
}

// FrozenSize implements Backbone.
func (s *Stem[B]) FrozenSize() int {
	n := 0
	for _, c := range s.convs {
		for _, p := range c.Parameters() {
			n += p.Tensor().NumElements() * 4
		}
	}
	return n
}

// StateDict names the weights conv<i>.weight and conv<i>.bias.
func (s *Stem[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	for i, c := range s.convs {
		for _, p := range c.Parameters() {
			state[stemKey(i, p.Name())] = p.Tensor().Raw()
		}
	}
	return state
}

// LoadStateDict copies weights produced by StateDict into the stem.
func (s *Stem[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	for i, c := range s.convs {
		for _, p := range c.Parameters() {
			key := stemKey(i, p.Name())
			raw, ok := state[key]
			if !ok {
				return fmt.Errorf("%w: missing %s", ErrStateDict, key)
			}
			if !raw.Shape().Equal(p.Tensor().Shape()) {
				return fmt.Errorf("%w: %s shape %v, want %v", ErrStateDict, key, raw.Shape(), p.Tensor().Shape())
			}
			copy(p.Tensor().Data(), raw.AsFloat32())
		}
	}
	return nil
}

// Spec implements Backbone.
func (s *Stem[B]) Spec() BackboneSpec {
	return BackboneSpec{
		Kind:       KindStem,
		Height:     s.height,
		Width:      s.width,
		FeatureDim: s.dim,
		Channels:   append([]int(nil), s.channels...),
	}
}

// stemKey maps a Conv2D parameter name such as "conv2d.weight" to
// "conv<i>.weight".
func stemKey(i int, name string) string {
	suffix := "weight"
	if name == "conv2d.bias" || name == "bias" {
		suffix = "bias"
	}
	return fmt.Sprintf("conv%d.%s", i, suffix)
}
