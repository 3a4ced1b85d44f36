package model

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// HeadConfig sizes the trainable classification head.
type HeadConfig struct {
	Units   int     `json:"units"`
	Dropout float64 `json:"dropout"`
}

// Dropout zeroes activations with probability rate during training and
// scales the survivors by 1/(1-rate). It is the identity in evaluation mode.
type Dropout[B tensor.Backend] struct {
	rate     float32
	training bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDropout returns a dropout layer in evaluation mode.
func NewDropout[B tensor.Backend](rate float64, seed uint64) *Dropout[B] {
	return &Dropout[B]{
		rate: float32(rate),
		rng:  rand.New(rand.NewPCG(seed, seed+1)),
	}
}

// SetTraining switches between training and evaluation mode.
func (d *Dropout[B]) SetTraining(training bool) { d.training = training }

// Forward applies the dropout mask.
func (d *Dropout[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.rate == 0 {
		return x
	}
	keep := 1 / (1 - d.rate)
	mask := make([]float32, x.NumElements())

	d.mu.Lock()
	for i := range mask {
		if d.rng.Float32() >= d.rate {
			mask[i] = keep
		}
	}
	d.mu.Unlock()

	m, err := tensor.FromSlice(mask, x.Shape(), x.Backend())
	if err != nil {
		panic(fmt.Sprintf("dropout: %v", err))
	}
	return x.Mul(m)
}

// Head is Linear(C, units) -> ReLU -> Dropout -> Linear(units, K). Forward
// returns logits.
type Head[B tensor.Backend] struct {
	dense   *nn.Linear[B]
	dropout *Dropout[B]
	logits  *nn.Linear[B]
	cfg     HeadConfig
}

// NewHead builds a head for in features and classes outputs.
func NewHead[B tensor.Backend](in, classes int, cfg HeadConfig, backend B) *Head[B] {
	return &Head[B]{
		dense:   nn.NewLinear(in, cfg.Units, backend),
		dropout: NewDropout[B](cfg.Dropout, rand.Uint64()),
		logits:  nn.NewLinear(cfg.Units, classes, backend),
		cfg:     cfg,
	}
}

// Forward maps [N, C] features to [N, K] logits.
func (h *Head[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x = nn.ReLUFunc(h.dense.Forward(x))
	x = h.dropout.Forward(x)
	return h.logits.Forward(x)
}

// SetTraining toggles dropout.
func (h *Head[B]) SetTraining(training bool) { h.dropout.SetTraining(training) }

// Parameters returns the trainable weights.
func (h *Head[B]) Parameters() []*nn.Parameter[B] {
	return append(h.dense.Parameters(), h.logits.Parameters()...)
}

// NumParams returns the number of trainable scalars.
func (h *Head[B]) NumParams() int {
	n := 0
	for _, p := range h.Parameters() {
		n += p.Tensor().NumElements()
	}
	return n
}

// StateDict names the weights dense.* and logits.*.
func (h *Head[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	for k, v := range h.dense.StateDict() {
		state["dense."+k] = v
	}
	for k, v := range h.logits.StateDict() {
		state["logits."+k] = v
	}
	return state
}

// LoadStateDict copies weights produced by StateDict into the head.
func (h *Head[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := h.dense.LoadStateDict(subState(state, "dense.")); err != nil {
		return fmt.Errorf("%w: dense: %v", ErrStateDict, err)
	}
	if err := h.logits.LoadStateDict(subState(state, "logits.")); err != nil {
		return fmt.Errorf("%w: logits: %v", ErrStateDict, err)
	}
	return nil
}
