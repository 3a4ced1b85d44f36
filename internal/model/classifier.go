// Package model assembles the transfer-learning classifier: a frozen
// backbone, global average pooling and a small trainable head, plus the
// checkpoint format that carries all of it.
package model

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Classifier maps NCHW image batches in [0, 1] to class probabilities.
// Only the head is trainable; gradients never reach the backbone.
type Classifier[B tensor.Backend] struct {
	backbone Backbone
	head     *Head[B]
	backend  B
	labels   []string
	frozen   int
}

// NewClassifier puts a fresh head on top of backbone, one output per label.
func NewClassifier[B tensor.Backend](backbone Backbone, labels []string, cfg HeadConfig, backend B) (*Classifier[B], error) {
	if len(labels) < 2 {
		return nil, &BuildError{Component: "classifier", Err: ErrLabels}
	}
	if cfg.Units <= 0 {
		return nil, &BuildError{Component: "head", Err: fmt.Errorf("units must be positive, got %d", cfg.Units)}
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, &BuildError{Component: "head", Err: fmt.Errorf("dropout must be in [0, 1), got %v", cfg.Dropout)}
	}
	return &Classifier[B]{
		backbone: backbone,
		head:     NewHead(backbone.FeatureDim(), len(labels), cfg, backend),
		backend:  backend,
		labels:   append([]string(nil), labels...),
		frozen:   backbone.FrozenSize(),
	}, nil
}

// Labels returns the class names in output order.
func (c *Classifier[B]) Labels() []string { return c.labels }

// InputSize returns the image height and width the model expects.
func (c *Classifier[B]) InputSize() (int, int) { return c.backbone.InputSize() }

// Backbone returns the frozen feature extractor.
func (c *Classifier[B]) Backbone() Backbone { return c.backbone }

// HeadConfig returns the head sizing.
func (c *Classifier[B]) HeadConfig() HeadConfig { return c.head.cfg }

// Backend returns the backend the head runs on.
func (c *Classifier[B]) Backend() B { return c.backend }

// FrozenSize is the byte size of the backbone state, fixed at construction.
func (c *Classifier[B]) FrozenSize() int { return c.frozen }

// TrainableParams returns the number of trainable scalars.
func (c *Classifier[B]) TrainableParams() int { return c.head.NumParams() }

// SetTraining toggles training-only behaviour such as dropout.
func (c *Classifier[B]) SetTraining(training bool) { c.head.SetTraining(training) }

// Features runs the backbone on n images laid out NCHW in inputs and
// returns pooled [n, C] features on the head backend.
func (c *Classifier[B]) Features(inputs []float32, n int) (*tensor.Tensor[float32, B], error) {
	h, w := c.backbone.InputSize()
	raw, err := tensor.NewRaw(tensor.Shape{n, 3, h, w}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	if len(inputs) != n*3*h*w {
		return nil, fmt.Errorf("%w: %d values for %d images of %dx%d", ErrInputShape, len(inputs), n, h, w)
	}
	copy(raw.AsFloat32(), inputs)
	return c.features(raw)
}

func (c *Classifier[B]) features(x *tensor.RawTensor) (*tensor.Tensor[float32, B], error) {
	out, err := c.backbone.Extract(x)
	if err != nil {
		return nil, err
	}
	pooled, err := GlobalAveragePool(out)
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(pooled, tensor.Shape{x.Shape()[0], c.backbone.FeatureDim()}, c.backend)
}

// Logits runs the head on pooled features.
func (c *Classifier[B]) Logits(features *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return c.head.Forward(features)
}

// Predict returns one probability row per image, in evaluation mode.
func (c *Classifier[B]) Predict(inputs []float32, n int) ([][]float32, error) {
	c.SetTraining(false)
	f, err := c.Features(inputs, n)
	if err != nil {
		return nil, err
	}
	logits := c.Logits(f)
	return Softmax(logits.Data(), n, len(c.labels)), nil
}

// Forward maps an [N, 3, H, W] batch to [N, K] probabilities. It panics on
// a backbone failure like the born layers do; use Predict for an error.
func (c *Classifier[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	f, err := c.features(input.Raw())
	if err != nil {
		panic(fmt.Sprintf("Classifier.Forward: %v", err))
	}
	n, k := input.Shape()[0], len(c.labels)
	rows := Softmax(c.Logits(f).Data(), n, k)
	flat := make([]float32, 0, n*k)
	for _, r := range rows {
		flat = append(flat, r...)
	}
	out, err := tensor.FromSlice(flat, tensor.Shape{n, k}, c.backend)
	if err != nil {
		panic(fmt.Sprintf("Classifier.Forward: %v", err))
	}
	return out
}

// Parameters returns the trainable head parameters only.
func (c *Classifier[B]) Parameters() []*nn.Parameter[B] {
	return c.head.Parameters()
}

// StateDict returns backbone.* and head.* tensors.
func (c *Classifier[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	for k, v := range c.backbone.StateDict() {
		state[backbonePrefix+k] = v
	}
	for k, v := range c.head.StateDict() {
		state[headPrefix+k] = v
	}
	return state
}

// LoadStateDict loads a full state produced by StateDict.
func (c *Classifier[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := c.backbone.LoadStateDict(subState(state, backbonePrefix)); err != nil {
		return err
	}
	return c.head.LoadStateDict(subState(state, headPrefix))
}

// HeadState deep copies the trainable weights.
func (c *Classifier[B]) HeadState() map[string]*tensor.RawTensor {
	state := c.head.StateDict()
	for k, v := range state {
		state[k] = cloneRaw(v)
	}
	return state
}

// RestoreHead loads weights captured by HeadState.
func (c *Classifier[B]) RestoreHead(state map[string]*tensor.RawTensor) error {
	return c.head.LoadStateDict(state)
}

const headPrefix = "head."

var _ nn.Module[*Backend] = (*Classifier[*Backend])(nil)
