package model

import (
	"fmt"

	"github.com/born-ml/born/onnx"
	"github.com/born-ml/born/tensor"
	"go.uber.org/zap"
)

const onnxTensor = "onnx"

// ONNXBackbone runs a pretrained network imported from ONNX, typically a
// ResNet50 exported without its classification top. The serialized graph
// is kept so a checkpoint is self-contained.
type ONNXBackbone struct {
	model  onnx.Model
	data   []byte
	height int
	width  int
	dim    int
	source string
}

// loadONNX parses a serialized graph. Tests replace it to run without a
// real network.
var loadONNX = func(data []byte, backend tensor.Backend) (onnx.Model, error) {
	return onnx.LoadFromBytes(data, backend)
}

// NewONNX parses data, executes it on backend and probes it with a zero
// batch of height x width images.
func NewONNX(data []byte, height, width int, backend tensor.Backend) (*ONNXBackbone, error) {
	m, err := loadONNX(data, backend)
	if err != nil {
		return nil, &BuildError{Component: "backbone", Err: fmt.Errorf("load onnx: %w", err)}
	}
	return newONNX(m, data, height, width)
}

func newONNX(m onnx.Model, data []byte, height, width int) (*ONNXBackbone, error) {
	if n := len(m.InputNames()); n != 1 {
		return nil, &BuildError{Component: "backbone", Err: fmt.Errorf("%w: graph has %d inputs", ErrInputShape, n)}
	}

	b := &ONNXBackbone{
		model:  m,
		data:   append([]byte(nil), data...),
		height: height,
		width:  width,
	}
	dim, err := probe(height, width, b.Extract)
	if err != nil {
		return nil, &BuildError{Component: "backbone", Err: err}
	}
	b.dim = dim
	return b, nil
}

// Kind implements Backbone.
func (b *ONNXBackbone) Kind() string { return KindONNX }

// InputSize implements Backbone.
func (b *ONNXBackbone) InputSize() (int, int) { return b.height, b.width }

// FeatureDim implements Backbone.
func (b *ONNXBackbone) FeatureDim() int { return b.dim }

// Extract implements Backbone.
func (b *ONNXBackbone) Extract(x *tensor.RawTensor) (out *tensor.RawTensor, err error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != 3 || shape[2] != b.height || shape[3] != b.width {
		return nil, fmt.Errorf("%w: got %v, want [N 3 %d %d]", ErrInputShape, shape, b.height, b.width)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("onnx forward: %v", r)
		}
	}()
	return b.model.Forward(x)
}

// FrozenSize implements Backbone.
func (b *ONNXBackbone) FrozenSize() int { return len(b.data) }

// StateDict stores the serialized graph as a single uint8 tensor.
func (b *ONNXBackbone) StateDict() map[string]*tensor.RawTensor {
	raw, err := tensor.NewRaw(tensor.Shape{len(b.data)}, tensor.Uint8, tensor.CPU)
	if err != nil {
		panic(err)
	}
	copy(raw.AsUint8(), b.data)
	return map[string]*tensor.RawTensor{onnxTensor: raw}
}

// LoadStateDict checks that state carries this exact graph. Imported
// weights are immutable, so there is nothing to copy.
func (b *ONNXBackbone) LoadStateDict(state map[string]*tensor.RawTensor) error {
	raw, ok := state[onnxTensor]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrStateDict, onnxTensor)
	}
	got := raw.AsUint8()
	if len(got) != len(b.data) || string(got) != string(b.data) {
		return fmt.Errorf("%w: onnx graph differs", ErrStateDict)
	}
	return nil
}

// Spec implements Backbone.
func (b *ONNXBackbone) Spec() BackboneSpec {
	return BackboneSpec{
		Kind:       KindONNX,
		Height:     b.height,
		Width:      b.width,
		FeatureDim: b.dim,
		Source:     b.source,
	}
}

// Metadata returns producer information recorded in the graph.
func (b *ONNXBackbone) Metadata() map[string]string {
	return b.model.Metadata()
}

// logLoaded reports the imported graph and its producer.
func (b *ONNXBackbone) logLoaded(log *zap.Logger) {
	md := b.Metadata()
	log.Info("onnx backbone loaded",
		zap.String("source", b.source),
		zap.Int("bytes", len(b.data)),
		zap.Int("feature_dim", b.dim),
		zap.String("producer", md["producer_name"]),
		zap.String("producer_version", md["producer_version"]),
		zap.Int64("opset", b.model.OpsetVersion()),
	)
}
