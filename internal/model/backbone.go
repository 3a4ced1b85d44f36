package model

import (
	"fmt"
	"os"
	"strings"

	"github.com/born-ml/born/tensor"
	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/internal/config"
)

// Backbone kinds.
const (
	KindONNX = "onnx"
	KindStem = "stem"
)

// Backbone is a frozen feature extractor. Extract never records gradients
// and never changes the backbone's parameters.
type Backbone interface {
	Kind() string
	InputSize() (height, width int)
	// FeatureDim is the channel count C of the features Extract returns.
	FeatureDim() int
	// Extract maps [N, 3, H, W] to [N, C, h, w] or [N, C].
	Extract(x *tensor.RawTensor) (*tensor.RawTensor, error)
	// FrozenSize is the byte size of the frozen state.
	FrozenSize() int
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(state map[string]*tensor.RawTensor) error
	Spec() BackboneSpec
}

// BackboneSpec is everything needed to rebuild a backbone from a checkpoint.
type BackboneSpec struct {
	Kind       string `json:"kind"`
	Height     int    `json:"height"`
	Width      int    `json:"width"`
	FeatureDim int    `json:"feature_dim"`
	Channels   []int  `json:"channels,omitempty"` // stem only
	Source     string `json:"source,omitempty"`   // onnx file it was imported from
}

// NewBackbone builds the backbone described by cfg for height x width input.
func NewBackbone(cfg config.Model, height, width int, log *zap.Logger) (Backbone, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Backbone {
	case KindStem:
		return NewStem(height, width, cfg.StemChannels, NewBackend())
	case KindONNX:
		data, err := os.ReadFile(cfg.ONNXPath)
		if err != nil {
			return nil, &BuildError{Component: "backbone", Err: err}
		}
		b, err := NewONNX(data, height, width, ComputeBackend(cfg.Device, log))
		if err != nil {
			return nil, err
		}
		b.source = cfg.ONNXPath
		b.logLoaded(log)
		return b, nil
	default:
		return nil, &BuildError{Component: "backbone", Err: fmt.Errorf("unknown kind %q", cfg.Backbone)}
	}
}

// backboneFromState rebuilds a backbone persisted in a checkpoint.
func backboneFromState(spec BackboneSpec, state map[string]*tensor.RawTensor, device string, log *zap.Logger) (Backbone, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		b   Backbone
		err error
	)
	switch spec.Kind {
	case KindStem:
		b, err = NewStem(spec.Height, spec.Width, spec.Channels, NewBackend())
	case KindONNX:
		raw, ok := state[backbonePrefix+onnxTensor]
		if !ok {
			return nil, &BuildError{Component: "backbone", Err: fmt.Errorf("%w: missing %s", ErrStateDict, onnxTensor)}
		}
		var ob *ONNXBackbone
		ob, err = NewONNX(raw.AsUint8(), spec.Height, spec.Width, ComputeBackend(device, log))
		if ob != nil {
			ob.source = spec.Source
			ob.logLoaded(log)
		}
		b = ob
	default:
		return nil, &BuildError{Component: "backbone", Err: fmt.Errorf("unknown kind %q", spec.Kind)}
	}
	if err != nil {
		return nil, err
	}
	if err := b.LoadStateDict(subState(state, backbonePrefix)); err != nil {
		return nil, &BuildError{Component: "backbone", Err: err}
	}
	if b.FeatureDim() != spec.FeatureDim {
		return nil, &BuildError{Component: "backbone", Err: fmt.Errorf("%w: feature dim %d, checkpoint says %d", ErrFeatureShape, b.FeatureDim(), spec.FeatureDim)}
	}
	return b, nil
}

// probe runs a zero batch through extract and returns the feature
// channel count.
func probe(height, width int, extract func(*tensor.RawTensor) (*tensor.RawTensor, error)) (int, error) {
	x, err := tensor.NewRaw(tensor.Shape{1, 3, height, width}, tensor.Float32, tensor.CPU)
	if err != nil {
		return 0, err
	}
	out, err := extract(x)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInputShape, err)
	}
	shape := out.Shape()
	if (len(shape) != 2 && len(shape) != 4) || shape[0] != 1 || shape[1] < 1 {
		return 0, fmt.Errorf("%w: %v", ErrFeatureShape, shape)
	}
	return shape[1], nil
}

// GlobalAveragePool averages [N, C, H, W] features over H and W. [N, C]
// input is copied through unchanged.
func GlobalAveragePool(x *tensor.RawTensor) ([]float32, error) {
	if x.DType() != tensor.Float32 {
		return nil, fmt.Errorf("%w: dtype %v", ErrFeatureShape, x.DType())
	}
	shape := x.Shape()
	data := x.AsFloat32()
	switch len(shape) {
	case 2:
		out := make([]float32, len(data))
		copy(out, data)
		return out, nil
	case 4:
		n, c, plane := shape[0], shape[1], shape[2]*shape[3]
		out := make([]float32, n*c)
		for i := 0; i < n*c; i++ {
			var sum float32
			for _, v := range data[i*plane : (i+1)*plane] {
				sum += v
			}
			out[i] = sum / float32(plane)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrFeatureShape, shape)
	}
}

const backbonePrefix = "backbone."

// subState returns the entries of state under prefix with the prefix removed.
func subState(state map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	for k, v := range state {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// cloneRaw deep copies a tensor so later in-place updates to src do not
// reach the copy.
func cloneRaw(src *tensor.RawTensor) *tensor.RawTensor {
	dst, err := tensor.NewRaw(src.Shape().Clone(), src.DType(), tensor.CPU)
	if err != nil {
		panic(err)
	}
	copy(dst.Data(), src.Data())
	return dst
}
