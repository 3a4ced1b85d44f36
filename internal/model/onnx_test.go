package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/onnx"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const mockChannels = 5

// mockModel implements onnx.Model. Forward maps [N, 3, H, W] to
// [N, 5, 2, 2] where every cell of channel c holds the sample mean plus c,
// offset by the cell index.
type mockModel struct {
	inputNames  []string
	metadata    map[string]string
	forwardFunc func(*tensor.RawTensor) (*tensor.RawTensor, error)
	calls       int
}

func (m *mockModel) Forward(input *tensor.RawTensor) (*tensor.RawTensor, error) {
	m.calls++
	if m.forwardFunc != nil {
		return m.forwardFunc(input)
	}
	shape := input.Shape()
	n, per := shape[0], shape[1]*shape[2]*shape[3]
	out, err := tensor.NewRaw(tensor.Shape{n, mockChannels, 2, 2}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	in, dst := input.AsFloat32(), out.AsFloat32()
	for i := 0; i < n; i++ {
		var sum float32
		for _, v := range in[i*per : (i+1)*per] {
			sum += v
		}
		mean := sum / float32(per)
		for c := 0; c < mockChannels; c++ {
			for cell := 0; cell < 4; cell++ {
				dst[(i*mockChannels+c)*4+cell] = mean + float32(c) + float32(cell)
			}
		}
	}
	return out, nil
}

func (m *mockModel) ForwardNamed(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	out, err := m.Forward(inputs[m.inputNames[0]])
	if err != nil {
		return nil, err
	}
	return map[string]*tensor.RawTensor{"features": out}, nil
}

func (m *mockModel) InputNames() []string        { return m.inputNames }
func (m *mockModel) OutputNames() []string       { return []string{"features"} }
func (m *mockModel) OpsetVersion() int64         { return 13 }
func (m *mockModel) Metadata() map[string]string { return m.metadata }

var _ onnx.Model = &mockModel{}

var graphBytes = []byte("resnet50 without top")

func newMockModel() *mockModel {
	return &mockModel{
		inputNames: []string{"input"},
		metadata:   map[string]string{"producer_name": "tf2onnx", "producer_version": "1.16.1"},
	}
}

// useMockLoader makes NewONNX build every graph from a fresh mockModel.
func useMockLoader(t *testing.T) {
	t.Helper()
	prev := loadONNX
	loadONNX = func(data []byte, _ tensor.Backend) (onnx.Model, error) {
		if string(data) != string(graphBytes) {
			return nil, errors.New("unexpected graph")
		}
		return newMockModel(), nil
	}
	t.Cleanup(func() { loadONNX = prev })
}

func TestONNXBackbone(t *testing.T) {
	m := newMockModel()
	b, err := newONNX(m, graphBytes, 8, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, m.calls, "built with one probe pass")

	assert.Equal(t, KindONNX, b.Kind())
	assert.Equal(t, mockChannels, b.FeatureDim())
	h, w := b.InputSize()
	assert.Equal(t, [2]int{8, 8}, [2]int{h, w})
	assert.Equal(t, len(graphBytes), b.FrozenSize())
	assert.Equal(t, "tf2onnx", b.Metadata()["producer_name"])

	x, err := tensor.NewRaw(tensor.Shape{2, 3, 8, 8}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	data := x.AsFloat32()
	for i := 3 * 8 * 8; i < len(data); i++ {
		data[i] = 1
	}
	out, err := b.Extract(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, mockChannels, 2, 2}, out.Shape())

	pooled, err := GlobalAveragePool(out)
	require.NoError(t, err)
	require.Len(t, pooled, 2*mockChannels)
	for c := 0; c < mockChannels; c++ {
		assert.InDelta(t, float32(c)+1.5, pooled[c], 1e-6)
		assert.InDelta(t, float32(c)+2.5, pooled[mockChannels+c], 1e-6)
	}
}

func TestONNXBackboneErrors(t *testing.T) {
	var berr *BuildError

	m := newMockModel()
	m.inputNames = []string{"pixels", "mask"}
	_, err := newONNX(m, graphBytes, 8, 8)
	require.ErrorAs(t, err, &berr)
	assert.ErrorIs(t, err, ErrInputShape)

	m = newMockModel()
	m.forwardFunc = func(x *tensor.RawTensor) (*tensor.RawTensor, error) {
		return tensor.NewRaw(tensor.Shape{1, 2, 3}, tensor.Float32, tensor.CPU)
	}
	_, err = newONNX(m, graphBytes, 8, 8)
	require.ErrorAs(t, err, &berr)
	assert.ErrorIs(t, err, ErrFeatureShape)

	m = newMockModel()
	b, err := newONNX(m, graphBytes, 8, 8)
	require.NoError(t, err)
	wrong, err := tensor.NewRaw(tensor.Shape{1, 3, 4, 4}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	_, err = b.Extract(wrong)
	assert.ErrorIs(t, err, ErrInputShape)

	m.forwardFunc = func(*tensor.RawTensor) (*tensor.RawTensor, error) { panic("unsupported op") }
	ok, err := tensor.NewRaw(tensor.Shape{1, 3, 8, 8}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	_, err = b.Extract(ok)
	assert.ErrorContains(t, err, "unsupported op")
}

func TestONNXLoadStateDict(t *testing.T) {
	b, err := newONNX(newMockModel(), graphBytes, 8, 8)
	require.NoError(t, err)

	state := b.StateDict()
	require.Contains(t, state, onnxTensor)
	assert.Equal(t, tensor.Uint8, state[onnxTensor].DType())
	assert.Equal(t, graphBytes, state[onnxTensor].AsUint8())
	require.NoError(t, b.LoadStateDict(state))

	other, err := newONNX(newMockModel(), []byte("resnet50 with top!!!"), 8, 8)
	require.NoError(t, err)
	err = b.LoadStateDict(other.StateDict())
	assert.ErrorIs(t, err, ErrStateDict)
	assert.ErrorContains(t, err, "onnx graph differs")

	assert.ErrorIs(t, b.LoadStateDict(map[string]*tensor.RawTensor{}), ErrStateDict)
}

func TestONNXCheckpointRoundTrip(t *testing.T) {
	useMockLoader(t)
	dir := t.TempDir()
	graph := filepath.Join(dir, "resnet50.onnx")
	require.NoError(t, os.WriteFile(graph, graphBytes, 0o644))

	core, logs := observer.New(zap.InfoLevel)
	cfg := stemModelConfig()
	cfg.Backbone = KindONNX
	cfg.ONNXPath = graph
	bb, err := NewBackbone(cfg, 8, 8, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, KindONNX, bb.Kind())

	loaded := logs.FilterMessage("onnx backbone loaded").All()
	require.Len(t, loaded, 1)
	assert.Equal(t, "tf2onnx", loaded[0].ContextMap()["producer"])
	assert.Equal(t, graph, loaded[0].ContextMap()["source"])

	c, err := NewClassifier(bb, testLabels, HeadConfig{Units: 8, Dropout: 0.5}, NewBackend())
	require.NoError(t, err)

	path := filepath.Join(dir, "model.born")
	require.NoError(t, SaveCheckpoint(path, c, Meta{Epoch: 2, ValLoss: 0.7}))

	ck, err := ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, BackboneSpec{Kind: KindONNX, Height: 8, Width: 8, FeatureDim: mockChannels, Source: graph}, ck.Meta.Backbone)
	raw, ok := ck.State[backbonePrefix+onnxTensor]
	require.True(t, ok)
	assert.Equal(t, tensor.Uint8, raw.DType())
	assert.Equal(t, graphBytes, raw.AsUint8())

	// The graph file is no longer needed once the checkpoint holds it.
	require.NoError(t, os.Remove(graph))

	restored, _, err := LoadClassifier(path, NewBackend(), LoadOptions{Log: zap.New(core)})
	require.NoError(t, err)
	assert.Equal(t, KindONNX, restored.Backbone().Kind())
	assert.Len(t, logs.FilterMessage("onnx backbone loaded").All(), 2)

	in := randomInputs(3, 8, 8, 4)
	want, err := c.Predict(in, 3)
	require.NoError(t, err)
	got, err := restored.Predict(in, 3)
	require.NoError(t, err)
	for i := range want {
		assert.InDeltaSlice(t, want[i], got[i], 1e-6)
	}
}

func TestONNXCheckpointMissingGraph(t *testing.T) {
	useMockLoader(t)
	spec := BackboneSpec{Kind: KindONNX, Height: 8, Width: 8, FeatureDim: mockChannels}

	_, err := backboneFromState(spec, map[string]*tensor.RawTensor{}, "cpu", nil)
	var berr *BuildError
	require.ErrorAs(t, err, &berr)
	assert.ErrorIs(t, err, ErrStateDict)

	b, err := newONNX(newMockModel(), graphBytes, 8, 8)
	require.NoError(t, err)
	state := map[string]*tensor.RawTensor{backbonePrefix + onnxTensor: b.StateDict()[onnxTensor]}
	spec.FeatureDim = 7
	_, err = backboneFromState(spec, state, "cpu", nil)
	assert.ErrorIs(t, err, ErrFeatureShape)
}
