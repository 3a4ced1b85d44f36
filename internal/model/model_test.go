package model

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuroscan/internal/config"
)

var testLabels = []string{"Mild Dementia", "Moderate Dementia", "Non Demented", "Very mild Dementia"}

func newTestStem(t *testing.T) *Stem[*Backend] {
	t.Helper()
	s, err := NewStem(16, 16, []int{4, 8}, NewBackend())
	require.NoError(t, err)
	return s
}

func newTestClassifier(t *testing.T) *Classifier[*Backend] {
	t.Helper()
	c, err := NewClassifier(newTestStem(t), testLabels, HeadConfig{Units: 8, Dropout: 0.5}, NewBackend())
	require.NoError(t, err)
	return c
}

func randomInputs(n, h, w int, seed uint64) []float32 {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]float32, n*3*h*w)
	for i := range out {
		out[i] = rng.Float32()
	}
	return out
}

func TestStem(t *testing.T) {
	s := newTestStem(t)
	assert.Equal(t, KindStem, s.Kind())
	assert.Equal(t, 8, s.FeatureDim())
	h, w := s.InputSize()
	assert.Equal(t, 16, h)
	assert.Equal(t, 16, w)

	x, err := tensor.NewRaw(tensor.Shape{2, 3, 16, 16}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	out, err := s.Extract(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 8, 4, 4}, out.Shape())

	bad, err := tensor.NewRaw(tensor.Shape{1, 3, 8, 8}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	_, err = s.Extract(bad)
	assert.ErrorIs(t, err, ErrInputShape)

	// conv0.weight, conv0.bias, conv1.weight, conv1.bias
	assert.Len(t, s.StateDict(), 4)
	assert.Equal(t, (4*3*3*3+4+8*4*3*3+8)*4, s.FrozenSize())
}

func TestStemTooSmall(t *testing.T) {
	_, err := NewStem(4, 4, []int{2, 2, 2}, NewBackend())
	var berr *BuildError
	require.ErrorAs(t, err, &berr)
	assert.ErrorIs(t, err, ErrInputShape)
}

func TestStemStateRoundTrip(t *testing.T) {
	a := newTestStem(t)
	b := newTestStem(t)
	require.NoError(t, b.LoadStateDict(a.StateDict()))

	for k, v := range a.StateDict() {
		assert.Equal(t, v.AsFloat32(), b.StateDict()[k].AsFloat32(), k)
	}

	err := b.LoadStateDict(map[string]*tensor.RawTensor{})
	assert.ErrorIs(t, err, ErrStateDict)
}

func TestGlobalAveragePool(t *testing.T) {
	x, err := tensor.NewRaw(tensor.Shape{1, 2, 2, 2}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(x.AsFloat32(), []float32{1, 2, 3, 4, 10, 10, 20, 20})

	out, err := GlobalAveragePool(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{2.5, 15}, out)

	flat, err := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(flat.AsFloat32(), []float32{1, 2, 3, 4, 5, 6})
	out, err = GlobalAveragePool(flat)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, out)

	odd, err := tensor.NewRaw(tensor.Shape{1, 2, 3}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	_, err = GlobalAveragePool(odd)
	assert.ErrorIs(t, err, ErrFeatureShape)
}

func TestSoftmax(t *testing.T) {
	rows := Softmax([]float32{1, 2, 3, 1000, 1000, 0}, 2, 3)
	require.Len(t, rows, 2)

	for _, r := range rows {
		var sum float32
		for _, v := range r {
			assert.False(t, math.IsNaN(float64(v)))
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
	assert.Equal(t, 2, Argmax(rows[0]))
	assert.InDelta(t, 0.5, rows[1][0], 1e-6)
	assert.InDelta(t, 0.0, rows[1][2], 1e-6)
}

func TestArgmaxTie(t *testing.T) {
	assert.Equal(t, 1, Argmax([]float32{0.1, 0.4, 0.4, 0.1}))
}

func TestNewClassifierErrors(t *testing.T) {
	stem := newTestStem(t)
	var berr *BuildError

	_, err := NewClassifier(stem, []string{"only"}, HeadConfig{Units: 8}, NewBackend())
	require.ErrorAs(t, err, &berr)
	assert.ErrorIs(t, err, ErrLabels)

	_, err = NewClassifier(stem, testLabels, HeadConfig{Units: 0}, NewBackend())
	require.ErrorAs(t, err, &berr)

	_, err = NewClassifier(stem, testLabels, HeadConfig{Units: 8, Dropout: 1}, NewBackend())
	require.ErrorAs(t, err, &berr)
}

func TestClassifierPredict(t *testing.T) {
	c := newTestClassifier(t)
	probs, err := c.Predict(randomInputs(3, 16, 16, 1), 3)
	require.NoError(t, err)
	require.Len(t, probs, 3)
	for _, row := range probs {
		require.Len(t, row, 4)
		var sum float32
		for _, v := range row {
			assert.GreaterOrEqual(t, v, float32(0))
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}

	// Evaluation mode is deterministic.
	again, err := c.Predict(randomInputs(3, 16, 16, 1), 3)
	require.NoError(t, err)
	assert.Equal(t, probs, again)

	_, err = c.Predict(make([]float32, 10), 1)
	assert.ErrorIs(t, err, ErrInputShape)
}

func TestClassifierForward(t *testing.T) {
	c := newTestClassifier(t)
	x, err := tensor.FromSlice(randomInputs(2, 16, 16, 5), tensor.Shape{2, 3, 16, 16}, c.Backend())
	require.NoError(t, err)

	out := c.Forward(x)
	assert.Equal(t, tensor.Shape{2, 4}, out.Shape())

	bad, err := tensor.FromSlice(make([]float32, 3*8*8), tensor.Shape{1, 3, 8, 8}, c.Backend())
	require.NoError(t, err)
	assert.Panics(t, func() { c.Forward(bad) })
}

func TestClassifierParameters(t *testing.T) {
	c := newTestClassifier(t)
	params := c.Parameters()
	// dense weight+bias, logits weight+bias
	require.Len(t, params, 4)
	assert.Equal(t, 8*8+8+8*4+4, c.TrainableParams())
	assert.Equal(t, c.Backbone().FrozenSize(), c.FrozenSize())
	assert.Equal(t, testLabels, c.Labels())

	state := c.StateDict()
	assert.Contains(t, state, "backbone.conv0.weight")
	assert.Contains(t, state, "head.dense.weight")
	assert.Contains(t, state, "head.logits.bias")
}

func TestHeadStateIsDeepCopy(t *testing.T) {
	c := newTestClassifier(t)
	snap := c.HeadState()
	before := append([]float32(nil), snap["dense.weight"].AsFloat32()...)

	w := c.Parameters()[0].Tensor().Data()
	w[0] += 1

	assert.Equal(t, before, snap["dense.weight"].AsFloat32())
	require.NoError(t, c.RestoreHead(snap))
	assert.Equal(t, before[0], c.Parameters()[0].Tensor().Data()[0])
}

func TestDropout(t *testing.T) {
	backend := NewBackend()
	ones := make([]float32, 4000)
	for i := range ones {
		ones[i] = 1
	}
	x, err := tensor.FromSlice(ones, tensor.Shape{40, 100}, backend)
	require.NoError(t, err)

	d := NewDropout[*Backend](0.5, 1)
	assert.Same(t, x, d.Forward(x), "evaluation mode is the identity")

	d.SetTraining(true)
	out := d.Forward(x).Data()
	zeros := 0
	for _, v := range out {
		if v == 0 {
			zeros++
		} else {
			assert.InDelta(t, 2.0, v, 1e-6)
		}
	}
	assert.InDelta(t, 2000, zeros, 200)
}

func TestCheckpointRoundTrip(t *testing.T) {
	c := newTestClassifier(t)
	path := filepath.Join(t.TempDir(), "models", "model.born")
	require.NoError(t, EnsureDir(path))

	require.NoError(t, SaveCheckpoint(path, c, Meta{Epoch: 3, ValLoss: 0.42, RunID: "run-1"}))
	assert.True(t, Exists(path))
	assert.NoFileExists(t, path+".tmp")

	ck, err := ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, ModelType, ck.ModelType)
	assert.Equal(t, testLabels, ck.Meta.Labels)
	assert.Equal(t, 3, ck.Meta.Epoch)
	assert.InDelta(t, 0.42, ck.Meta.ValLoss, 1e-12)
	assert.Equal(t, KindStem, ck.Meta.Backbone.Kind)
	assert.Equal(t, []int{4, 8}, ck.Meta.Backbone.Channels)
	assert.Equal(t, HeadConfig{Units: 8, Dropout: 0.5}, ck.Meta.Head)

	loaded, _, err := LoadClassifier(path, NewBackend(), LoadOptions{})
	require.NoError(t, err)

	in := randomInputs(2, 16, 16, 9)
	want, err := c.Predict(in, 2)
	require.NoError(t, err)
	got, err := loaded.Predict(in, 2)
	require.NoError(t, err)
	for i := range want {
		assert.InDeltaSlice(t, want[i], got[i], 1e-6)
	}

	// A second save replaces the file in place.
	require.NoError(t, SaveCheckpoint(path, c, Meta{Epoch: 4, ValLoss: 0.3}))
	ck, err = ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 4, ck.Meta.Epoch)
}

func TestSaveCheckpointFailure(t *testing.T) {
	c := newTestClassifier(t)
	path := filepath.Join(t.TempDir(), "missing-dir", "model.born")

	err := SaveCheckpoint(path, c, Meta{})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Op)
	assert.False(t, Exists(path))
}

func TestReadCheckpointErrors(t *testing.T) {
	dir := t.TempDir()
	var perr *PersistenceError

	_, err := ReadCheckpoint(filepath.Join(dir, "none.born"))
	require.ErrorAs(t, err, &perr)

	junk := filepath.Join(dir, "junk.born")
	require.NoError(t, os.WriteFile(junk, []byte("not a checkpoint"), 0o644))
	_, err = ReadCheckpoint(junk)
	require.ErrorAs(t, err, &perr)
}

func TestNewONNXRejectsGarbage(t *testing.T) {
	_, err := NewONNX([]byte("not onnx"), 16, 16, ComputeBackend("cpu", nil))
	var berr *BuildError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "backbone", berr.Component)
}

func TestNewBackbone(t *testing.T) {
	b, err := NewBackbone(stemModelConfig(), 16, 16, nil)
	require.NoError(t, err)
	assert.Equal(t, KindStem, b.Kind())

	cfg := stemModelConfig()
	cfg.Backbone = KindONNX
	cfg.ONNXPath = filepath.Join(t.TempDir(), "absent.onnx")
	_, err = NewBackbone(cfg, 16, 16, nil)
	var berr *BuildError
	require.ErrorAs(t, err, &berr)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func stemModelConfig() config.Model {
	cfg := config.Default().Model
	cfg.Backbone = KindStem
	cfg.StemChannels = []int{4, 8}
	return cfg
}
