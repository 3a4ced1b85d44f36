// Package predicttest writes small untrained checkpoints for tests.
package predicttest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuroscan/internal/config"
	"github.com/born-ml/neuroscan/internal/model"
)

// Side is the input height and width of checkpoints written here.
const Side = 8

// WriteCheckpoint saves a stem-backed classifier over labels into dir and
// returns its path.
func WriteCheckpoint(t testing.TB, dir string, labels []string) string {
	t.Helper()
	stem, err := model.NewStem(Side, Side, []int{4}, model.NewBackend())
	require.NoError(t, err)
	clf, err := model.NewClassifier(stem, labels, model.HeadConfig{Units: 8, Dropout: 0.5}, model.NewBackend())
	require.NoError(t, err)

	path := filepath.Join(dir, "model.born")
	require.NoError(t, model.SaveCheckpoint(path, clf, model.Meta{Epoch: 1, ValLoss: 1.2}))
	return path
}

// Config returns a default configuration pointing at path.
func Config(path string) config.Config {
	cfg := config.Default()
	cfg.Train.CheckpointPath = path
	cfg.Model.Backbone = model.KindStem
	cfg.Dataset.ImageHeight = Side
	cfg.Dataset.ImageWidth = Side
	return cfg
}
