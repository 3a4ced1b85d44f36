package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"go.uber.org/zap"
)

// ModelType is the model type recorded in checkpoint headers.
const ModelType = "neuroscan.Classifier"

// Metadata keys.
const (
	metaKey   = "neuroscan.meta"
	labelsKey = "labels"
)

// Meta describes a checkpoint beyond its tensors.
type Meta struct {
	Labels      []string     `json:"labels"`
	Backbone    BackboneSpec `json:"backbone"`
	Head        HeadConfig   `json:"head"`
	Epoch       int          `json:"epoch"`
	ValLoss     float64      `json:"val_loss"`
	ValAccuracy float64      `json:"val_accuracy"`
	RunID       string       `json:"run_id,omitempty"`
	SavedAt     time.Time    `json:"saved_at"`
}

// Checkpoint is a checkpoint file read back into memory.
type Checkpoint struct {
	Meta      Meta
	State     map[string]*tensor.RawTensor
	ModelType string
	CreatedAt time.Time
}

// SaveCheckpoint writes c to path, replacing any existing file atomically:
// the state goes to a temporary sibling first and is renamed into place.
// Labels, backbone and head descriptions in meta are filled from c.
func SaveCheckpoint[B tensor.Backend](path string, c *Classifier[B], meta Meta) error {
	meta.Labels = c.Labels()
	meta.Backbone = c.backbone.Spec()
	meta.Head = c.HeadConfig()
	if meta.SavedAt.IsZero() {
		meta.SavedAt = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	labelsJSON, err := json.Marshal(meta.Labels)
	if err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}

	tmp := path + ".tmp"
	err = nn.Save[B](c, tmp, ModelType, map[string]string{
		metaKey:   string(metaJSON),
		labelsKey: string(labelsJSON),
	})
	if err != nil {
		_ = os.Remove(tmp)
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	return nil
}

// EnsureDir creates the directory that will hold the checkpoint at path.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// stateCapture is a module that only records the state handed to it, so a
// checkpoint can be read before the model it describes exists.
type stateCapture struct {
	state map[string]*tensor.RawTensor
}

func (s *stateCapture) Forward(x *tensor.Tensor[float32, *cpu.Backend]) *tensor.Tensor[float32, *cpu.Backend] {
	return x
}

func (s *stateCapture) Parameters() []*nn.Parameter[*cpu.Backend] { return nil }

func (s *stateCapture) StateDict() map[string]*tensor.RawTensor { return s.state }

func (s *stateCapture) LoadStateDict(state map[string]*tensor.RawTensor) error {
	s.state = state
	return nil
}

// ReadCheckpoint reads the tensors and metadata stored at path.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	capture := &stateCapture{}
	header, err := nn.Load[*cpu.Backend](path, cpu.New(), capture)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	if header.ModelType != ModelType {
		return nil, &PersistenceError{Op: "load", Path: path, Err: fmt.Errorf("model type %q, want %q", header.ModelType, ModelType)}
	}

	ck := &Checkpoint{
		State:     capture.state,
		ModelType: header.ModelType,
		CreatedAt: header.CreatedAt,
	}
	raw, ok := header.Metadata[metaKey]
	if !ok {
		return nil, &PersistenceError{Op: "load", Path: path, Err: errors.New("missing metadata")}
	}
	if err := json.Unmarshal([]byte(raw), &ck.Meta); err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: fmt.Errorf("metadata: %w", err)}
	}
	return ck, nil
}

// Exists reports whether a checkpoint file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// LoadOptions configures LoadClassifier.
type LoadOptions struct {
	Device string // backend for an onnx backbone: cpu or webgpu
	Log    *zap.Logger
}

// LoadClassifier rebuilds the classifier saved at path on backend.
func LoadClassifier[B tensor.Backend](path string, backend B, opts LoadOptions) (*Classifier[B], *Checkpoint, error) {
	ck, err := ReadCheckpoint(path)
	if err != nil {
		return nil, nil, err
	}
	bb, err := backboneFromState(ck.Meta.Backbone, ck.State, opts.Device, opts.Log)
	if err != nil {
		return nil, nil, err
	}
	c, err := NewClassifier(bb, ck.Meta.Labels, ck.Meta.Head, backend)
	if err != nil {
		return nil, nil, err
	}
	if err := c.head.LoadStateDict(subState(ck.State, headPrefix)); err != nil {
		return nil, nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	return c, ck, nil
}
