// Package predict turns a trained checkpoint and an MRI image into an
// Alzheimer's verdict.
package predict

import (
	"errors"
	"image"
	"io/fs"
	"os"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/internal/config"
	"github.com/born-ml/neuroscan/internal/imageio"
	"github.com/born-ml/neuroscan/internal/model"
)

// Predictor classifies single images. It is safe for concurrent use;
// forward passes are serialised.
type Predictor struct {
	path     string
	labels   []string
	negative string
	height   int
	width    int
	decoder  imageio.Decoder
	log      *zap.Logger

	mu  sync.Mutex
	clf *model.Classifier[*model.Backend]
	ck  *model.Checkpoint
}

// New loads the checkpoint named by cfg.Train.CheckpointPath. The label
// order stored with the checkpoint must equal cfg.Predict.Labels.
func New(cfg config.Config, log *zap.Logger) (*Predictor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	path := cfg.Train.CheckpointPath
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ModelNotFoundError{Path: path, Err: err}
		}
		return nil, &model.PersistenceError{Op: "load", Path: path, Err: err}
	}

	dec, err := imageio.NewDecoder(cfg.Dataset.Decoder)
	if err != nil {
		return nil, err
	}

	clf, ck, err := model.LoadClassifier(path, model.NewBackend(), model.LoadOptions{
		Device: cfg.Model.Device,
		Log:    log,
	})
	if err != nil {
		return nil, err
	}
	if !slices.Equal(clf.Labels(), cfg.Predict.Labels) {
		return nil, &LabelMismatchError{Path: path, Expected: cfg.Predict.Labels, Got: clf.Labels()}
	}

	h, w := clf.InputSize()
	log.Info("model loaded",
		zap.String("path", path),
		zap.String("backbone", ck.Meta.Backbone.Kind),
		zap.Int("epoch", ck.Meta.Epoch),
		zap.Float64("val_loss", ck.Meta.ValLoss),
		zap.Int("height", h),
		zap.Int("width", w),
	)
	return &Predictor{
		path:     path,
		labels:   clf.Labels(),
		negative: cfg.Predict.NegativeLabel,
		height:   h,
		width:    w,
		decoder:  dec,
		log:      log,
		clf:      clf,
		ck:       ck,
	}, nil
}

// Path returns the checkpoint path.
func (p *Predictor) Path() string { return p.path }

// Labels returns the stage labels in model output order.
func (p *Predictor) Labels() []string { return slices.Clone(p.labels) }

// Meta returns the metadata saved with the checkpoint.
func (p *Predictor) Meta() model.Meta { return p.ck.Meta }

// Predict classifies the image at path. An unreadable or undecodable file
// yields a *imageio.DecodeError and no result.
func (p *Predictor) Predict(path string) (*Result, error) {
	img, err := imageio.DecodeFile(p.decoder, path)
	if err != nil {
		return nil, err
	}
	r, err := p.PredictImage(img)
	if err != nil {
		return nil, err
	}
	r.Source = path
	return r, nil
}

// PredictBytes classifies an encoded image.
func (p *Predictor) PredictBytes(data []byte) (*Result, error) {
	img, err := imageio.DecodeBytes(p.decoder, data)
	if err != nil {
		return nil, err
	}
	return p.PredictImage(img)
}

// PredictImage classifies a decoded image.
func (p *Predictor) PredictImage(img image.Image) (*Result, error) {
	pre := imageio.Preprocess(img, p.height, p.width)
	input := make([]float32, 3*p.height*p.width)
	pre.PutCHW(input)

	p.mu.Lock()
	probs, err := p.clf.Predict(input, 1)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r, err := Verdict(probs[0], p.labels, p.negative)
	if err != nil {
		return nil, err
	}
	p.log.Debug("prediction",
		zap.String("stage", r.Stage),
		zap.Float64("confidence", r.Confidence),
	)
	return r, nil
}
