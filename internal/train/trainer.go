// Package train fits the classification head against a batch source,
// checkpointing on every improvement of the validation loss and stopping
// early when it stagnates.
package train

import (
	"context"
	"fmt"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/internal/config"
	"github.com/born-ml/neuroscan/internal/dataset"
	"github.com/born-ml/neuroscan/internal/model"
)

// Config bounds a training run.
type Config struct {
	Epochs                int
	StepsPerEpoch         int
	ValidationSteps       int
	Patience              int
	LearningRate          float64
	CheckpointPath        string
	FailOnCheckpointError bool
	RunID                 string // generated when empty
}

// ConfigFrom extracts the trainer settings from the application config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Epochs:                cfg.Train.Epochs,
		StepsPerEpoch:         cfg.Train.StepsPerEpoch,
		ValidationSteps:       cfg.Train.ValidationSteps,
		Patience:              cfg.Train.Patience,
		LearningRate:          cfg.Model.LearningRate,
		CheckpointPath:        cfg.Train.CheckpointPath,
		FailOnCheckpointError: cfg.Train.FailOnCheckpointError,
	}
}

// EpochResult summarises one epoch.
type EpochResult struct {
	Epoch         int
	Loss          float64
	Accuracy      float64
	ValLoss       float64
	ValAccuracy   float64
	State         State
	Checkpointed  bool
	CheckpointErr error
	Duration      time.Duration
}

// Result summarises a run.
type Result struct {
	RunID       string
	Epochs      []EpochResult
	BestEpoch   int
	BestValLoss float64
	State       State // StateEarlyStopped, StateCompleted or StateFailed
	Restored    bool  // head weights were rolled back to the best epoch
}

// RunInfo describes a run as it starts.
type RunInfo struct {
	ID                string
	StartedAt         time.Time
	Labels            []string
	TrainSamples      int
	ValidationSamples int
	Config            Config
}

// Observer is told about run progress. Errors are logged and never stop
// training.
type Observer interface {
	RunStarted(ctx context.Context, info RunInfo) error
	EpochEnded(ctx context.Context, runID string, r EpochResult) error
	RunFinished(ctx context.Context, r Result) error
}

// Trainer fits a classifier whose head lives on an autodiff backend.
type Trainer[B tensor.Backend] struct {
	cfg       Config
	model     *model.Classifier[*autodiff.Backend[B]]
	backend   *autodiff.Backend[B]
	optimizer optim.Optimizer
	train     dataset.Sequence
	val       dataset.Sequence
	log       *zap.Logger
	observers []Observer

	save    func(path string, meta model.Meta) error
	valHook func(epoch int, loss float64) float64
}

// New returns a trainer for m. Only m's head parameters are optimised.
func New[B tensor.Backend](cfg Config, m *model.Classifier[*autodiff.Backend[B]], train, val dataset.Sequence, log *zap.Logger, observers ...Observer) *Trainer[B] {
	if log == nil {
		log = zap.NewNop()
	}
	backend := m.Backend()
	t := &Trainer[B]{
		cfg:     cfg,
		model:   m,
		backend: backend,
		optimizer: optim.NewAdam(m.Parameters(), optim.AdamConfig{
			LR:    float32(cfg.LearningRate),
			Betas: [2]float32{0.9, 0.999},
			Eps:   1e-8,
		}, backend),
		train:     train,
		val:       val,
		log:       log,
		observers: observers,
	}
	t.save = func(path string, meta model.Meta) error {
		return model.SaveCheckpoint(path, t.model, meta)
	}
	return t
}

// Run trains until the epoch budget is spent or the validation loss stops
// improving. The checkpoint always holds the epoch with the lowest
// validation loss seen. On early stop the head is restored to that epoch.
// A run that aborts still reaches the observers, in StateFailed.
func (t *Trainer[B]) Run(ctx context.Context) (res *Result, err error) {
	if err := model.EnsureDir(t.cfg.CheckpointPath); err != nil {
		return nil, err
	}

	runID := t.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := t.log.With(zap.String("run", runID))
	t.notifyStart(ctx, log, RunInfo{
		ID:                runID,
		StartedAt:         time.Now().UTC(),
		Labels:            t.model.Labels(),
		TrainSamples:      t.train.Samples(),
		ValidationSamples: t.val.Samples(),
		Config:            t.cfg,
	})

	log.Info("training started",
		zap.Int("epochs", t.cfg.Epochs),
		zap.Int("steps_per_epoch", t.cfg.StepsPerEpoch),
		zap.Int("validation_steps", t.cfg.ValidationSteps),
		zap.Int("patience", t.cfg.Patience),
		zap.Int("trainable_params", t.model.TrainableParams()),
		zap.Int("frozen_bytes", t.model.FrozenSize()),
	)

	t.backend.Tape().StartRecording()
	defer t.backend.Tape().StopRecording()

	res = &Result{RunID: runID, State: StateRunning}
	mon := NewMonitor(t.cfg.Patience)
	var best map[string]*tensor.RawTensor

	defer func() {
		if err == nil {
			return
		}
		res.State = StateFailed
		if epoch, loss := mon.Best(); epoch > 0 {
			res.BestEpoch, res.BestValLoss = epoch, loss
		}
		log.Error("training failed",
			zap.Int("epochs_done", len(res.Epochs)),
			zap.Int("best_epoch", res.BestEpoch),
			zap.Error(err),
		)
		t.notifyFinish(context.WithoutCancel(ctx), log, *res)
	}()

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()
		t.train.Reset()
		t.val.Reset()

		loss, acc, err := t.trainEpoch(ctx)
		if err != nil {
			return res, fmt.Errorf("train: epoch %d: %w", epoch, err)
		}
		valLoss, valAcc, err := t.validate(ctx)
		if err != nil {
			return res, fmt.Errorf("train: epoch %d validation: %w", epoch, err)
		}
		if t.valHook != nil {
			valLoss = t.valHook(epoch, valLoss)
		}

		er := EpochResult{
			Epoch:       epoch,
			Loss:        loss,
			Accuracy:    acc,
			ValLoss:     valLoss,
			ValAccuracy: valAcc,
			State:       mon.Observe(epoch, valLoss),
		}

		if er.State == StateImproved {
			best = t.model.HeadState()
			err := t.save(t.cfg.CheckpointPath, model.Meta{
				Epoch:       epoch,
				ValLoss:     valLoss,
				ValAccuracy: valAcc,
				RunID:       runID,
			})
			if err != nil {
				er.CheckpointErr = err
				log.Error("checkpoint write failed", zap.Int("epoch", epoch), zap.Error(err))
				if t.cfg.FailOnCheckpointError {
					er.Duration = time.Since(start)
					res.Epochs = append(res.Epochs, er)
					t.notifyEpoch(ctx, log, runID, er)
					return res, err
				}
			} else {
				er.Checkpointed = true
			}
		}

		if er.State == StateEarlyStopped && best != nil {
			if err := t.model.RestoreHead(best); err != nil {
				er.Duration = time.Since(start)
				res.Epochs = append(res.Epochs, er)
				t.notifyEpoch(ctx, log, runID, er)
				return res, fmt.Errorf("train: restore best weights: %w", err)
			}
			res.Restored = true
		}

		er.Duration = time.Since(start)
		res.Epochs = append(res.Epochs, er)
		t.notifyEpoch(ctx, log, runID, er)

		log.Info("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("loss", er.Loss),
			zap.Float64("accuracy", er.Accuracy),
			zap.Float64("val_loss", er.ValLoss),
			zap.Float64("val_accuracy", er.ValAccuracy),
			zap.Stringer("state", er.State),
			zap.Bool("checkpointed", er.Checkpointed),
			zap.Duration("took", er.Duration),
		)

		if er.State == StateEarlyStopped {
			res.State = StateEarlyStopped
			break
		}
	}
	if res.State != StateEarlyStopped {
		res.State = StateCompleted
	}
	res.BestEpoch, res.BestValLoss = mon.Best()

	log.Info("training finished",
		zap.Stringer("state", res.State),
		zap.Int("best_epoch", res.BestEpoch),
		zap.Float64("best_val_loss", res.BestValLoss),
		zap.Bool("restored", res.Restored),
	)
	t.notifyFinish(ctx, log, *res)
	return res, nil
}

// trainEpoch runs StepsPerEpoch optimisation steps, one batch each, and
// returns the sample-weighted mean loss and accuracy.
func (t *Trainer[B]) trainEpoch(ctx context.Context) (float64, float64, error) {
	t.model.SetTraining(true)
	var m meter
	for step := 0; step < t.cfg.StepsPerEpoch; step++ {
		b, err := t.train.Next(ctx)
		if err != nil {
			return 0, 0, err
		}
		loss, acc, err := t.step(b)
		if err != nil {
			return 0, 0, err
		}
		m.add(loss, acc, b.Size)
	}
	loss, acc := m.mean()
	return loss, acc, nil
}

func (t *Trainer[B]) step(b *dataset.Batch) (float64, float64, error) {
	features, err := t.model.Features(b.Inputs, b.Size)
	if err != nil {
		return 0, 0, err
	}
	targets, err := tensor.FromSlice(b.Targets, tensor.Shape{b.Size}, t.backend)
	if err != nil {
		return 0, 0, err
	}

	t.optimizer.ZeroGrad()
	logits := t.model.Logits(features)
	lossRaw := t.backend.CrossEntropy(logits.Raw(), targets.Raw())
	lossValue := lossRaw.AsFloat32()[0]

	outputGrad, err := tensor.NewRaw(lossRaw.Shape(), lossRaw.DType(), t.backend.Device())
	if err != nil {
		return 0, 0, err
	}
	outputGrad.AsFloat32()[0] = 1.0

	grads := t.backend.Tape().Backward(outputGrad, t.backend)
	t.optimizer.Step(grads)

	acc := nn.Accuracy(logits, targets)
	t.backend.Tape().Clear()
	return float64(lossValue), float64(acc), nil
}

// validate runs ValidationSteps batches without recording gradients or
// dropout.
func (t *Trainer[B]) validate(ctx context.Context) (float64, float64, error) {
	t.model.SetTraining(false)
	wasRecording := t.backend.Tape().IsRecording()
	t.backend.Tape().StopRecording()
	defer func() {
		if wasRecording {
			t.backend.Tape().StartRecording()
		}
	}()

	var m meter
	for step := 0; step < t.cfg.ValidationSteps; step++ {
		b, err := t.val.Next(ctx)
		if err != nil {
			return 0, 0, err
		}
		features, err := t.model.Features(b.Inputs, b.Size)
		if err != nil {
			return 0, 0, err
		}
		targets, err := tensor.FromSlice(b.Targets, tensor.Shape{b.Size}, t.backend)
		if err != nil {
			return 0, 0, err
		}
		logits := t.model.Logits(features)
		loss := t.backend.CrossEntropy(logits.Raw(), targets.Raw()).AsFloat32()[0]
		m.add(float64(loss), float64(nn.Accuracy(logits, targets)), b.Size)
	}
	loss, acc := m.mean()
	return loss, acc, nil
}

// meter accumulates sample-weighted loss and accuracy.
type meter struct {
	loss    float64
	correct float64
	n       int
}

func (m *meter) add(loss, acc float64, size int) {
	m.loss += loss * float64(size)
	m.correct += acc * float64(size)
	m.n += size
}

func (m *meter) mean() (float64, float64) {
	if m.n == 0 {
		return 0, 0
	}
	return m.loss / float64(m.n), m.correct / float64(m.n)
}

func (t *Trainer[B]) notifyStart(ctx context.Context, log *zap.Logger, info RunInfo) {
	for _, o := range t.observers {
		if err := o.RunStarted(ctx, info); err != nil {
			log.Warn("observer failed", zap.String("event", "run_started"), zap.Error(err))
		}
	}
}

func (t *Trainer[B]) notifyEpoch(ctx context.Context, log *zap.Logger, runID string, r EpochResult) {
	for _, o := range t.observers {
		if err := o.EpochEnded(ctx, runID, r); err != nil {
			log.Warn("observer failed", zap.String("event", "epoch_ended"), zap.Error(err))
		}
	}
}

func (t *Trainer[B]) notifyFinish(ctx context.Context, log *zap.Logger, r Result) {
	for _, o := range t.observers {
		if err := o.RunFinished(ctx, r); err != nil {
			log.Warn("observer failed", zap.String("event", "run_finished"), zap.Error(err))
		}
	}
}
