package history

import (
	"context"

	"github.com/born-ml/neuroscan/internal/train"
)

// Recorder adapts a Store to the trainer's observer hooks.
type Recorder struct {
	Store    *Store
	Backbone string
}

var _ train.Observer = (*Recorder)(nil)

func (r *Recorder) RunStarted(ctx context.Context, info train.RunInfo) error {
	return r.Store.StartRun(ctx, Run{
		ID:                info.ID,
		StartedAt:         info.StartedAt,
		Labels:            info.Labels,
		Backbone:          r.Backbone,
		CheckpointPath:    info.Config.CheckpointPath,
		EpochBudget:       info.Config.Epochs,
		Patience:          info.Config.Patience,
		TrainSamples:      info.TrainSamples,
		ValidationSamples: info.ValidationSamples,
	})
}

func (r *Recorder) EpochEnded(ctx context.Context, runID string, e train.EpochResult) error {
	return r.Store.RecordEpoch(ctx, runID, EpochRecord{
		Epoch:        e.Epoch,
		Loss:         e.Loss,
		Accuracy:     e.Accuracy,
		ValLoss:      e.ValLoss,
		ValAccuracy:  e.ValAccuracy,
		State:        e.State.String(),
		Checkpointed: e.Checkpointed,
		Duration:     e.Duration,
	})
}

func (r *Recorder) RunFinished(ctx context.Context, res train.Result) error {
	return r.Store.FinishRun(ctx, res.RunID, Summary{
		State:       res.State.String(),
		BestEpoch:   res.BestEpoch,
		BestValLoss: res.BestValLoss,
		Restored:    res.Restored,
	})
}
