// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package classify

import (
	"context"
	"fmt"
	"slices"

	"github.com/born-ml/born/backend/cpu"
	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/internal/config"
	"github.com/born-ml/neuroscan/internal/dataset"
	"github.com/born-ml/neuroscan/internal/model"
	"github.com/born-ml/neuroscan/internal/predict"
	"github.com/born-ml/neuroscan/internal/train"
)

type (
	// Predictor classifies single images from a trained checkpoint.
	Predictor = predict.Predictor

	// Result is the verdict for one image.
	Result = predict.Result

	// TrainResult summarises a training run.
	TrainResult = train.Result

	// Observer receives training progress.
	Observer = train.Observer

	// ModelNotFoundError means no checkpoint exists yet.
	ModelNotFoundError = predict.ModelNotFoundError

	// LabelMismatchError means the checkpoint label order drifted.
	LabelMismatchError = predict.LabelMismatchError
)

// Open loads the checkpoint named by cfg.
func Open(cfg config.Config, log *zap.Logger) (*Predictor, error) {
	return predict.New(cfg, log)
}

// Verdict turns a probability vector into a verdict.
func Verdict(probs []float32, labels []string, negative string) (*Result, error) {
	return predict.Verdict(probs, labels, negative)
}

// Train discovers the dataset, builds the classifier and fits its head.
// The best epoch is written to cfg.Train.CheckpointPath.
func Train(ctx context.Context, cfg config.Config, log *zap.Logger, observers ...Observer) (*TrainResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	trainSeq, valSeq, ix, err := dataset.CreateDatasets(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer trainSeq.Close()
	defer valSeq.Close()

	if !slices.Equal(ix.Classes, cfg.Predict.Labels) {
		log.Warn("dataset classes differ from the expected stage labels; the checkpoint will be rejected at inference",
			zap.Strings("classes", ix.Classes),
			zap.Strings("expected", cfg.Predict.Labels))
	}

	bb, err := model.NewBackbone(cfg.Model, cfg.Dataset.ImageHeight, cfg.Dataset.ImageWidth, log)
	if err != nil {
		return nil, err
	}
	clf, err := model.NewClassifier(bb, ix.Classes, model.HeadConfig{
		Units:   cfg.Model.DenseUnits,
		Dropout: cfg.Model.Dropout,
	}, model.NewBackend())
	if err != nil {
		return nil, err
	}

	t := train.New[*cpu.Backend](train.ConfigFrom(cfg), clf, trainSeq, valSeq, log, observers...)
	res, err := t.Run(ctx)
	if err != nil {
		return res, fmt.Errorf("classify: %w", err)
	}
	return res, nil
}
