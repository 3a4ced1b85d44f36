// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package classify is the public entry point of neuroscan: it trains a
// four-stage Alzheimer's classifier on a directory of brain MRI slices and
// serves predictions from the resulting checkpoint.
//
// Training:
//
//	cfg, _ := config.Load("neuroscan.yaml")
//	res, err := classify.Train(ctx, cfg, log)
//
// Inference:
//
//	p, err := classify.Open(cfg, log)
//	r, err := p.Predict("scan.jpg")
//	fmt.Println(r.Alzheimer, r.Stage, r.Confidence)
package classify
