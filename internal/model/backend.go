package model

import (
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"go.uber.org/zap"
)

// Backend is the backend the classification head runs on: the CPU backend
// wrapped for automatic differentiation.
type Backend = autodiff.Backend[*cpu.Backend]

// NewBackend returns a fresh head backend. Its tape starts idle.
func NewBackend() *Backend {
	return autodiff.New(cpu.New())
}

// ComputeBackend returns the plain backend used to execute an imported
// backbone graph. "webgpu" falls back to the CPU when no adapter is found.
func ComputeBackend(device string, log *zap.Logger) tensor.Backend {
	if log == nil {
		log = zap.NewNop()
	}
	if device != "webgpu" {
		return cpu.New()
	}
	return gpuBackend(log)
}
