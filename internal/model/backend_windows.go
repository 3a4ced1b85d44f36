//go:build windows

package model

import (
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/born-ml/born/tensor"
	"go.uber.org/zap"
)

func gpuBackend(log *zap.Logger) tensor.Backend {
	if !webgpu.IsAvailable() {
		log.Warn("webgpu unavailable, using cpu")
		return cpu.New()
	}
	gpu, err := webgpu.New()
	if err != nil {
		log.Warn("webgpu init failed, using cpu", zap.Error(err))
		return cpu.New()
	}
	return gpu
}
