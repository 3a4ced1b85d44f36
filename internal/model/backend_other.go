//go:build !windows

package model

import (
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"go.uber.org/zap"
)

func gpuBackend(log *zap.Logger) tensor.Backend {
	log.Warn("webgpu is only available on windows, using cpu")
	return cpu.New()
}
