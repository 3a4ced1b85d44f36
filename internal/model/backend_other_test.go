//go:build !windows

package model

import (
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestComputeBackendFallsBackToCPU(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	b := ComputeBackend("webgpu", zap.New(core))
	assert.IsType(t, &cpu.Backend{}, b)
	assert.Equal(t, 1, logs.FilterMessage("webgpu is only available on windows, using cpu").Len())

	assert.IsType(t, &cpu.Backend{}, ComputeBackend("cpu", zap.New(core)))
	assert.Equal(t, 1, logs.Len())
}
