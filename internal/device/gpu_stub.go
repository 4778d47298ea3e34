//go:build !webgpu

package device

import "github.com/kilnml/kiln/internal/logger"

// gpuMirror is absent without the webgpu build tag; the simulated
// allocator is the only backing store and every hook is a no-op.
type gpuMirror struct{}

func openGPUMirror(log logger.Logger) *gpuMirror { return nil }

func (m *gpuMirror) active() bool { return false }

func (m *gpuMirror) alloc(b Buffer) {}

func (m *gpuMirror) write(b Buffer, data []byte) {}

func (m *gpuMirror) free(b Buffer) {}

func (m *gpuMirror) close() {}
