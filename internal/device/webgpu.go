//go:build webgpu

package device

import (
	"sync"

	"github.com/google/uuid"
	"github.com/openfluke/webgpu/wgpu"

	"github.com/kilnml/kiln/internal/logger"
)

// gpuMirror backs device allocations with real adapter storage. The
// simulated host memory stays authoritative, since the in-process
// kernels address it directly; every allocation also gets a storage
// buffer on the adapter and every device-bound write lands in both.
// One mirror serves the whole context, so a multi-device topology
// shares the adapter.
type gpuMirror struct {
	log     logger.Logger
	inst    *wgpu.Instance
	adapter *wgpu.Adapter
	dev     *wgpu.Device
	queue   *wgpu.Queue

	mu   sync.Mutex
	bufs map[uuid.UUID]*wgpu.Buffer
}

// openGPUMirror requests a high-performance adapter and a device on it.
// Failure is not fatal: the context runs host-only and says so once.
func openGPUMirror(log logger.Logger) *gpuMirror {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		log.Warn("webgpu instance unavailable, running host-only")
		return nil
	}
	ad, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || ad == nil {
		inst.Release()
		log.Warn("webgpu adapter request failed, running host-only", "error", err)
		return nil
	}
	dev, err := ad.RequestDevice(&wgpu.DeviceDescriptor{})
	if err != nil || dev == nil {
		ad.Release()
		inst.Release()
		log.Warn("webgpu device request failed, running host-only", "error", err)
		return nil
	}
	return &gpuMirror{
		log:     log,
		inst:    inst,
		adapter: ad,
		dev:     dev,
		queue:   dev.GetQueue(),
		bufs:    map[uuid.UUID]*wgpu.Buffer{},
	}
}

func (m *gpuMirror) active() bool { return m != nil }

// alloc creates the adapter-side storage buffer for b. On failure the
// allocation stays host-only and later writes skip it.
func (m *gpuMirror) alloc(b Buffer) {
	if m == nil {
		return
	}
	buf, err := m.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.ID.String(),
		Size:  uint64(b.Size),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		m.log.Warn("webgpu buffer create failed", "size", b.Size, "error", err)
		return
	}
	m.mu.Lock()
	m.bufs[b.ID] = buf
	m.mu.Unlock()
}

// write pushes data into b's adapter buffer at offset 0.
func (m *gpuMirror) write(b Buffer, data []byte) {
	if m == nil {
		return
	}
	m.mu.Lock()
	buf := m.bufs[b.ID]
	m.mu.Unlock()
	if buf == nil {
		return
	}
	m.queue.WriteBuffer(buf, 0, data)
}

func (m *gpuMirror) free(b Buffer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	buf := m.bufs[b.ID]
	delete(m.bufs, b.ID)
	m.mu.Unlock()
	if buf != nil {
		buf.Release()
	}
}

func (m *gpuMirror) close() {
	if m == nil {
		return
	}
	m.dev.Poll(true, nil)
	m.mu.Lock()
	for id, buf := range m.bufs {
		delete(m.bufs, id)
		buf.Release()
	}
	m.mu.Unlock()
	m.dev.Release()
	m.adapter.Release()
	m.inst.Release()
}
