// Package device manages the compute devices the dispatcher runs against:
// per-device command streams, events, and a best-fit buffer pool. The
// default build simulates device memory with host allocations so the full
// multi-device dispatch machinery (row splits, peer copies, host staging)
// runs and is testable anywhere; the webgpu build tag additionally
// mirrors every allocation and device-bound write into real adapter
// storage buffers on a shared WebGPU device.
//
// All state hangs off an explicit Context. Nothing in this package is a
// process-wide table, so tests can stand up several contexts with
// different topologies side by side.
package device

import (
	"fmt"

	"github.com/kilnml/kiln/internal/logger"
)

// DefaultStreams is the per-device stream count; stream 0 is the default
// stream every synchronous operation lands on.
const DefaultStreams = 8

// Config describes the topology of a Context.
type Config struct {
	// Devices is the device count; 0 means 1.
	Devices int
	// Streams per device; 0 means DefaultStreams.
	Streams int
	// PoolSlots caps the per-device pool slot table; 0 means the default.
	PoolSlots int
	// PeerDisabled lists ordered device pairs whose direct copies must
	// stage through host memory.
	PeerDisabled [][2]int

	Logger logger.Logger
}

// Caps describes one device to callers and to the status endpoint.
type Caps struct {
	Name    string `json:"name"`
	Index   int    `json:"index"`
	Streams int    `json:"streams"`
	// Simulated is false only for backend-backed devices.
	Simulated bool `json:"simulated"`
}

// Context owns a set of devices. Close releases every stream and buffer;
// the Context must not be used afterwards.
type Context struct {
	log     logger.Logger
	devices []*Device
	noPeer  map[[2]int]bool
	gpu     *gpuMirror
}

// NewContext builds the device set described by cfg.
func NewContext(cfg Config) (*Context, error) {
	n := cfg.Devices
	if n == 0 {
		n = 1
	}
	if n < 0 {
		return nil, fmt.Errorf("device: %d devices", n)
	}
	streams := cfg.Streams
	if streams == 0 {
		streams = DefaultStreams
	}
	if streams < 1 {
		return nil, fmt.Errorf("device: %d streams per device", streams)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	c := &Context{log: log, noPeer: make(map[[2]int]bool), gpu: openGPUMirror(log)}
	for _, p := range cfg.PeerDisabled {
		c.noPeer[p] = true
		c.noPeer[[2]int{p[1], p[0]}] = true
	}
	for i := 0; i < n; i++ {
		d, err := newDevice(i, streams, cfg.PoolSlots, log, c.gpu)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.devices = append(c.devices, d)
	}
	log.Debug("device context up", "devices", n, "streams", streams)
	return c, nil
}

// DeviceCount returns the number of devices.
func (c *Context) DeviceCount() int { return len(c.devices) }

// Device returns device i. Out-of-range indices are a caller bug.
func (c *Context) Device(i int) *Device {
	if i < 0 || i >= len(c.devices) {
		panic(fmt.Sprintf("device: index %d of %d", i, len(c.devices)))
	}
	return c.devices[i]
}

// PeerEnabled reports whether src can copy directly into dst.
func (c *Context) PeerEnabled(src, dst int) bool {
	return !c.noPeer[[2]int{src, dst}]
}

// SyncAll drains every stream of every device.
func (c *Context) SyncAll() {
	for _, d := range c.devices {
		d.Synchronize()
	}
}

// Close drains and shuts down all devices.
func (c *Context) Close() error {
	for _, d := range c.devices {
		d.close()
	}
	c.devices = nil
	c.gpu.close()
	c.gpu = nil
	return nil
}
