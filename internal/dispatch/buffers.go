package dispatch

import (
	"fmt"

	"github.com/kilnml/kiln/internal/device"
	"github.com/kilnml/kiln/internal/tensor"
)

// AllocBuffer reserves device memory for a tensor-sized payload and
// returns the handle.
func (e *Engine) AllocBuffer(dev int, size int64) (device.Buffer, error) {
	return e.ctx.Device(dev).Alloc(size)
}

// Upload moves a host tensor onto a device, allocating its buffer.
func (e *Engine) Upload(t *tensor.Tensor, dev int) error {
	if t.Placement != tensor.OnHost {
		return fmt.Errorf("upload %s: placement is %s", t.Name, t.Placement)
	}
	d := e.ctx.Device(dev)
	e.ensureCodebooks(d, t.DType)
	buf, err := d.Alloc(t.ByteSize())
	if err != nil {
		return fmt.Errorf("upload %s: %w", t.Name, err)
	}
	if err := e.ctx.H2D(buf, t.Host, 0); err != nil {
		return fmt.Errorf("upload %s: %w", t.Name, err)
	}
	t.Placement = tensor.OnDevice
	t.Device = dev
	t.Buffer = buf.ID
	t.Host = nil
	return nil
}

// Download moves a device tensor back to host memory and frees its
// buffer.
func (e *Engine) Download(t *tensor.Tensor) error {
	if t.Placement != tensor.OnDevice {
		return fmt.Errorf("download %s: placement is %s", t.Name, t.Placement)
	}
	b := device.Buffer{ID: t.Buffer, Device: t.Device, Size: t.ByteSize()}
	host := make([]byte, t.ByteSize())
	if err := e.ctx.D2H(host, b, 0); err != nil {
		return fmt.Errorf("download %s: %w", t.Name, err)
	}
	if err := e.ctx.Device(t.Device).Free(b); err != nil {
		return fmt.Errorf("download %s: %w", t.Name, err)
	}
	t.Placement = tensor.OnHost
	t.Host = host
	return nil
}

// SetTensorData writes host bytes into a byte range of the tensor's
// storage, wherever it lives.
func (e *Engine) SetTensorData(t *tensor.Tensor, data []byte, off int64) error {
	if off < 0 || off+int64(len(data)) > t.ByteSize() {
		return fmt.Errorf("set %s: %d bytes at offset %d in %d", t.Name, len(data), off, t.ByteSize())
	}
	if t.Placement == tensor.OnHost {
		copy(t.Host[off:], data)
		return nil
	}
	if t.Placement != tensor.OnDevice {
		return fmt.Errorf("set %s: placement %s", t.Name, t.Placement)
	}
	dev := e.ctx.Device(t.Device)
	mem := dev.Bytes(device.Buffer{ID: t.Buffer, Device: t.Device, Size: t.ByteSize()})
	s := dev.Stream(0)
	s.Submit(func() { copy(mem[off:], data) })
	s.Synchronize()
	return nil
}

// GetTensorData reads a byte range of the tensor's storage into dst.
func (e *Engine) GetTensorData(t *tensor.Tensor, dst []byte, off int64) error {
	if off < 0 || off+int64(len(dst)) > t.ByteSize() {
		return fmt.Errorf("get %s: %d bytes at offset %d in %d", t.Name, len(dst), off, t.ByteSize())
	}
	if t.Placement == tensor.OnHost {
		copy(dst, t.Host[off:])
		return nil
	}
	if t.Placement != tensor.OnDevice {
		return fmt.Errorf("get %s: placement %s", t.Name, t.Placement)
	}
	dev := e.ctx.Device(t.Device)
	mem := dev.Bytes(device.Buffer{ID: t.Buffer, Device: t.Device, Size: t.ByteSize()})
	s := dev.Stream(0)
	s.Submit(func() { copy(dst, mem[off:]) })
	s.Synchronize()
	return nil
}

// CopyTensor copies src's bytes into dst. The two must agree on type
// and shape; any mix of host and device residency works, cross-device
// copies route through the context's peer or staging path.
func CopyTensor(ctx *device.Context, dst, src *tensor.Tensor) error {
	return New(ctx, Config{}).CopyTensor(dst, src)
}

// CopyTensor is the method form used by an engine.
func (e *Engine) CopyTensor(dst, src *tensor.Tensor) error {
	if dst.DType != src.DType || !dst.SameShape(src) {
		return fmt.Errorf("copy %s -> %s: descriptor mismatch", src.Name, dst.Name)
	}
	switch {
	case src.Placement == tensor.OnHost && dst.Placement == tensor.OnHost:
		copy(dst.Host, src.Host)
	case src.Placement == tensor.OnHost && dst.Placement == tensor.OnDevice:
		return e.ctx.H2D(device.Buffer{ID: dst.Buffer, Device: dst.Device, Size: dst.ByteSize()}, src.Host, 0)
	case src.Placement == tensor.OnDevice && dst.Placement == tensor.OnHost:
		return e.ctx.D2H(dst.Host, device.Buffer{ID: src.Buffer, Device: src.Device, Size: src.ByteSize()}, 0)
	case src.Placement == tensor.OnDevice && dst.Placement == tensor.OnDevice:
		return e.ctx.D2D(
			device.Buffer{ID: dst.Buffer, Device: dst.Device, Size: dst.ByteSize()},
			device.Buffer{ID: src.Buffer, Device: src.Device, Size: src.ByteSize()}, 0)
	default:
		return fmt.Errorf("copy %s -> %s: unsupported placements %s -> %s",
			src.Name, dst.Name, src.Placement, dst.Placement)
	}
	return nil
}

// ClearBuffer fills a buffer with one byte value on the device stream.
func (e *Engine) ClearBuffer(b device.Buffer, value byte) error {
	if value == 0 {
		return e.ctx.Clear(b, 0)
	}
	dev := e.ctx.Device(b.Device)
	mem := dev.Bytes(b)
	s := dev.Stream(0)
	s.Submit(func() {
		for i := range mem {
			mem[i] = value
		}
	})
	s.Synchronize()
	return nil
}
