package device

import (
	"fmt"

	"github.com/google/uuid"
)

// Buffer is a handle to device memory. It is a plain value; the bytes it
// names live in the owning device's registry until Free.
type Buffer struct {
	ID     uuid.UUID
	Device int
	Size   int64
}

// Nil reports whether the handle names nothing.
func (b Buffer) Nil() bool { return b.ID == uuid.Nil }

type allocation struct {
	data []byte
	slot int
}

// Alloc reserves size bytes of device memory through the pool.
func (d *Device) Alloc(size int64) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("device %d: alloc of %d bytes", d.index, size)
	}
	data, slot := d.pool.alloc(size)
	b := Buffer{ID: uuid.New(), Device: d.index, Size: size}
	d.bufMu.Lock()
	d.buffers[b.ID] = &allocation{data: data, slot: slot}
	d.bufMu.Unlock()
	d.gpu.alloc(b)
	return b, nil
}

// Free releases the buffer's memory back to the pool.
func (d *Device) Free(b Buffer) error {
	d.bufMu.Lock()
	a, ok := d.buffers[b.ID]
	delete(d.buffers, b.ID)
	d.bufMu.Unlock()
	if !ok {
		return fmt.Errorf("device %d: free of unknown buffer %s", d.index, b.ID)
	}
	d.pool.free(a.slot)
	d.gpu.free(b)
	return nil
}

// Bytes exposes the buffer's memory to in-process kernels. The simulated
// device keeps its memory host-addressable, so kernels read and write it
// directly; callers must order access through streams and events exactly
// as they would on a real device.
func (d *Device) Bytes(b Buffer) []byte {
	d.bufMu.Lock()
	a, ok := d.buffers[b.ID]
	d.bufMu.Unlock()
	if !ok {
		panic(fmt.Sprintf("device %d: bytes of unknown buffer %s", d.index, b.ID))
	}
	return a.data[:b.Size]
}

// PoolStats snapshots the device pool.
func (d *Device) PoolStats() PoolStats { return d.pool.stats() }

// LiveBuffers returns the registry size, for leak checks.
func (d *Device) LiveBuffers() int {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	return len(d.buffers)
}

// UploadConstant uploads a named constant table once; later calls return
// the same buffer. This backs the codebook tables the importance-quantized
// kernels index on every dot product.
func (d *Device) UploadConstant(key string, build func() []byte) (Buffer, error) {
	d.constMu.Lock()
	defer d.constMu.Unlock()
	if b, ok := d.constants[key]; ok {
		return b, nil
	}
	data := build()
	b, err := d.Alloc(int64(len(data)))
	if err != nil {
		return Buffer{}, fmt.Errorf("constant %q: %w", key, err)
	}
	copy(d.Bytes(b), data)
	d.gpu.write(b, data)
	d.constants[key] = b
	return b, nil
}

// H2D copies src into dst on the device's stream and waits for it.
func (c *Context) H2D(dst Buffer, src []byte, stream int) error {
	return c.h2d(dst, src, stream, true)
}

// H2DAsync enqueues the copy without waiting. src must stay untouched
// until the stream is synchronized.
func (c *Context) H2DAsync(dst Buffer, src []byte, stream int) error {
	return c.h2d(dst, src, stream, false)
}

func (c *Context) h2d(dst Buffer, src []byte, stream int, wait bool) error {
	if int64(len(src)) > dst.Size {
		return fmt.Errorf("h2d: %d bytes into a %d-byte buffer", len(src), dst.Size)
	}
	d := c.Device(dst.Device)
	mem := d.Bytes(dst)
	s := d.Stream(stream)
	s.Submit(func() {
		copy(mem, src)
		d.gpu.write(dst, src)
	})
	if wait {
		s.Synchronize()
	}
	return nil
}

// D2H copies the buffer into dst and waits.
func (c *Context) D2H(dst []byte, src Buffer, stream int) error {
	if int64(len(dst)) < src.Size {
		return fmt.Errorf("d2h: %d-byte buffer into %d bytes", src.Size, len(dst))
	}
	d := c.Device(src.Device)
	mem := d.Bytes(src)
	s := d.Stream(stream)
	s.Submit(func() { copy(dst, mem) })
	s.Synchronize()
	return nil
}

// D2D copies src into dst. Same-device and peer-enabled copies go direct
// on the destination stream; peer-disabled pairs stage through a host
// bounce buffer with an event ordering the two legs.
func (c *Context) D2D(dst, src Buffer, stream int) error {
	if src.Size > dst.Size {
		return fmt.Errorf("d2d: %d bytes into a %d-byte buffer", src.Size, dst.Size)
	}
	sd := c.Device(src.Device)
	dd := c.Device(dst.Device)
	srcMem := sd.Bytes(src)
	dstMem := dd.Bytes(dst)

	if src.Device == dst.Device || c.PeerEnabled(src.Device, dst.Device) {
		s := dd.Stream(stream)
		s.Submit(func() {
			copy(dstMem, srcMem)
			dd.gpu.write(dst, dstMem[:src.Size])
		})
		s.Synchronize()
		return nil
	}

	// Staged path: source stream drains into the bounce buffer, the
	// destination stream starts only after the source leg's event.
	bounce := make([]byte, src.Size)
	ss := sd.Stream(stream)
	ss.Submit(func() { copy(bounce, srcMem) })
	ev := sd.Record(stream)
	ds := dd.Stream(stream)
	ds.WaitFor(ev)
	ds.Submit(func() {
		copy(dstMem, bounce)
		dd.gpu.write(dst, bounce)
	})
	ds.Synchronize()
	return nil
}

// Clear zeroes the buffer on the given stream and waits.
func (c *Context) Clear(b Buffer, stream int) error {
	d := c.Device(b.Device)
	mem := d.Bytes(b)
	s := d.Stream(stream)
	s.Submit(func() {
		for i := range mem {
			mem[i] = 0
		}
		d.gpu.write(b, mem)
	})
	s.Synchronize()
	return nil
}
