package dispatch

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/kilnml/kiln/internal/device"
	"github.com/kilnml/kiln/internal/tensor"
	"github.com/kilnml/kiln/pkg/quant"
)

// rowSplitAlign keeps band boundaries on a tile-friendly row multiple.
// Bands hold whole rows, so quantized blocks never straddle devices;
// the alignment keeps each band's start usable by the tile kernels.
const rowSplitAlign = 16

// SplitRows distributes a host weight tensor's rows across every
// device of the context. Boundaries are proportional, rounded down to
// rowSplitAlign; the last device absorbs the remainder. The tensor
// becomes split-resident and drops its host copy.
func (e *Engine) SplitRows(t *tensor.Tensor) error {
	if t.Placement != tensor.OnHost {
		return fmt.Errorf("split %s: placement is %s", t.Name, t.Placement)
	}
	if t.Ne[2] != 1 || t.Ne[3] != 1 {
		return fmt.Errorf("split %s: weights must be two-dimensional", t.Name)
	}
	n := e.ctx.DeviceCount()
	rows := t.Ne[1]
	rb := t.RowBytes()

	bounds := make([]tensor.RowRange, n)
	bufs := make([]uuid.UUID, n)
	lo := int64(0)
	for d := 0; d < n; d++ {
		hi := rows * int64(d+1) / int64(n)
		hi -= hi % rowSplitAlign
		if d == n-1 || hi > rows {
			hi = rows
		}
		if hi < lo {
			hi = lo
		}
		bounds[d] = tensor.RowRange{Lo: lo, Hi: hi}
		if hi > lo {
			e.ensureCodebooks(e.ctx.Device(d), t.DType)
			buf, err := e.ctx.Device(d).Alloc((hi - lo) * rb)
			if err != nil {
				return fmt.Errorf("split %s: %w", t.Name, err)
			}
			if err := e.ctx.H2D(buf, t.Host[lo*rb:hi*rb], 0); err != nil {
				return fmt.Errorf("split %s: %w", t.Name, err)
			}
			bufs[d] = buf.ID
		}
		lo = hi
	}

	t.Placement = tensor.RowSplit
	t.Split = &tensor.Split{Bounds: bounds, Buffers: bufs}
	t.Host = nil
	return nil
}

// FreeSplit releases every band buffer of a split tensor.
func (e *Engine) FreeSplit(t *tensor.Tensor) error {
	if t.Placement != tensor.RowSplit || t.Split == nil {
		return fmt.Errorf("free split %s: not split-resident", t.Name)
	}
	for d, id := range t.Split.Buffers {
		if id == uuid.Nil {
			continue
		}
		b := device.Buffer{ID: id, Device: d, Size: t.Split.Bounds[d].Rows() * t.RowBytes()}
		if err := e.ctx.Device(d).Free(b); err != nil {
			return err
		}
	}
	t.Split = nil
	t.Placement = tensor.OnHost
	return nil
}

// pickSplit restricts strategy selection to the paths a row band can
// run: the permuted and batched specializations need the whole matrix.
func (e *Engine) pickSplit(a, b *tensor.Tensor) Strategy {
	if a.DType == quant.TypeF32 || a.DType == quant.TypeF16 {
		return StratDenseF32
	}
	return e.pickQuant(a, b)
}

// matmulSplit runs one band per device, then gathers every partial
// result to the primary device. Non-primary partials arrive by peer
// copy, or host staging when the pair has no peer path; the copy's
// event dependency keeps the primary from reading a band early.
func (e *Engine) matmulSplit(dst, a, b *tensor.Tensor) {
	if a.Split == nil || len(a.Split.Bounds) != e.ctx.DeviceCount() {
		panic(fmt.Sprintf("dispatch: split tensor %s does not match the device context", a.Name))
	}
	const primary = 0
	strat := e.pickSplit(a, b)
	e.log.Debug("matmul split", "a", a.Name, "strategy", strat.String(), "devices", e.ctx.DeviceCount())

	bf := e.loadF32(b)
	k, n0 := int(a.Ne[0]), int(b.Ne[1])
	m0 := int(a.Ne[1])
	rb := a.RowBytes()
	out := make([]float32, dst.NumElems())

	type part struct {
		lo, hi int64
		recv   device.Buffer
	}
	var parts []part

	for d, bd := range a.Split.Bounds {
		rows := bd.Rows()
		if rows == 0 {
			continue
		}
		dev := e.ctx.Device(d)
		raw := dev.Bytes(device.Buffer{ID: a.Split.Buffers[d], Device: d, Size: rows * rb})

		bandOut := make([]float32, rows*int64(n0))
		sid := 0
		if dev.StreamCount() > 1 {
			sid = 1
		}
		e.bandCompute(strat, bandOut, raw, a.DType, rb, rows, bf, k, n0, func(group func()) {
			dev.Stream(sid).Submit(group)
			sid++
			if sid >= dev.StreamCount() {
				sid = 1
				if dev.StreamCount() == 1 {
					sid = 0
				}
			}
		})
		dev.Synchronize()

		scratch, err := dev.Alloc(rows * int64(n0) * 4)
		if err != nil {
			e.fatal(err)
		}
		quant.PutF32Row(dev.Bytes(scratch), bandOut)

		recv := scratch
		if d != primary {
			recv, err = e.ctx.Device(primary).Alloc(scratch.Size)
			if err != nil {
				e.fatal(err)
			}
			if err := e.ctx.D2D(recv, scratch, 0); err != nil {
				e.fatal(err)
			}
			if err := dev.Free(scratch); err != nil {
				e.fatal(err)
			}
		}
		parts = append(parts, part{lo: bd.Lo, hi: bd.Hi, recv: recv})
	}

	// All copies landed; interleave the bands into the output.
	pdev := e.ctx.Device(primary)
	pdev.Synchronize()
	for _, p := range parts {
		rows := int(p.hi - p.lo)
		band := make([]float32, rows*n0)
		quant.GetF32Row(band, pdev.Bytes(p.recv))
		for n := 0; n < n0; n++ {
			copy(out[n*m0+int(p.lo):n*m0+int(p.hi)], band[n*rows:(n+1)*rows])
		}
		if err := pdev.Free(p.recv); err != nil {
			e.fatal(err)
		}
	}
	e.storeF32(dst, out)
}

// fatal is the device-error boundary: log and exit, no retry path.
func (e *Engine) fatal(err error) {
	e.log.Error("device failure", "error", err)
	os.Exit(1)
}
