// Package tensor defines the descriptor the dispatch layer moves between
// host and device memory. A descriptor carries the element format, a
// fixed four-dimension shape with byte strides, and a placement record
// saying where the bytes live. Descriptors are cheap values; the bytes
// they describe are owned by the device pools or by the host slice.
package tensor

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kilnml/kiln/pkg/quant"
)

// MaxDims is the fixed dimensionality. Lower-rank tensors set the unused
// outer dims to 1.
const MaxDims = 4

// Placement says where a tensor's bytes currently live.
type Placement uint8

const (
	// OnHost: the Host slice holds the encoded bytes.
	OnHost Placement = iota
	// OnDevice: a single device buffer holds the bytes.
	OnDevice
	// RowSplit: consecutive row bands live on different devices.
	RowSplit
)

func (p Placement) String() string {
	switch p {
	case OnHost:
		return "host"
	case OnDevice:
		return "device"
	case RowSplit:
		return "split"
	}
	return fmt.Sprintf("placement(%d)", uint8(p))
}

// RowRange is a half-open band of rows, [Lo, Hi).
type RowRange struct {
	Lo, Hi int64
}

// Rows returns the band height.
func (r RowRange) Rows() int64 { return r.Hi - r.Lo }

// Split records the per-device extension of a row-split tensor: one row
// band and one buffer per device, index-aligned with the device context.
type Split struct {
	Bounds  []RowRange
	Buffers []uuid.UUID
}

// Tensor describes one array of elements. Ne counts elements per
// dimension with Ne[0] the contiguous row length; Nb holds byte strides,
// with Nb[0] the encoded block size so quantized rows address by block.
type Tensor struct {
	Name  string
	DType quant.Type
	Ne    [MaxDims]int64
	Nb    [MaxDims]int64

	Placement Placement
	Device    int       // owning device when Placement == OnDevice
	Buffer    uuid.UUID // device buffer handle when Placement == OnDevice
	Split     *Split    // per-device extension when Placement == RowSplit

	Host []byte // encoded bytes when Placement == OnHost
}

// New returns a host-placed contiguous descriptor. ne lists dimensions
// innermost first; at most MaxDims. Ne[0] must be a multiple of the
// format's block length.
func New(name string, dtype quant.Type, ne ...int64) *Tensor {
	if len(ne) == 0 || len(ne) > MaxDims {
		panic(fmt.Sprintf("tensor: %d dimensions", len(ne)))
	}
	t := &Tensor{Name: name, DType: dtype}
	for i := range t.Ne {
		t.Ne[i] = 1
	}
	for i, n := range ne {
		if n <= 0 {
			panic(fmt.Sprintf("tensor %s: dimension %d is %d", name, i, n))
		}
		t.Ne[i] = n
	}
	tr := quant.TraitOf(dtype)
	if t.Ne[0]%int64(tr.BlockLen) != 0 {
		panic(fmt.Sprintf("tensor %s: row length %d not a multiple of the %s block length %d",
			name, t.Ne[0], dtype, tr.BlockLen))
	}
	t.Nb[0] = int64(tr.BlockSize)
	t.Nb[1] = int64(quant.RowSize(dtype, int(t.Ne[0])))
	for i := 2; i < MaxDims; i++ {
		t.Nb[i] = t.Nb[i-1] * t.Ne[i-1]
	}
	t.Host = make([]byte, t.ByteSize())
	return t
}

// NumElems returns the total element count.
func (t *Tensor) NumElems() int64 {
	return t.Ne[0] * t.Ne[1] * t.Ne[2] * t.Ne[3]
}

// NumRows returns the row count across all outer dimensions.
func (t *Tensor) NumRows() int64 {
	return t.Ne[1] * t.Ne[2] * t.Ne[3]
}

// RowBytes returns the encoded size of one row.
func (t *Tensor) RowBytes() int64 {
	return int64(quant.RowSize(t.DType, int(t.Ne[0])))
}

// ByteSize returns the encoded size of the whole tensor.
func (t *Tensor) ByteSize() int64 {
	return t.RowBytes() * t.NumRows()
}

// IsContiguous reports whether the strides are the packed row-major ones.
func (t *Tensor) IsContiguous() bool {
	tr := quant.TraitOf(t.DType)
	if t.Nb[0] != int64(tr.BlockSize) || t.Nb[1] != t.RowBytes() {
		return false
	}
	for i := 2; i < MaxDims; i++ {
		if t.Nb[i] != t.Nb[i-1]*t.Ne[i-1] {
			return false
		}
	}
	return true
}

// IsPermuted reports whether any stride is out of row-major order.
func (t *Tensor) IsPermuted() bool {
	return t.Nb[0] > t.Nb[1] || t.Nb[1] > t.Nb[2] || t.Nb[2] > t.Nb[3]
}

// IsTransposed reports whether the two innermost dims are swapped.
func (t *Tensor) IsTransposed() bool {
	return t.Nb[0] > t.Nb[1]
}

// SameShape reports element-count equality per dimension.
func (t *Tensor) SameShape(u *Tensor) bool {
	return t.Ne == u.Ne
}

// CanRepeat reports whether u broadcasts onto t: every dimension of t is
// a whole multiple of u's.
func (t *Tensor) CanRepeat(u *Tensor) bool {
	for i := 0; i < MaxDims; i++ {
		if u.Ne[i] == 0 || t.Ne[i]%u.Ne[i] != 0 {
			return false
		}
	}
	return true
}

// Permute returns a view with dimensions rearranged; axes[i] names the
// source dimension that becomes dimension i. The bytes are shared.
func (t *Tensor) Permute(axes [MaxDims]int) *Tensor {
	var seen [MaxDims]bool
	for _, a := range axes {
		if a < 0 || a >= MaxDims || seen[a] {
			panic(fmt.Sprintf("tensor %s: bad permutation %v", t.Name, axes))
		}
		seen[a] = true
	}
	v := *t
	for i, a := range axes {
		v.Ne[i] = t.Ne[a]
		v.Nb[i] = t.Nb[a]
	}
	return &v
}

// View returns a shallow copy sharing the same bytes.
func (t *Tensor) View() *Tensor {
	v := *t
	return &v
}

// Row returns the host bytes of one flattened row. The tensor must be
// host-placed and contiguous.
func (t *Tensor) Row(i int64) []byte {
	if t.Placement != OnHost {
		panic(fmt.Sprintf("tensor %s: row access on %s placement", t.Name, t.Placement))
	}
	rb := t.RowBytes()
	return t.Host[i*rb : (i+1)*rb]
}

// SetF32 encodes a float32 row into row i through the format's codec.
// F32 tensors store raw little-endian floats.
func (t *Tensor) SetF32(i int64, row []float32) {
	if int64(len(row)) != t.Ne[0] {
		panic(fmt.Sprintf("tensor %s: writing %d elements into rows of %d", t.Name, len(row), t.Ne[0]))
	}
	dst := t.Row(i)
	if t.DType == quant.TypeF32 {
		quant.PutF32Row(dst, row)
		return
	}
	if t.DType == quant.TypeF16 {
		quant.PutF16Row(dst, row)
		return
	}
	quant.CodecFor(t.DType).Quantize(dst, row)
}

// F32Row decodes row i into dst.
func (t *Tensor) F32Row(i int64, dst []float32) {
	if int64(len(dst)) != t.Ne[0] {
		panic(fmt.Sprintf("tensor %s: reading %d elements from rows of %d", t.Name, len(dst), t.Ne[0]))
	}
	src := t.Row(i)
	if t.DType == quant.TypeF32 {
		quant.GetF32Row(dst, src)
		return
	}
	if t.DType == quant.TypeF16 {
		quant.GetF16Row(dst, src)
		return
	}
	quant.CodecFor(t.DType).Dequantize(dst, src)
}
