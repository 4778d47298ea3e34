package dispatch

import (
	"fmt"

	"github.com/kilnml/kiln/internal/simd"
	"github.com/kilnml/kiln/internal/tensor"
	"github.com/kilnml/kiln/internal/vecdot"
	"github.com/kilnml/kiln/pkg/quant"
)

// Strategy names one matmul execution path.
type Strategy uint8

const (
	// StratPermutedKQ: transposed weight operand against a single
	// query column, fed element-by-element through the strides.
	StratPermutedKQ Strategy = iota
	// StratPermutedKQV: non-contiguous but untransposed weight against
	// a single column.
	StratPermutedKQV
	// StratBatchedF16: mixed-precision batched GEMM, one matrix per
	// batch entry staged through half precision.
	StratBatchedF16
	// StratDenseF32: plain float32 GEMM.
	StratDenseF32
	// StratMMVQ: per-row quantized vector dot, one row per pass.
	StratMMVQ
	// StratMMQ: tile-staged quantized dot reused across columns.
	StratMMQ
	// StratDequantGEMM: dequantize the weights then dense GEMM.
	StratDequantGEMM
)

var stratNames = [...]string{"permuted_kq", "permuted_kqv", "batched_f16", "dense_f32", "mmvq", "mmq", "dequant_gemm"}

func (s Strategy) String() string {
	if int(s) < len(stratNames) {
		return stratNames[s]
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// pick selects the execution path for dst = a^T b. Selection order
// matters: permuted single-column shapes first, then the explicit
// mixed-precision switch, then the dense and quantized paths.
func (e *Engine) pick(a, b *tensor.Tensor) Strategy {
	dense := a.DType == quant.TypeF32 || a.DType == quant.TypeF16
	batched := a.Ne[2]*a.Ne[3] > 1

	if dense && a.IsPermuted() && b.Ne[1] == 1 && !batched {
		if a.IsTransposed() {
			return StratPermutedKQ
		}
		return StratPermutedKQV
	}
	if e.cfg.MixedPrecision && dense && batched {
		return StratBatchedF16
	}
	if dense {
		return StratDenseF32
	}
	return e.pickQuant(a, b)
}

// pickQuant is the quantized tail of the selection: the matrix-vector
// case prefers the tile kernel when the host has a packed int8 MAC and
// the tile has more than one row to amortize; multi-column falls back
// to dequantize-plus-GEMM without that capability.
func (e *Engine) pickQuant(a, b *tensor.Tensor) Strategy {
	if !vecdot.Supported(a.DType) {
		return StratDequantGEMM
	}
	if b.Ne[1] == 1 {
		if simd.Host().Int8MAC && a.Ne[1] > 1 {
			return StratMMQ
		}
		return StratMMVQ
	}
	if simd.Host().Int8MAC {
		return StratMMQ
	}
	return StratDequantGEMM
}

// matmul computes dst = a^T b: a holds M rows of K elements, b holds N
// query columns of K, dst gets N rows of M floats.
func (e *Engine) matmul(dst, a, b *tensor.Tensor) {
	if a == nil || b == nil || dst == nil {
		panic("dispatch: matmul with missing operands")
	}
	if a.Ne[0] != b.Ne[0] {
		panic(fmt.Sprintf("dispatch: matmul %s x %s inner dims %d vs %d", a.Name, b.Name, a.Ne[0], b.Ne[0]))
	}
	if dst.Ne[0] != a.Ne[1] || dst.Ne[1] != b.Ne[1] {
		panic(fmt.Sprintf("dispatch: matmul output %s is %dx%d, want %dx%d",
			dst.Name, dst.Ne[0], dst.Ne[1], a.Ne[1], b.Ne[1]))
	}
	if dst.DType != quant.TypeF32 {
		panic(fmt.Sprintf("dispatch: matmul output type %s", dst.DType))
	}

	if a.Placement == tensor.RowSplit {
		e.matmulSplit(dst, a, b)
		return
	}

	strat := e.pick(a, b)
	e.log.Debug("matmul", "a", a.Name, "b", b.Name, "strategy", strat.String())

	out := make([]float32, dst.NumElems())
	switch strat {
	case StratPermutedKQ, StratPermutedKQV:
		e.matVecStrided(out, a, b)
	case StratBatchedF16:
		e.gemmBatchedF16(out, a, b)
	case StratDenseF32:
		e.gemmF32(out, e.loadF32(a), e.loadF32(b), int(a.Ne[0]), int(a.Ne[1]), int(b.Ne[1]))
	default:
		e.bandCompute(strat, out, e.bytesOf(a), a.DType, a.RowBytes(), a.Ne[1], e.loadF32(b), int(b.Ne[0]), int(b.Ne[1]), nil)
	}
	e.storeF32(dst, out)
}

// gemmF32 is the dense kernel shared by the float paths:
// out[n*m0+m] = dot(a row m, b row n), k inner.
func (e *Engine) gemmF32(out, a, b []float32, k, m0, n0 int) {
	for n := 0; n < n0; n++ {
		bn := b[n*k : (n+1)*k]
		for m := 0; m < m0; m++ {
			am := a[m*k : (m+1)*k]
			var acc float32
			for i := range am {
				acc += am[i] * bn[i]
			}
			out[n*m0+m] = acc
		}
	}
}

// gemmBatchedF16 runs one GEMM per batch matrix with both operands
// staged through half precision, matching the numerics of a
// tensor-core batched call.
func (e *Engine) gemmBatchedF16(out []float32, a, b *tensor.Tensor) {
	af := e.loadF32(a)
	bf := e.loadF32(b)
	roundHalf(af)
	roundHalf(bf)
	k, m0, n0 := int(a.Ne[0]), int(a.Ne[1]), int(b.Ne[1])
	batch := int(a.Ne[2] * a.Ne[3])
	for i := 0; i < batch; i++ {
		e.gemmF32(out[i*m0*n0:(i+1)*m0*n0], af[i*m0*k:(i+1)*m0*k], bf[i*n0*k:(i+1)*n0*k], k, m0, n0)
	}
}

func roundHalf(x []float32) {
	for i, v := range x {
		x[i] = quant.Float16ToFloat32(quant.Float32ToFloat16(v))
	}
}

// matVecStrided walks a permuted dense weight operand through its byte
// strides against one query column. Handles both the transposed-score
// and the non-contiguous value shapes.
func (e *Engine) matVecStrided(out []float32, a, b *tensor.Tensor) {
	raw := e.bytesOf(a)
	q := e.loadF32(b)
	elem := func(m, i int64) float32 {
		off := m*a.Nb[1] + i*a.Nb[0]
		if a.DType == quant.TypeF16 {
			return quant.Float16ToFloat32(uint16(raw[off]) | uint16(raw[off+1])<<8)
		}
		return quant.GetF32(raw[off:])
	}
	for m := int64(0); m < a.Ne[1]; m++ {
		var acc float32
		for i := int64(0); i < a.Ne[0]; i++ {
			acc += elem(m, i) * q[i]
		}
		out[m] = acc
	}
}

// bandCompute runs one quantized strategy over a band of `rows` weight
// rows held in raw, against n0 query columns of k dense floats each.
// out is the band's output, laid out [n0][rows] with the band's rows
// starting at index 0. Each column is quantized to the weight format's
// query family once and reused across the band.
//
// Columns go in fixed-size groups; when submit is non-nil each group is
// handed to it (the split path rotates groups over a device's
// secondary streams), otherwise groups run inline.
func (e *Engine) bandCompute(strat Strategy, out []float32, raw []byte, typ quant.Type, rowBytes, rows int64, bf []float32, k, n0 int, submit func(group func())) {
	var tile *vecdot.Tile
	var dec []float32
	switch strat {
	case StratMMQ:
		tile = vecdot.NewTile(typ, int(rows), k/quant.TraitOf(typ).BlockLen)
		for m := int64(0); m < rows; m++ {
			tile.Stage(int(m), raw[m*rowBytes:(m+1)*rowBytes])
		}
	case StratDequantGEMM, StratDenseF32:
		dec = make([]float32, rows*int64(k))
		for m := int64(0); m < rows; m++ {
			row := raw[m*rowBytes : (m+1)*rowBytes]
			drow := dec[m*int64(k) : (m+1)*int64(k)]
			switch typ {
			case quant.TypeF32:
				quant.GetF32Row(drow, row)
			case quant.TypeF16:
				quant.GetF16Row(drow, row)
			default:
				quant.CodecFor(typ).Dequantize(drow, row)
			}
		}
	}

	for c0 := 0; c0 < n0; c0 += e.cfg.ChunkCols {
		c1 := min(c0+e.cfg.ChunkCols, n0)
		group := func(c0, c1 int) func() {
			return func() {
				for n := c0; n < c1; n++ {
					colOut := out[n*int(rows) : (n+1)*int(rows)]
					col := bf[n*k : (n+1)*k]
					switch strat {
					case StratMMVQ:
						q := vecdot.QuantizeQuery(typ, col)
						for m := int64(0); m < rows; m++ {
							colOut[m] = vecdot.Row(typ, raw[m*rowBytes:(m+1)*rowBytes], q)
						}
					case StratMMQ:
						q := vecdot.QuantizeQuery(typ, col)
						for m := int64(0); m < rows; m++ {
							colOut[m] = tile.Dot(int(m), q)
						}
					case StratDequantGEMM, StratDenseF32:
						for m := int64(0); m < rows; m++ {
							am := dec[m*int64(k) : (m+1)*int64(k)]
							var acc float32
							for i := range am {
								acc += am[i] * col[i]
							}
							colOut[m] = acc
						}
					}
				}
			}
		}(c0, c1)
		if submit != nil {
			submit(group)
		} else {
			group()
		}
	}
}
