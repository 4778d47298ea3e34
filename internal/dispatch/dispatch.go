package dispatch

import (
	"fmt"

	"github.com/kilnml/kiln/internal/device"
	"github.com/kilnml/kiln/internal/kernels"
	"github.com/kilnml/kiln/internal/logger"
	"github.com/kilnml/kiln/internal/tensor"
	"github.com/kilnml/kiln/pkg/quant"
)

// Config tunes strategy selection. MixedPrecision is an explicit
// switch, not sniffed from the hardware: half-precision batched GEMM
// changes numerics and the caller opts in.
type Config struct {
	MixedPrecision bool
	ChunkCols      int // column group size for the multi-stream path
	Logger         logger.Logger
}

const defaultChunkCols = 512

// Engine binds a device context to a dispatch configuration. It holds
// no per-call state; everything transient lives on the stack of one
// Compute call.
type Engine struct {
	ctx *device.Context
	cfg Config
	log logger.Logger
}

// New returns an engine over ctx.
func New(ctx *device.Context, cfg Config) *Engine {
	if cfg.ChunkCols <= 0 {
		cfg.ChunkCols = defaultChunkCols
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Engine{ctx: ctx, cfg: cfg, log: log}
}

// Compute runs one op with default configuration.
func Compute(ctx *device.Context, op *Op) bool {
	return New(ctx, Config{}).Compute(op)
}

// Compute routes one op record. It reports whether the op code is one
// this backend handles; precondition violations inside a handled op
// panic.
func (e *Engine) Compute(op *Op) bool {
	switch op.Code {
	case OpAdd, OpSub, OpMul, OpDiv:
		e.binary(op)
	case OpScale, OpClamp, OpSqr, OpNeg, OpRelu, OpSilu, OpGelu, OpGeluQuick:
		e.unary(op)
	case OpLayerNorm, OpRMSNorm, OpGroupNorm:
		e.norm(op)
	case OpSoftmax:
		e.softmax(op)
	case OpDiagMaskInf:
		src := e.loadF32(op.Src[0])
		dst := make([]float32, op.Dst.NumElems())
		kernels.DiagMaskInf(dst, src, int(op.Src[0].Ne[0]), int(op.Src[0].Ne[1]), int(op.Params.NPast))
		e.storeF32(op.Dst, dst)
	case OpRope:
		e.rope(op)
	case OpArgsort:
		e.argsort(op)
	case OpIm2Col:
		src := e.loadF32(op.Src[0])
		dst := make([]float32, op.Dst.NumElems())
		kernels.Im2Col(dst, src, int(op.Src[0].Ne[0]), int(op.Src[0].Ne[1]), int(op.Src[0].Ne[2]), op.Params.Conv)
		e.storeF32(op.Dst, dst)
	case OpPool2D:
		src := e.loadF32(op.Src[0])
		dst := make([]float32, op.Dst.NumElems())
		kernels.Pool2D(dst, src, int(op.Src[0].Ne[0]), int(op.Src[0].Ne[1]), int(op.Src[0].Ne[2]), op.Params.Conv, op.Params.Pool)
		e.storeF32(op.Dst, dst)
	case OpUpscale:
		src := e.loadF32(op.Src[0])
		dst := make([]float32, op.Dst.NumElems())
		kernels.UpscaleNearest(dst, src, int(op.Src[0].Ne[0]), int(op.Src[0].Ne[1]), int(op.Src[0].Ne[2]),
			int(op.Params.Upscale[0]), int(op.Params.Upscale[1]))
		e.storeF32(op.Dst, dst)
	case OpPad:
		src := e.loadF32(op.Src[0])
		dst := make([]float32, op.Dst.NumElems())
		var off kernels.Shape
		copy(off[:], op.Params.Offsets[:])
		kernels.Pad(dst, shapeOf(op.Dst), src, shapeOf(op.Src[0]), off)
		e.storeF32(op.Dst, dst)
	case OpRepeat:
		src := e.loadF32(op.Src[0])
		dst := make([]float32, op.Dst.NumElems())
		kernels.Repeat(dst, shapeOf(op.Dst), src, shapeOf(op.Src[0]))
		e.storeF32(op.Dst, dst)
	case OpConcat:
		a := e.loadF32(op.Src[0])
		b := e.loadF32(op.Src[1])
		dst := make([]float32, op.Dst.NumElems())
		kernels.Concat(dst, a, shapeOf(op.Src[0]), b, shapeOf(op.Src[1]), int(op.Params.Dim))
		e.storeF32(op.Dst, dst)
	case OpSumRows:
		src := e.loadF32(op.Src[0])
		dst := make([]float32, op.Dst.NumElems())
		kernels.SumRows(dst, src, shapeOf(op.Src[0]))
		e.storeF32(op.Dst, dst)
	case OpMatMul:
		e.matmul(op.Dst, op.Src[0], op.Src[1])
	default:
		return false
	}
	return true
}

func (e *Engine) binary(op *Op) {
	a := e.loadF32(op.Src[0])
	b := e.loadF32(op.Src[1])
	dst := make([]float32, op.Dst.NumElems())
	ne, bne := shapeOf(op.Src[0]), shapeOf(op.Src[1])
	switch op.Code {
	case OpAdd:
		kernels.Add(dst, a, ne, b, bne)
	case OpSub:
		kernels.Sub(dst, a, ne, b, bne)
	case OpMul:
		kernels.Mul(dst, a, ne, b, bne)
	case OpDiv:
		kernels.Div(dst, a, ne, b, bne)
	}
	e.storeF32(op.Dst, dst)
}

func (e *Engine) unary(op *Op) {
	src := e.loadF32(op.Src[0])
	dst := make([]float32, len(src))
	switch op.Code {
	case OpScale:
		kernels.Scale(dst, src, op.Params.Scale)
	case OpClamp:
		kernels.Clamp(dst, src, op.Params.Lo, op.Params.Hi)
	case OpSqr:
		kernels.Sqr(dst, src)
	case OpNeg:
		kernels.Neg(dst, src)
	case OpRelu:
		kernels.Relu(dst, src)
	case OpSilu:
		kernels.Silu(dst, src)
	case OpGelu:
		kernels.Gelu(dst, src)
	case OpGeluQuick:
		kernels.GeluQuick(dst, src)
	}
	e.storeF32(op.Dst, dst)
}

func (e *Engine) norm(op *Op) {
	src := e.loadF32(op.Src[0])
	dst := make([]float32, len(src))
	rowLen := int(op.Src[0].Ne[0])
	switch op.Code {
	case OpLayerNorm:
		kernels.LayerNorm(dst, src, rowLen, op.Params.Eps)
	case OpRMSNorm:
		kernels.RMSNorm(dst, src, rowLen, op.Params.Eps)
	case OpGroupNorm:
		kernels.GroupNorm(dst, src, rowLen, int(op.Src[0].Ne[1]), int(op.Params.Groups), op.Params.Eps)
	}
	e.storeF32(op.Dst, dst)
}

func (e *Engine) softmax(op *Op) {
	src := e.loadF32(op.Src[0])
	var mask []float32
	if op.Src[1] != nil {
		mask = e.loadF32(op.Src[1])
	}
	dst := make([]float32, len(src))
	scale := op.Params.Scale
	if scale == 0 {
		scale = 1
	}
	heads := int(op.Params.Heads)
	if heads == 0 {
		heads = 1
	}
	kernels.SoftmaxExt(dst, src, mask, int(op.Src[0].Ne[0]), scale, op.Params.MaxBias,
		int(op.Params.Head), heads)
	e.storeF32(op.Dst, dst)
}

// rope rotates rows in place semantics: dst gets the rotated copy of
// src. Row r sits at position NPast+r.
func (e *Engine) rope(op *Op) {
	src := op.Src[0]
	headDim := int(op.Params.HeadDim)
	heads := int(op.Params.Heads)
	if headDim == 0 || heads == 0 {
		panic(fmt.Sprintf("dispatch: rope on %s without head geometry", src.Name))
	}
	if int64(headDim*heads) != src.Ne[0] {
		panic(fmt.Sprintf("dispatch: rope heads %dx%d over rows of %d", heads, headDim, src.Ne[0]))
	}
	x := e.loadF32(src)
	rows := int(src.NumElems() / src.Ne[0])
	pos := make([]int32, rows)
	for r := range pos {
		pos[r] = op.Params.NPast + int32(r)
	}
	kernels.Rope(x, headDim, heads, pos, op.Params.Rope)
	e.storeF32(op.Dst, x)
}

func (e *Engine) argsort(op *Op) {
	src := e.loadF32(op.Src[0])
	idx := make([]int32, len(src))
	kernels.Argsort(idx, src, int(op.Src[0].Ne[0]), op.Params.Order)
	// Index output rides in an f32 tensor; values are exact up to 2^24.
	out := make([]float32, len(idx))
	for i, v := range idx {
		out[i] = float32(v)
	}
	e.storeF32(op.Dst, out)
}

func shapeOf(t *tensor.Tensor) kernels.Shape {
	return kernels.Shape{t.Ne[0], t.Ne[1], t.Ne[2], t.Ne[3]}
}

// bytesOf resolves the backing bytes of a host- or device-placed
// tensor. Row-split tensors are handled by the matmul path only.
func (e *Engine) bytesOf(t *tensor.Tensor) []byte {
	switch t.Placement {
	case tensor.OnHost:
		return t.Host
	case tensor.OnDevice:
		return e.ctx.Device(t.Device).Bytes(device.Buffer{ID: t.Buffer, Device: t.Device, Size: t.ByteSize()})
	}
	panic(fmt.Sprintf("dispatch: %s tensor %s where host or device residency is required", t.Placement, t.Name))
}

// loadF32 decodes a whole dense tensor to float32. Quantized sources
// decode through their codec, row by row.
func (e *Engine) loadF32(t *tensor.Tensor) []float32 {
	raw := e.bytesOf(t)
	n := t.NumElems()
	out := make([]float32, n)
	switch t.DType {
	case quant.TypeF32:
		quant.GetF32Row(out, raw[:n*4])
	case quant.TypeF16:
		quant.GetF16Row(out, raw[:n*2])
	default:
		codec := quant.CodecFor(t.DType)
		rb := t.RowBytes()
		rowLen := int(t.Ne[0])
		for r := int64(0); r < t.NumRows(); r++ {
			codec.Dequantize(out[r*int64(rowLen):(r+1)*int64(rowLen)], raw[r*rb:(r+1)*rb])
		}
	}
	return out
}

// storeF32 encodes data into the destination's backing bytes.
func (e *Engine) storeF32(t *tensor.Tensor, data []float32) {
	if int64(len(data)) != t.NumElems() {
		panic(fmt.Sprintf("dispatch: %d elements into tensor %s of %d", len(data), t.Name, t.NumElems()))
	}
	raw := e.bytesOf(t)
	switch t.DType {
	case quant.TypeF32:
		quant.PutF32Row(raw[:len(data)*4], data)
	case quant.TypeF16:
		quant.PutF16Row(raw[:len(data)*2], data)
	default:
		codec := quant.CodecFor(t.DType)
		rb := t.RowBytes()
		rowLen := int(t.Ne[0])
		for r := int64(0); r < t.NumRows(); r++ {
			codec.Quantize(raw[r*rb:(r+1)*rb], data[r*int64(rowLen):(r+1)*int64(rowLen)])
		}
	}
}
