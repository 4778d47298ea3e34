// Package dispatch routes operation records to the kernel library and,
// for matrix multiplication, picks an execution strategy from the
// operand shapes, types and residency. One Compute call handles one
// destination tensor; the caller serializes calls per output.
package dispatch

import (
	"fmt"

	"github.com/kilnml/kiln/internal/kernels"
	"github.com/kilnml/kiln/internal/tensor"
)

// OpCode names one operation of the dispatch surface.
type OpCode uint8

const (
	OpNone OpCode = iota

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpScale
	OpClamp
	OpSqr
	OpNeg
	OpRelu
	OpSilu
	OpGelu
	OpGeluQuick

	OpLayerNorm
	OpRMSNorm
	OpGroupNorm
	OpSoftmax
	OpDiagMaskInf
	OpRope
	OpArgsort

	OpIm2Col
	OpPool2D
	OpUpscale
	OpPad
	OpRepeat
	OpConcat
	OpSumRows

	OpMatMul
)

var opNames = map[OpCode]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpScale: "scale", OpClamp: "clamp", OpSqr: "sqr", OpNeg: "neg",
	OpRelu: "relu", OpSilu: "silu", OpGelu: "gelu", OpGeluQuick: "gelu_quick",
	OpLayerNorm: "layer_norm", OpRMSNorm: "rms_norm", OpGroupNorm: "group_norm",
	OpSoftmax: "softmax", OpDiagMaskInf: "diag_mask_inf", OpRope: "rope",
	OpArgsort: "argsort",
	OpIm2Col:  "im2col", OpPool2D: "pool2d", OpUpscale: "upscale", OpPad: "pad",
	OpRepeat: "repeat", OpConcat: "concat", OpSumRows: "sum_rows",
	OpMatMul: "matmul",
}

func (c OpCode) String() string {
	if s, ok := opNames[c]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(c))
}

// Params is the fixed parameter block attached to an Op. Each op reads
// the fields it names and ignores the rest.
type Params struct {
	Eps     float32 // layer/rms/group norm
	Scale   float32 // scale, softmax logit scale
	Lo, Hi  float32 // clamp bounds
	MaxBias float32 // softmax ALiBi
	Head    int32   // softmax ALiBi head index
	Heads   int32   // softmax ALiBi head count
	NPast   int32   // diag mask shift; rope base position

	Rope kernels.RopeParams
	Conv kernels.Conv2DParams
	Pool kernels.PoolKind

	Order   kernels.SortOrder
	Dim     int32    // concat axis
	Offsets [4]int64 // pad leading offsets
	Upscale [2]int32 // nearest-neighbour factors (w, h)
	Groups  int32    // group norm
	HeadDim int32    // rope: elements per head; Heads covers the count
}

// Op is one operation record: an op code, up to three sources, one
// destination and the parameter block.
type Op struct {
	Code   OpCode
	Src    [3]*tensor.Tensor
	Dst    *tensor.Tensor
	Params Params
}
