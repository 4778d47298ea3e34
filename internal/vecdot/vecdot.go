// Package vecdot implements the fixed-point dot-product kernels used by
// the matrix-multiply dispatcher. Each kernel consumes one raw weight
// block plus one block of the quantized query and accumulates entirely in
// integers, scaling by the block constants only at the end. Small-block
// formats pair with a Q8_1 query block; super-block formats pair with
// Q8_K and lean on its per-16 group sums to fold offsets without touching
// individual codes.
package vecdot

import (
	"fmt"

	"github.com/kilnml/kiln/pkg/quant"
)

// Kernel81 computes the dot product of one 32-element weight block
// against one Q8_1 query block.
type Kernel81 func(blk []byte, q8 *quant.BlockQ8_1) float32

// Kernel8K computes the dot product of one 256-element weight block
// against one Q8_K query block.
type Kernel8K func(blk []byte, q8 *quant.BlockQ8_K) float32

var kernels81 = map[quant.Type]Kernel81{
	quant.TypeQ4_0: dotQ4_0,
	quant.TypeQ4_1: dotQ4_1,
	quant.TypeQ5_0: dotQ5_0,
	quant.TypeQ5_1: dotQ5_1,
	quant.TypeQ8_0: dotQ8_0,
}

var kernels8K = map[quant.Type]Kernel8K{
	quant.TypeQ2_K:    dotQ2_K,
	quant.TypeQ3_K:    dotQ3_K,
	quant.TypeQ4_K:    dotQ4_K,
	quant.TypeQ5_K:    dotQ5_K,
	quant.TypeQ6_K:    dotQ6_K,
	quant.TypeIQ2_XXS: dotIQ2_XXS,
	quant.TypeIQ2_XS:  dotIQ2_XS,
	quant.TypeIQ3_XXS: dotIQ3_XXS,
}

// Supported reports whether t has a fixed-point kernel.
func Supported(t quant.Type) bool {
	_, ok := kernels81[t]
	if !ok {
		_, ok = kernels8K[t]
	}
	return ok
}

// UsesQ8K reports which query quantization t pairs with.
func UsesQ8K(t quant.Type) bool {
	_, ok := kernels8K[t]
	return ok
}

// RowQ8_1 computes the dot product of a full quantized weight row against
// a Q8_1-quantized query. The row must hold exactly len(q) blocks.
func RowQ8_1(t quant.Type, row []byte, q []quant.BlockQ8_1) float32 {
	k, ok := kernels81[t]
	if !ok {
		panic(fmt.Sprintf("vecdot: no q8_1 kernel for %s", t))
	}
	bs := quant.TraitOf(t).BlockSize
	if len(row) != len(q)*bs {
		panic(fmt.Sprintf("vecdot: %s row of %d bytes does not hold %d blocks", t, len(row), len(q)))
	}
	var sum float32
	for i := range q {
		sum += k(row[i*bs:(i+1)*bs], &q[i])
	}
	return sum
}

// RowQ8_K is the super-block counterpart of RowQ8_1.
func RowQ8_K(t quant.Type, row []byte, q []quant.BlockQ8_K) float32 {
	k, ok := kernels8K[t]
	if !ok {
		panic(fmt.Sprintf("vecdot: no q8_k kernel for %s", t))
	}
	bs := quant.TraitOf(t).BlockSize
	if len(row) != len(q)*bs {
		panic(fmt.Sprintf("vecdot: %s row of %d bytes does not hold %d blocks", t, len(row), len(q)))
	}
	var sum float32
	for i := range q {
		sum += k(row[i*bs:(i+1)*bs], &q[i])
	}
	return sum
}

// Query holds a query vector quantized for kernel consumption; exactly one
// of the two forms is populated, matching the weight format family.
type Query struct {
	Q81 []quant.BlockQ8_1
	Q8K []quant.BlockQ8_K
}

// QuantizeQuery quantizes x into the form the kernels for t consume.
// len(x) must be a multiple of the block length of t.
func QuantizeQuery(t quant.Type, x []float32) *Query {
	if UsesQ8K(t) {
		if len(x)%quant.QKK != 0 {
			panic(fmt.Sprintf("vecdot: query length %d not a multiple of %d", len(x), quant.QKK))
		}
		q := make([]quant.BlockQ8_K, len(x)/quant.QKK)
		quant.QuantizeRowQ8_K(x, q)
		return &Query{Q8K: q}
	}
	if len(x)%quant.QK != 0 {
		panic(fmt.Sprintf("vecdot: query length %d not a multiple of %d", len(x), quant.QK))
	}
	q := make([]quant.BlockQ8_1, len(x)/quant.QK)
	quant.QuantizeRowQ8_1(x, q)
	return &Query{Q81: q}
}

// Row dispatches to the kernel family matching the populated query form.
func Row(t quant.Type, row []byte, q *Query) float32 {
	if q.Q8K != nil {
		return RowQ8_K(t, row, q.Q8K)
	}
	return RowQ8_1(t, row, q.Q81)
}

func fp16(b []byte) float32 {
	return quant.Float16ToFloat32(uint16(b[0]) | uint16(b[1])<<8)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
