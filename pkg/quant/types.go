// Package quant implements the block quantization codec: the binary block
// formats used for compressed tensor storage and the per-format encode and
// decode routines. Block layouts are a wire format; readers of pre-quantized
// checkpoints depend on the exact byte layout, not just the decoded values.
package quant

import "fmt"

// Type identifies a tensor element format.
type Type uint8

const (
	TypeF32 Type = iota
	TypeF16
	TypeQ4_0
	TypeQ4_1
	TypeQ5_0
	TypeQ5_1
	TypeQ8_0
	TypeQ8_1
	TypeQ2_K
	TypeQ3_K
	TypeQ4_K
	TypeQ5_K
	TypeQ6_K
	TypeQ8_K
	TypeIQ2_XXS
	TypeIQ2_XS
	TypeIQ3_XXS

	typeCount
)

const (
	// QK is the element count of the small block formats.
	QK = 32
	// QKK is the element count of the super-block (K and IQ) formats.
	QKK = 256
)

// Block byte sizes. Each layout is fixed; see the per-format files.
const (
	BlockSizeQ4_0    = 2 + QK/2            // fp16 d + 16 packed nibbles
	BlockSizeQ4_1    = 2 + 2 + QK/2        // fp16 d, fp16 m
	BlockSizeQ5_0    = 2 + 4 + QK/2        // fp16 d, 32 high bits, nibbles
	BlockSizeQ5_1    = 2 + 2 + 4 + QK/2    // fp16 d, fp16 m, high bits
	BlockSizeQ8_0    = 2 + QK              // fp16 d + 32 int8
	BlockSizeQ8_1    = 2 + 2 + QK          // fp16 d, fp16 s = d*sum(q)
	BlockSizeQ2_K    = 16 + QKK/4 + 2 + 2  // scales, 2-bit codes, d, dmin
	BlockSizeQ3_K    = QKK/8 + QKK/4 + 12 + 2
	BlockSizeQ4_K    = 2 + 2 + 12 + QKK/2
	BlockSizeQ5_K    = 2 + 2 + 12 + QKK/8 + QKK/2
	BlockSizeQ6_K    = QKK/2 + QKK/4 + QKK/16 + 2
	BlockSizeQ8_K    = 4 + QKK + QKK/16*2 // f32 d, int8 codes, 16 group sums
	BlockSizeIQ2_XXS = 2 + QKK/4
	BlockSizeIQ2_XS  = 2 + QKK/4 + QKK/32
	BlockSizeIQ3_XXS = 2 + QKK*3/8
)

// Trait describes the storage geometry of a format.
type Trait struct {
	Name      string
	BlockLen  int // source elements per block
	BlockSize int // encoded bytes per block
	Quantized bool
}

var traits = [typeCount]Trait{
	TypeF32:     {Name: "f32", BlockLen: 1, BlockSize: 4},
	TypeF16:     {Name: "f16", BlockLen: 1, BlockSize: 2},
	TypeQ4_0:    {Name: "q4_0", BlockLen: QK, BlockSize: BlockSizeQ4_0, Quantized: true},
	TypeQ4_1:    {Name: "q4_1", BlockLen: QK, BlockSize: BlockSizeQ4_1, Quantized: true},
	TypeQ5_0:    {Name: "q5_0", BlockLen: QK, BlockSize: BlockSizeQ5_0, Quantized: true},
	TypeQ5_1:    {Name: "q5_1", BlockLen: QK, BlockSize: BlockSizeQ5_1, Quantized: true},
	TypeQ8_0:    {Name: "q8_0", BlockLen: QK, BlockSize: BlockSizeQ8_0, Quantized: true},
	TypeQ8_1:    {Name: "q8_1", BlockLen: QK, BlockSize: BlockSizeQ8_1, Quantized: true},
	TypeQ2_K:    {Name: "q2_k", BlockLen: QKK, BlockSize: BlockSizeQ2_K, Quantized: true},
	TypeQ3_K:    {Name: "q3_k", BlockLen: QKK, BlockSize: BlockSizeQ3_K, Quantized: true},
	TypeQ4_K:    {Name: "q4_k", BlockLen: QKK, BlockSize: BlockSizeQ4_K, Quantized: true},
	TypeQ5_K:    {Name: "q5_k", BlockLen: QKK, BlockSize: BlockSizeQ5_K, Quantized: true},
	TypeQ6_K:    {Name: "q6_k", BlockLen: QKK, BlockSize: BlockSizeQ6_K, Quantized: true},
	TypeQ8_K:    {Name: "q8_k", BlockLen: QKK, BlockSize: BlockSizeQ8_K, Quantized: true},
	TypeIQ2_XXS: {Name: "iq2_xxs", BlockLen: QKK, BlockSize: BlockSizeIQ2_XXS, Quantized: true},
	TypeIQ2_XS:  {Name: "iq2_xs", BlockLen: QKK, BlockSize: BlockSizeIQ2_XS, Quantized: true},
	TypeIQ3_XXS: {Name: "iq3_xxs", BlockLen: QKK, BlockSize: BlockSizeIQ3_XXS, Quantized: true},
}

// TypeCount returns the number of defined type tags; valid tags are
// [0, TypeCount).
func TypeCount() Type { return typeCount }

// TraitOf returns the trait record for t. Unknown types are a caller bug.
func TraitOf(t Type) Trait {
	if int(t) >= len(traits) || traits[t].BlockLen == 0 {
		panic(fmt.Sprintf("quant: unknown type %d", t))
	}
	return traits[t]
}

func (t Type) String() string { return TraitOf(t).Name }

// IsQuantized reports whether t is a block-compressed format.
func (t Type) IsQuantized() bool { return TraitOf(t).Quantized }

// RowSize returns the encoded byte size of n elements of type t.
// n must be a multiple of the block length.
func RowSize(t Type, n int) int {
	tr := TraitOf(t)
	if n%tr.BlockLen != 0 {
		panic(fmt.Sprintf("quant: %s row length %d not a multiple of block length %d", tr.Name, n, tr.BlockLen))
	}
	return n / tr.BlockLen * tr.BlockSize
}

// Codec is the per-format capability set. Every quantized format implements
// encode and decode; formats usable as matmul weights also implement a
// fixed-point dot product against a Q8-quantized query block (see the
// vecdot package, which consumes the raw layouts directly).
type Codec interface {
	Type() Type
	// Quantize encodes src (len a multiple of the block length) into dst,
	// which must have room for RowSize(t, len(src)) bytes.
	Quantize(dst []byte, src []float32)
	// Dequantize decodes src into dst. len(dst) must be a multiple of the
	// block length and src must hold exactly RowSize(t, len(dst)) bytes.
	Dequantize(dst []float32, src []byte)
}

var codecs [typeCount]Codec

func registerCodec(c Codec) {
	codecs[c.Type()] = c
}

// CodecFor returns the codec for t. Requesting a codec for a dense or
// unknown type is a caller bug.
func CodecFor(t Type) Codec {
	if int(t) >= len(codecs) || codecs[t] == nil {
		panic(fmt.Sprintf("quant: no codec for type %s", TraitOf(t).Name))
	}
	return codecs[t]
}

// checkRow validates the dst/src pairing for a row encode.
func checkRow(t Type, elems, encoded int) int {
	tr := TraitOf(t)
	if elems%tr.BlockLen != 0 {
		panic(fmt.Sprintf("quant: %s: %d elements not a multiple of block length %d", tr.Name, elems, tr.BlockLen))
	}
	blocks := elems / tr.BlockLen
	if encoded < blocks*tr.BlockSize {
		panic(fmt.Sprintf("quant: %s: encoded buffer %d bytes, need %d", tr.Name, encoded, blocks*tr.BlockSize))
	}
	return blocks
}
