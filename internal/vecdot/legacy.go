package vecdot

import (
	"github.com/kilnml/kiln/internal/simd"
	"github.com/kilnml/kiln/pkg/quant"
)

// The small-block kernels all follow the same shape: pack four codes into
// a word, MAC against the matching query word, then fold the weight
// offset through the query block's s term. Affine formats (Q4_1, Q5_1)
// add m*s; symmetric-shifted formats (Q4_0, Q5_0) subtract shift*d*s/d8,
// which the s term makes free of any per-element work.

func dotQ4_0(blk []byte, q8 *quant.BlockQ8_1) float32 {
	d := fp16(blk)
	qs := blk[2:18]
	var sumi int32
	for j := 0; j < 16; j += 4 {
		v := simd.LoadBytex4(qs, j)
		sumi = simd.Dp4a(v&0x0F0F0F0F, simd.LoadInt8x4(q8.Qs[:], j), sumi)
		sumi = simd.Dp4a((v>>4)&0x0F0F0F0F, simd.LoadInt8x4(q8.Qs[:], j+16), sumi)
	}
	return d*q8.D*float32(sumi) - 8*d*q8.S
}

func dotQ4_1(blk []byte, q8 *quant.BlockQ8_1) float32 {
	d := fp16(blk)
	m := fp16(blk[2:])
	qs := blk[4:20]
	var sumi int32
	for j := 0; j < 16; j += 4 {
		v := simd.LoadBytex4(qs, j)
		sumi = simd.Dp4a(v&0x0F0F0F0F, simd.LoadInt8x4(q8.Qs[:], j), sumi)
		sumi = simd.Dp4a((v>>4)&0x0F0F0F0F, simd.LoadInt8x4(q8.Qs[:], j+16), sumi)
	}
	return d*q8.D*float32(sumi) + m*q8.S
}

// q5Sums accumulates the nibble MAC and the high-bit correction shared by
// the two Q5 kernels. Element j takes bit j of qh; element j+16 bit j+16.
func q5Sums(qs []byte, qh uint32, q8 *quant.BlockQ8_1) int32 {
	var sumi int32
	for j := 0; j < 16; j += 4 {
		v := simd.LoadBytex4(qs, j)
		sumi = simd.Dp4a(v&0x0F0F0F0F, simd.LoadInt8x4(q8.Qs[:], j), sumi)
		sumi = simd.Dp4a((v>>4)&0x0F0F0F0F, simd.LoadInt8x4(q8.Qs[:], j+16), sumi)
	}
	for j := 0; j < 32; j++ {
		if qh>>j&1 != 0 {
			sumi += 16 * int32(q8.Qs[j])
		}
	}
	return sumi
}

func dotQ5_0(blk []byte, q8 *quant.BlockQ8_1) float32 {
	d := fp16(blk)
	sumi := q5Sums(blk[6:22], le32(blk[2:]), q8)
	return d*q8.D*float32(sumi) - 16*d*q8.S
}

func dotQ5_1(blk []byte, q8 *quant.BlockQ8_1) float32 {
	d := fp16(blk)
	m := fp16(blk[2:])
	sumi := q5Sums(blk[8:24], le32(blk[4:]), q8)
	return d*q8.D*float32(sumi) + m*q8.S
}

func dotQ8_0(blk []byte, q8 *quant.BlockQ8_1) float32 {
	d := fp16(blk)
	qs := blk[2:34]
	var sumi int32
	for j := 0; j < 32; j += 4 {
		sumi = simd.Dp4a(simd.LoadBytex4(qs, j), simd.LoadInt8x4(q8.Qs[:], j), sumi)
	}
	return d * q8.D * float32(sumi)
}
