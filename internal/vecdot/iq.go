package vecdot

import "github.com/kilnml/kiln/pkg/quant"

// Codebook kernels. The integer partial of each 32-element group is the
// signed grid bytes against the query codes; the group's 4-bit scale is
// applied as (0.5+s) in float, matching the decode path bit for bit.

func dotIQ2_XXS(blk []byte, q8 *quant.BlockQ8_K) float32 {
	d := fp16(blk)
	qs := blk[2:]
	grid := quant.IQ2XXSGrid()
	ks := quant.KSigns()
	km := quant.KMask()

	var sum float32
	for g := 0; g < 8; g++ {
		base := g * 8
		aux32 := le32(qs[base+4:])
		var si int32
		for l := 0; l < 4; l++ {
			row := grid[qs[base+l]]
			signs := ks[(aux32>>(7*l))&127]
			for j := 0; j < 8; j++ {
				v := int32(uint8(row >> (8 * j)))
				if signs&km[j] != 0 {
					v = -v
				}
				si += v * int32(q8.Qs[g*32+l*8+j])
			}
		}
		sum += float32(si) * (0.5 + float32(aux32>>28))
	}
	return d * 0.25 * q8.D * sum
}

func dotIQ2_XS(blk []byte, q8 *quant.BlockQ8_K) float32 {
	d := fp16(blk)
	qs := blk[2 : 2+quant.QKK/4]
	scales := blk[2+quant.QKK/4:]
	grid := quant.IQ2XSGrid()
	ks := quant.KSigns()
	km := quant.KMask()

	var sum float32
	for g := 0; g < 8; g++ {
		ls := [2]float32{
			0.5 + float32(scales[g]&0xF),
			0.5 + float32(scales[g]>>4),
		}
		var si [2]int32
		for l := 0; l < 4; l++ {
			off := (g*4 + l) * 2
			code := uint16(qs[off]) | uint16(qs[off+1])<<8
			row := grid[code&511]
			signs := ks[code>>9]
			for j := 0; j < 8; j++ {
				v := int32(uint8(row >> (8 * j)))
				if signs&km[j] != 0 {
					v = -v
				}
				si[l/2] += v * int32(q8.Qs[g*32+l*8+j])
			}
		}
		sum += float32(si[0])*ls[0] + float32(si[1])*ls[1]
	}
	return d * 0.25 * q8.D * sum
}

func dotIQ3_XXS(blk []byte, q8 *quant.BlockQ8_K) float32 {
	d := fp16(blk)
	qs := blk[2 : 2+quant.QKK/4]
	gas := blk[2+quant.QKK/4:]
	grid := quant.IQ3XXSGrid()
	ks := quant.KSigns()
	km := quant.KMask()

	var sum float32
	for g := 0; g < 8; g++ {
		aux32 := le32(gas[g*4:])
		var si int32
		for l := 0; l < 4; l++ {
			row1 := grid[qs[g*8+2*l]]
			row2 := grid[qs[g*8+2*l+1]]
			signs := ks[(aux32>>(7*l))&127]
			for j := 0; j < 4; j++ {
				v1 := int32(uint8(row1 >> (8 * j)))
				if signs&km[j] != 0 {
					v1 = -v1
				}
				v2 := int32(uint8(row2 >> (8 * j)))
				if signs&km[j+4] != 0 {
					v2 = -v2
				}
				si += v1*int32(q8.Qs[g*32+l*8+j]) + v2*int32(q8.Qs[g*32+l*8+j+4])
			}
		}
		sum += float32(si) * (0.5 + float32(aux32>>28))
	}
	return d * 0.5 * q8.D * sum
}
