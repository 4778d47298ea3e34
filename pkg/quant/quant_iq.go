package quant

import (
	"math/bits"
	"sync"
)

// Importance-quantized formats. Instead of per-element linear codes, each
// 8-element (iq2) or 4-element (iq3) sub-group selects one row of a shared
// constant codebook and a 7-bit sign pattern; the eighth sign is the odd
// parity of the other seven. The codebooks are process-wide tables built
// once and cached; devices upload them on first use (see the device
// package's constant-table cache).

const (
	iq2GridLen   = 256
	iq2XSGridLen = 512
	iq3GridLen   = 256
)

var (
	iqGridOnce  sync.Once
	iq2xxsGrid  [iq2GridLen]uint64
	iq2xsGrid   [iq2XSGridLen]uint64
	iq3xxsGrid  [iq3GridLen]uint32
	ksignsTable [128]uint8
)

// kmask selects the per-position sign bit of a ksigns entry.
var kmaskIQ2XS = [8]uint8{1, 2, 4, 8, 16, 32, 64, 128}

// iq2 codebook rows draw byte values from the odd ladder {8, 25, 43};
// iq3 rows from {4, 12, 20, 28, 36, 44, 52, 62}. The row contents are
// generated deterministically at first use.
var (
	iq2Values = [3]uint8{8, 25, 43}
	iq3Values = [8]uint8{4, 12, 20, 28, 36, 44, 52, 62}
)

func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func initIQGrids() {
	state := uint64(0x6b79696c6e5f6971) // fixed seed: table contents are part of process identity
	for i := range iq2xxsGrid {
		var row uint64
		r := splitmix64(&state)
		for j := 0; j < 8; j++ {
			row |= uint64(iq2Values[r%3]) << (8 * j)
			r /= 3
		}
		iq2xxsGrid[i] = row
	}
	for i := range iq2xsGrid {
		var row uint64
		r := splitmix64(&state)
		for j := 0; j < 8; j++ {
			row |= uint64(iq2Values[r%3]) << (8 * j)
			r /= 3
		}
		iq2xsGrid[i] = row
	}
	for i := range iq3xxsGrid {
		var row uint32
		r := splitmix64(&state)
		for j := 0; j < 4; j++ {
			row |= uint32(iq3Values[r&7]) << (8 * j)
			r >>= 3
		}
		iq3xxsGrid[i] = row
	}
	for i := range ksignsTable {
		s := uint8(i)
		if bits.OnesCount8(s)%2 == 0 {
			s |= 0x80
		}
		ksignsTable[i] = s
	}
}

// IQ2XXSGrid returns the shared iq2_xxs codebook, building it on first use.
func IQ2XXSGrid() []uint64 {
	iqGridOnce.Do(initIQGrids)
	return iq2xxsGrid[:]
}

// IQ2XSGrid returns the shared iq2_xs codebook.
func IQ2XSGrid() []uint64 {
	iqGridOnce.Do(initIQGrids)
	return iq2xsGrid[:]
}

// IQ3XXSGrid returns the shared iq3_xxs codebook.
func IQ3XXSGrid() []uint32 {
	iqGridOnce.Do(initIQGrids)
	return iq3xxsGrid[:]
}

// KSigns returns the 128-entry sign lookup table; entry i carries the seven
// explicit sign bits plus an eighth bit forcing odd total parity.
func KSigns() []uint8 {
	iqGridOnce.Do(initIQGrids)
	return ksignsTable[:]
}

// KMask returns the per-position sign bit masks.
func KMask() []uint8 { return kmaskIQ2XS[:] }

// signIndex packs the signs of an 8-element sub-group into the 7-bit sign
// index; the eighth sign is implied by parity and flips the remaining
// coordinates' fit, so the encoder folds it into the grid search instead.
func signIndex(x []float32) int {
	idx := 0
	for j := 0; j < 7; j++ {
		if x[j] < 0 {
			idx |= 1 << j
		}
	}
	return idx
}

// bestGridRow8 returns the codebook row minimizing the squared error
// against the magnitudes of an 8-element sub-group scaled by id, honoring
// the sign pattern of signs.
func bestGridRow8(grid []uint64, x []float32, id float32, signs uint8) int {
	best := -1
	bestErr := float32(0)
	for g, row := range grid {
		var err float32
		for j := 0; j < 8; j++ {
			w := float32(uint8(row >> (8 * j)))
			if signs&kmaskIQ2XS[j] != 0 {
				w = -w
			}
			diff := x[j]*id - w
			err += diff * diff
		}
		if best < 0 || err < bestErr {
			best = g
			bestErr = err
		}
	}
	return best
}

func bestGridRow4(grid []uint32, x []float32, id float32, signs uint8, off int) int {
	best := -1
	bestErr := float32(0)
	for g, row := range grid {
		var err float32
		for j := 0; j < 4; j++ {
			w := float32(uint8(row >> (8 * j)))
			if signs&kmaskIQ2XS[off+j] != 0 {
				w = -w
			}
			diff := x[j]*id - w
			err += diff * diff
		}
		if best < 0 || err < bestErr {
			best = g
			bestErr = err
		}
	}
	return best
}

// IQ2_XXS block layout: fp16 d, then per 32-element group four uint16:
// the first two hold four 8-bit codebook indices, the last two form a
// 32-bit word of four 7-bit sign indices topped by a 4-bit group scale.
type codecIQ2_XXS struct{}

func (codecIQ2_XXS) Type() Type { return TypeIQ2_XXS }

func (codecIQ2_XXS) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeIQ2_XXS, len(src), len(dst))
	grid := IQ2XXSGrid()
	ks := KSigns()
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		out := dst[b*BlockSizeIQ2_XXS : (b+1)*BlockSizeIQ2_XXS]

		var amax float32
		for _, v := range x {
			a := v
			if a < 0 {
				a = -a
			}
			if a > amax {
				amax = a
			}
		}
		// Largest representable magnitude: 0.25 * (0.5+15) * max codebook value.
		d := amax / (0.25 * 15.5 * float32(iq2Values[2]))
		putFP16(out, d)
		qs := out[2:]

		for g := 0; g < 8; g++ {
			gx := x[g*32 : g*32+32]
			var gmax float32
			for _, v := range gx {
				a := v
				if a < 0 {
					a = -a
				}
				if a > gmax {
					gmax = a
				}
			}
			s := 0
			if d != 0 {
				s = clampInt(nearestInt(gmax/(d*0.25*float32(iq2Values[2]))-0.5), 0, 15)
			}
			db := d * 0.25 * (0.5 + float32(s))
			var id float32
			if db != 0 {
				id = 1 / db
			}

			var aux32 uint32
			var idx [4]uint8
			for l := 0; l < 4; l++ {
				sub := gx[l*8 : l*8+8]
				si := signIndex(sub)
				idx[l] = uint8(bestGridRow8(grid, sub, id, ks[si]))
				aux32 |= uint32(si) << (7 * l)
			}
			aux32 |= uint32(s) << 28

			base := g * 8
			qs[base+0] = idx[0]
			qs[base+1] = idx[1]
			qs[base+2] = idx[2]
			qs[base+3] = idx[3]
			qs[base+4] = byte(aux32)
			qs[base+5] = byte(aux32 >> 8)
			qs[base+6] = byte(aux32 >> 16)
			qs[base+7] = byte(aux32 >> 24)
		}
	}
}

func (codecIQ2_XXS) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeIQ2_XXS, len(dst), len(src))
	grid := IQ2XXSGrid()
	ks := KSigns()
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeIQ2_XXS : (b+1)*BlockSizeIQ2_XXS]
		d := getFP16(blk)
		qs := blk[2:]
		y := dst[b*QKK:]

		for g := 0; g < 8; g++ {
			base := g * 8
			aux32 := getU32(qs[base+4:])
			db := d * 0.25 * (0.5 + float32(aux32>>28))
			for l := 0; l < 4; l++ {
				row := grid[qs[base+l]]
				signs := ks[(aux32>>(7*l))&127]
				for j := 0; j < 8; j++ {
					v := db * float32(uint8(row>>(8*j)))
					if signs&kmaskIQ2XS[j] != 0 {
						v = -v
					}
					y[g*32+l*8+j] = v
				}
			}
		}
	}
}

// IQ2_XS block layout: fp16 d, 32 uint16 codes (9-bit codebook index plus
// 7-bit sign index), then 8 scale bytes holding two 4-bit half-group
// scales each.
type codecIQ2_XS struct{}

func (codecIQ2_XS) Type() Type { return TypeIQ2_XS }

func (codecIQ2_XS) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeIQ2_XS, len(src), len(dst))
	grid := IQ2XSGrid()
	ks := KSigns()
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		out := dst[b*BlockSizeIQ2_XS : (b+1)*BlockSizeIQ2_XS]

		var amax float32
		for _, v := range x {
			a := v
			if a < 0 {
				a = -a
			}
			if a > amax {
				amax = a
			}
		}
		d := amax / (0.25 * 15.5 * float32(iq2Values[2]))
		putFP16(out, d)
		qs := out[2 : 2+QKK/4]
		scales := out[2+QKK/4:]

		for g := 0; g < 8; g++ {
			gx := x[g*32 : g*32+32]
			var sc [2]int
			for h := 0; h < 2; h++ {
				hx := gx[h*16 : h*16+16]
				var hmax float32
				for _, v := range hx {
					a := v
					if a < 0 {
						a = -a
					}
					if a > hmax {
						hmax = a
					}
				}
				s := 0
				if d != 0 {
					s = clampInt(nearestInt(hmax/(d*0.25*float32(iq2Values[2]))-0.5), 0, 15)
				}
				sc[h] = s
				db := d * 0.25 * (0.5 + float32(s))
				var id float32
				if db != 0 {
					id = 1 / db
				}
				for l := 0; l < 2; l++ {
					sub := hx[l*8 : l*8+8]
					si := signIndex(sub)
					gi := bestGridRow8(grid, sub, id, ks[si])
					code := uint16(gi) | uint16(si)<<9
					off := (g*4 + h*2 + l) * 2
					qs[off] = byte(code)
					qs[off+1] = byte(code >> 8)
				}
			}
			scales[g] = byte(sc[0]) | byte(sc[1])<<4
		}
	}
}

func (codecIQ2_XS) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeIQ2_XS, len(dst), len(src))
	grid := IQ2XSGrid()
	ks := KSigns()
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeIQ2_XS : (b+1)*BlockSizeIQ2_XS]
		d := getFP16(blk)
		qs := blk[2 : 2+QKK/4]
		scales := blk[2+QKK/4:]
		y := dst[b*QKK:]

		for g := 0; g < 8; g++ {
			ls := [2]float32{
				d * 0.25 * (0.5 + float32(scales[g]&0xF)),
				d * 0.25 * (0.5 + float32(scales[g]>>4)),
			}
			for l := 0; l < 4; l++ {
				off := (g*4 + l) * 2
				code := uint16(qs[off]) | uint16(qs[off+1])<<8
				row := grid[code&511]
				signs := ks[code>>9]
				db := ls[l/2]
				for j := 0; j < 8; j++ {
					v := db * float32(uint8(row>>(8*j)))
					if signs&kmaskIQ2XS[j] != 0 {
						v = -v
					}
					y[g*32+l*8+j] = v
				}
			}
		}
	}
}

// IQ3_XXS block layout: fp16 d, 64 bytes of 8-bit codebook indices (one
// per 4-element sub-group), then per 32-element group a 32-bit word of
// four 7-bit sign indices (each covering an 8-element pair of sub-groups)
// topped by the 4-bit group scale.
type codecIQ3_XXS struct{}

func (codecIQ3_XXS) Type() Type { return TypeIQ3_XXS }

func (codecIQ3_XXS) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeIQ3_XXS, len(src), len(dst))
	grid := IQ3XXSGrid()
	ks := KSigns()
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		out := dst[b*BlockSizeIQ3_XXS : (b+1)*BlockSizeIQ3_XXS]

		var amax float32
		for _, v := range x {
			a := v
			if a < 0 {
				a = -a
			}
			if a > amax {
				amax = a
			}
		}
		d := amax / (0.5 * 15.5 * float32(iq3Values[7]))
		putFP16(out, d)
		qs := out[2 : 2+QKK/4]
		gas := out[2+QKK/4:]

		for g := 0; g < 8; g++ {
			gx := x[g*32 : g*32+32]
			var gmax float32
			for _, v := range gx {
				a := v
				if a < 0 {
					a = -a
				}
				if a > gmax {
					gmax = a
				}
			}
			s := 0
			if d != 0 {
				s = clampInt(nearestInt(gmax/(d*0.5*float32(iq3Values[7]))-0.5), 0, 15)
			}
			db := d * 0.5 * (0.5 + float32(s))
			var id float32
			if db != 0 {
				id = 1 / db
			}

			var aux32 uint32
			for l := 0; l < 4; l++ {
				sub := gx[l*8 : l*8+8]
				si := signIndex(sub)
				signs := ks[si]
				aux32 |= uint32(si) << (7 * l)
				qs[g*8+2*l] = byte(bestGridRow4(grid, sub[:4], id, signs, 0))
				qs[g*8+2*l+1] = byte(bestGridRow4(grid, sub[4:], id, signs, 4))
			}
			aux32 |= uint32(s) << 28

			gas[g*4] = byte(aux32)
			gas[g*4+1] = byte(aux32 >> 8)
			gas[g*4+2] = byte(aux32 >> 16)
			gas[g*4+3] = byte(aux32 >> 24)
		}
	}
}

func (codecIQ3_XXS) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeIQ3_XXS, len(dst), len(src))
	grid := IQ3XXSGrid()
	ks := KSigns()
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeIQ3_XXS : (b+1)*BlockSizeIQ3_XXS]
		d := getFP16(blk)
		qs := blk[2 : 2+QKK/4]
		gas := blk[2+QKK/4:]
		y := dst[b*QKK:]

		for g := 0; g < 8; g++ {
			aux32 := getU32(gas[g*4:])
			db := d * 0.5 * (0.5 + float32(aux32>>28))
			for l := 0; l < 4; l++ {
				row1 := grid[qs[g*8+2*l]]
				row2 := grid[qs[g*8+2*l+1]]
				signs := ks[(aux32>>(7*l))&127]
				for j := 0; j < 4; j++ {
					v1 := db * float32(uint8(row1>>(8*j)))
					if signs&kmaskIQ2XS[j] != 0 {
						v1 = -v1
					}
					v2 := db * float32(uint8(row2>>(8*j)))
					if signs&kmaskIQ2XS[j+4] != 0 {
						v2 = -v2
					}
					y[g*32+l*8+j] = v1
					y[g*32+l*8+j+4] = v2
				}
			}
		}
	}
}

func init() {
	registerCodec(codecIQ2_XXS{})
	registerCodec(codecIQ2_XS{})
	registerCodec(codecIQ3_XXS{})
}
