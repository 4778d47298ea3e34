package quant

// Super-block formats: 256 elements per block with a two-level scale
// encoding. The outer half-precision scale(s) multiply compact 4- or 6-bit
// per-group scales packed into a shared byte array. The packing layouts
// below are wire formats; the bit shuffles must not be rearranged.

// Q2_K block layout:
//
//	scales[16]  4-bit scale | 4-bit min per 16-element group
//	qs[64]      2-bit codes
//	d, dmin     fp16 outer scale and outer min
const (
	q2kScalesOff = 0
	q2kQsOff     = 16
	q2kDOff      = 16 + QKK/4
)

type codecQ2_K struct{}

func (codecQ2_K) Type() Type { return TypeQ2_K }

func (codecQ2_K) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ2_K, len(src), len(dst))
	var L [QKK]uint8
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		out := dst[b*BlockSizeQ2_K : (b+1)*BlockSizeQ2_K]

		var scales, mins [16]float32
		var maxScale, maxMin float32
		for g := 0; g < 16; g++ {
			gx := x[g*16 : g*16+16]
			gmin, gmax := gx[0], gx[0]
			for _, v := range gx[1:] {
				if v < gmin {
					gmin = v
				}
				if v > gmax {
					gmax = v
				}
			}
			if gmin > 0 {
				gmin = 0
			}
			scales[g] = (gmax - gmin) / 3
			mins[g] = -gmin
			if scales[g] > maxScale {
				maxScale = scales[g]
			}
			if mins[g] > maxMin {
				maxMin = mins[g]
			}
		}

		d := maxScale / 15
		dmin := maxMin / 15
		putFP16(out[q2kDOff:], d)
		putFP16(out[q2kDOff+2:], dmin)

		for g := 0; g < 16; g++ {
			ls, lm := 0, 0
			if d != 0 {
				ls = clampInt(nearestInt(scales[g]/d), 0, 15)
			}
			if dmin != 0 {
				lm = clampInt(nearestInt(mins[g]/dmin), 0, 15)
			}
			out[q2kScalesOff+g] = byte(ls) | byte(lm)<<4

			dl := d * float32(ls)
			ml := dmin * float32(lm)
			for l := 0; l < 16; l++ {
				q := 0
				if dl != 0 {
					q = clampInt(nearestInt((x[g*16+l]+ml)/dl), 0, 3)
				}
				L[g*16+l] = uint8(q)
			}
		}

		qs := out[q2kQsOff : q2kQsOff+QKK/4]
		for j := 0; j < QKK; j += 128 {
			for l := 0; l < 32; l++ {
				qs[j/4+l] = L[j+l] | L[j+l+32]<<2 | L[j+l+64]<<4 | L[j+l+96]<<6
			}
		}
	}
}

func (codecQ2_K) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ2_K, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ2_K : (b+1)*BlockSizeQ2_K]
		d := getFP16(blk[q2kDOff:])
		dmin := getFP16(blk[q2kDOff+2:])
		scales := blk[q2kScalesOff : q2kScalesOff+16]
		q := blk[q2kQsOff:]
		y := dst[b*QKK:]

		yi := 0
		is := 0
		for n := 0; n < QKK; n += 128 {
			shift := 0
			for j := 0; j < 4; j++ {
				sc := scales[is]
				is++
				dl := d * float32(sc&0xF)
				ml := dmin * float32(sc>>4)
				for l := 0; l < 16; l++ {
					y[yi] = dl*float32((q[l]>>shift)&3) - ml
					yi++
				}
				sc = scales[is]
				is++
				dl = d * float32(sc&0xF)
				ml = dmin * float32(sc>>4)
				for l := 16; l < 32; l++ {
					y[yi] = dl*float32((q[l]>>shift)&3) - ml
					yi++
				}
				shift += 2
			}
			q = q[32:]
		}
	}
}

// Q3_K block layout:
//
//	hmask[32]   high (3rd) bit per element; a set bit adds 4 to the code
//	qs[64]      2-bit low codes
//	scales[12]  16 signed 6-bit group scales, split 4+2 bits
//	d           fp16 outer scale
const (
	q3kHMaskOff  = 0
	q3kQsOff     = QKK / 8
	q3kScalesOff = QKK/8 + QKK/4
	q3kDOff      = QKK/8 + QKK/4 + 12
)

// q3kScale extracts the j-th signed 6-bit scale from the packed 12 bytes.
func q3kScale(scales []byte, j int) int {
	lo := int(scales[j%8]>>(4*(j/8))) & 0xF
	hi := int(scales[8+j%4]>>(2*(j/4))) & 3
	return (lo | hi<<4) - 32
}

func q3kPackScales(scales []byte, vals *[16]int) {
	for i := range 12 {
		scales[i] = 0
	}
	for j, v := range vals {
		l := uint8(clampInt(v, -32, 31) + 32)
		if j < 8 {
			scales[j] |= l & 0xF
		} else {
			scales[j-8] |= (l & 0xF) << 4
		}
		scales[8+j%4] |= (l >> 4) << (2 * (j / 4))
	}
}

type codecQ3_K struct{}

func (codecQ3_K) Type() Type { return TypeQ3_K }

func (codecQ3_K) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ3_K, len(src), len(dst))
	var L [QKK]uint8
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		out := dst[b*BlockSizeQ3_K : (b+1)*BlockSizeQ3_K]

		var gs [16]float32
		var amaxScale, maxScale float32
		for g := 0; g < 16; g++ {
			gx := x[g*16 : g*16+16]
			var amax, max float32
			for _, v := range gx {
				a := v
				if a < 0 {
					a = -a
				}
				if a > amax {
					amax = a
					max = v
				}
			}
			gs[g] = max / -4
			if a := amax / 4; a > amaxScale {
				amaxScale = a
				maxScale = gs[g]
			}
		}

		var d float32
		if maxScale != 0 {
			d = maxScale / -32
		}
		putFP16(out[q3kDOff:], d)

		var ls [16]int
		var id float32
		if d != 0 {
			id = 1 / d
		}
		for g := 0; g < 16; g++ {
			ls[g] = clampInt(nearestInt(gs[g]*id), -32, 31)
		}
		q3kPackScales(out[q3kScalesOff:q3kScalesOff+12], &ls)

		for g := 0; g < 16; g++ {
			dl := d * float32(ls[g])
			for l := 0; l < 16; l++ {
				q := 0
				if dl != 0 {
					q = clampInt(nearestInt(x[g*16+l]/dl), -4, 3)
				}
				L[g*16+l] = uint8(q + 4)
			}
		}

		hmask := out[q3kHMaskOff : q3kHMaskOff+32]
		for i := range hmask {
			hmask[i] = 0
		}
		qs := out[q3kQsOff : q3kQsOff+QKK/4]
		for j := 0; j < QKK; j += 128 {
			for l := 0; l < 32; l++ {
				qs[j/4+l] = L[j+l]&3 | (L[j+l+32]&3)<<2 | (L[j+l+64]&3)<<4 | (L[j+l+96]&3)<<6
			}
		}
		for i := 0; i < QKK; i++ {
			if L[i] >= 4 {
				hmask[i%32] |= 1 << (i / 32)
			}
		}
	}
}

func (codecQ3_K) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ3_K, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ3_K : (b+1)*BlockSizeQ3_K]
		d := getFP16(blk[q3kDOff:])
		hmask := blk[q3kHMaskOff:]
		scales := blk[q3kScalesOff:]
		q := blk[q3kQsOff:]
		y := dst[b*QKK:]

		yi := 0
		is := 0
		m := byte(1)
		for n := 0; n < QKK; n += 128 {
			shift := 0
			for j := 0; j < 4; j++ {
				dl := d * float32(q3kScale(scales, is))
				is++
				for l := 0; l < 16; l++ {
					c := int8((q[l] >> shift) & 3)
					if hmask[l]&m == 0 {
						c -= 4
					}
					y[yi] = dl * float32(c)
					yi++
				}
				dl = d * float32(q3kScale(scales, is))
				is++
				for l := 16; l < 32; l++ {
					c := int8((q[l] >> shift) & 3)
					if hmask[l]&m == 0 {
						c -= 4
					}
					y[yi] = dl * float32(c)
					yi++
				}
				shift += 2
				m <<= 1
			}
			q = q[32:]
		}
	}
}

// Q4_K / Q5_K block layouts share the 6-bit scale/min packing: eight
// (scale, min) pairs across 12 bytes, the high 2 bits of pairs 4..7 stored
// in the top bits of the first 8 bytes.
func getScaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	d := (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return d, m
}

func packScaleMinK4(scales []byte, ls, lm *[8]uint8) {
	for i := range 12 {
		scales[i] = 0
	}
	for j := 0; j < 8; j++ {
		if j < 4 {
			scales[j] = ls[j]
			scales[j+4] = lm[j]
		} else {
			scales[j+4] = (ls[j] & 0xF) | (lm[j]&0xF)<<4
			scales[j-4] |= (ls[j] >> 4) << 6
			scales[j] |= (lm[j] >> 4) << 6
		}
	}
}

const (
	q4kDOff      = 0
	q4kScalesOff = 4
	q4kQsOff     = 16
)

// kSuperScales computes the per-32-group scale/min pairs and the two outer
// scales, with the inner values quantized to 6 bits.
func kSuperScales(x []float32, qmax float32) (d, dmin float32, ls, lm [8]uint8) {
	var scales, mins [8]float32
	var maxScale, maxMin float32
	for g := 0; g < 8; g++ {
		gx := x[g*32 : g*32+32]
		gmin, gmax := gx[0], gx[0]
		for _, v := range gx[1:] {
			if v < gmin {
				gmin = v
			}
			if v > gmax {
				gmax = v
			}
		}
		if gmin > 0 {
			gmin = 0
		}
		scales[g] = (gmax - gmin) / qmax
		mins[g] = -gmin
		if scales[g] > maxScale {
			maxScale = scales[g]
		}
		if mins[g] > maxMin {
			maxMin = mins[g]
		}
	}
	d = maxScale / 63
	dmin = maxMin / 63
	for g := 0; g < 8; g++ {
		if d != 0 {
			ls[g] = uint8(clampInt(nearestInt(scales[g]/d), 0, 63))
		}
		if dmin != 0 {
			lm[g] = uint8(clampInt(nearestInt(mins[g]/dmin), 0, 63))
		}
	}
	return d, dmin, ls, lm
}

type codecQ4_K struct{}

func (codecQ4_K) Type() Type { return TypeQ4_K }

func (codecQ4_K) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ4_K, len(src), len(dst))
	var L [QKK]uint8
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		out := dst[b*BlockSizeQ4_K : (b+1)*BlockSizeQ4_K]

		d, dmin, ls, lm := kSuperScales(x, 15)
		putFP16(out[q4kDOff:], d)
		putFP16(out[q4kDOff+2:], dmin)
		packScaleMinK4(out[q4kScalesOff:q4kScalesOff+12], &ls, &lm)

		for g := 0; g < 8; g++ {
			dl := d * float32(ls[g])
			ml := dmin * float32(lm[g])
			for l := 0; l < 32; l++ {
				q := 0
				if dl != 0 {
					q = clampInt(nearestInt((x[g*32+l]+ml)/dl), 0, 15)
				}
				L[g*32+l] = uint8(q)
			}
		}

		qs := out[q4kQsOff : q4kQsOff+QKK/2]
		for j := 0; j < QKK; j += 64 {
			for l := 0; l < 32; l++ {
				qs[j/2+l] = L[j+l] | L[j+l+32]<<4
			}
		}
	}
}

func (codecQ4_K) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ4_K, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ4_K : (b+1)*BlockSizeQ4_K]
		d := getFP16(blk[q4kDOff:])
		dmin := getFP16(blk[q4kDOff+2:])
		scales := blk[q4kScalesOff:]
		q := blk[q4kQsOff:]
		y := dst[b*QKK:]

		yi := 0
		is := 0
		for j := 0; j < QKK; j += 64 {
			sc1, m1 := getScaleMinK4(is, scales)
			sc2, m2 := getScaleMinK4(is+1, scales)
			d1, mm1 := d*float32(sc1), dmin*float32(m1)
			d2, mm2 := d*float32(sc2), dmin*float32(m2)
			for l := 0; l < 32; l++ {
				y[yi] = d1*float32(q[l]&0x0F) - mm1
				yi++
			}
			for l := 0; l < 32; l++ {
				y[yi] = d2*float32(q[l]>>4) - mm2
				yi++
			}
			q = q[32:]
			is += 2
		}
	}
}

const (
	q5kDOff      = 0
	q5kScalesOff = 4
	q5kQhOff     = 16
	q5kQsOff     = 16 + QKK/8
)

type codecQ5_K struct{}

func (codecQ5_K) Type() Type { return TypeQ5_K }

func (codecQ5_K) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ5_K, len(src), len(dst))
	var L [QKK]uint8
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		out := dst[b*BlockSizeQ5_K : (b+1)*BlockSizeQ5_K]

		d, dmin, ls, lm := kSuperScales(x, 31)
		putFP16(out[q5kDOff:], d)
		putFP16(out[q5kDOff+2:], dmin)
		packScaleMinK4(out[q5kScalesOff:q5kScalesOff+12], &ls, &lm)

		for g := 0; g < 8; g++ {
			dl := d * float32(ls[g])
			ml := dmin * float32(lm[g])
			for l := 0; l < 32; l++ {
				q := 0
				if dl != 0 {
					q = clampInt(nearestInt((x[g*32+l]+ml)/dl), 0, 31)
				}
				L[g*32+l] = uint8(q)
			}
		}

		qh := out[q5kQhOff : q5kQhOff+QKK/8]
		for i := range qh {
			qh[i] = 0
		}
		qs := out[q5kQsOff : q5kQsOff+QKK/2]
		u1, u2 := byte(1), byte(2)
		for j := 0; j < QKK; j += 64 {
			for l := 0; l < 32; l++ {
				qs[j/2+l] = L[j+l]&0x0F | (L[j+l+32]&0x0F)<<4
				if L[j+l] >= 16 {
					qh[l] |= u1
				}
				if L[j+l+32] >= 16 {
					qh[l] |= u2
				}
			}
			u1 <<= 2
			u2 <<= 2
		}
	}
}

func (codecQ5_K) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ5_K, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ5_K : (b+1)*BlockSizeQ5_K]
		d := getFP16(blk[q5kDOff:])
		dmin := getFP16(blk[q5kDOff+2:])
		scales := blk[q5kScalesOff:]
		qh := blk[q5kQhOff:]
		ql := blk[q5kQsOff:]
		y := dst[b*QKK:]

		yi := 0
		is := 0
		u1, u2 := byte(1), byte(2)
		for j := 0; j < QKK; j += 64 {
			sc1, m1 := getScaleMinK4(is, scales)
			sc2, m2 := getScaleMinK4(is+1, scales)
			d1, mm1 := d*float32(sc1), dmin*float32(m1)
			d2, mm2 := d*float32(sc2), dmin*float32(m2)
			for l := 0; l < 32; l++ {
				h := float32(0)
				if qh[l]&u1 != 0 {
					h = 16
				}
				y[yi] = d1*(float32(ql[l]&0x0F)+h) - mm1
				yi++
			}
			for l := 0; l < 32; l++ {
				h := float32(0)
				if qh[l]&u2 != 0 {
					h = 16
				}
				y[yi] = d2*(float32(ql[l]>>4)+h) - mm2
				yi++
			}
			ql = ql[32:]
			is += 2
			u1 <<= 2
			u2 <<= 2
		}
	}
}

// Q6_K block layout:
//
//	ql[128]     low 4 bits
//	qh[64]      high 2 bits
//	scales[16]  signed 8-bit group scales
//	d           fp16 outer scale
const (
	q6kQlOff     = 0
	q6kQhOff     = QKK / 2
	q6kScalesOff = QKK/2 + QKK/4
	q6kDOff      = QKK/2 + QKK/4 + QKK/16
)

type codecQ6_K struct{}

func (codecQ6_K) Type() Type { return TypeQ6_K }

func (codecQ6_K) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ6_K, len(src), len(dst))
	var L [QKK]uint8
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		out := dst[b*BlockSizeQ6_K : (b+1)*BlockSizeQ6_K]

		var gs [16]float32
		var amaxScale, maxScale float32
		for g := 0; g < 16; g++ {
			gx := x[g*16 : g*16+16]
			var amax, max float32
			for _, v := range gx {
				a := v
				if a < 0 {
					a = -a
				}
				if a > amax {
					amax = a
					max = v
				}
			}
			gs[g] = max / -32
			if a := amax / 32; a > amaxScale {
				amaxScale = a
				maxScale = gs[g]
			}
		}

		var d float32
		if maxScale != 0 {
			d = maxScale / -127
		}
		putFP16(out[q6kDOff:], d)

		var id float32
		if d != 0 {
			id = 1 / d
		}
		scales := out[q6kScalesOff : q6kScalesOff+16]
		for g := 0; g < 16; g++ {
			ls := clampInt(nearestInt(gs[g]*id), -128, 127)
			scales[g] = byte(int8(ls))
			dl := d * float32(ls)
			for l := 0; l < 16; l++ {
				q := 0
				if dl != 0 {
					q = clampInt(nearestInt(x[g*16+l]/dl), -32, 31)
				}
				L[g*16+l] = uint8(q + 32)
			}
		}

		ql := out[q6kQlOff : q6kQlOff+QKK/2]
		qh := out[q6kQhOff : q6kQhOff+QKK/4]
		for n := 0; n < QKK; n += 128 {
			for l := 0; l < 32; l++ {
				ql[n/2+l] = L[n+l]&0x0F | (L[n+l+64]&0x0F)<<4
				ql[n/2+l+32] = L[n+l+32]&0x0F | (L[n+l+96]&0x0F)<<4
				qh[n/4+l] = L[n+l]>>4 | (L[n+l+32]>>4)<<2 | (L[n+l+64]>>4)<<4 | (L[n+l+96]>>4)<<6
			}
		}
	}
}

func (codecQ6_K) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ6_K, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ6_K : (b+1)*BlockSizeQ6_K]
		d := getFP16(blk[q6kDOff:])
		ql := blk[q6kQlOff:]
		qh := blk[q6kQhOff:]
		scales := blk[q6kScalesOff:]
		y := dst[b*QKK:]

		yi := 0
		for n := 0; n < QKK; n += 128 {
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8(ql[l]&0x0F|((qh[l]>>0)&3)<<4) - 32
				q2 := int8(ql[l+32]&0x0F|((qh[l]>>2)&3)<<4) - 32
				q3 := int8(ql[l]>>4|((qh[l]>>4)&3)<<4) - 32
				q4 := int8(ql[l+32]>>4|((qh[l]>>6)&3)<<4) - 32
				y[yi+0] = d * float32(int8(scales[is+0])) * float32(q1)
				y[yi+32] = d * float32(int8(scales[is+2])) * float32(q2)
				y[yi+64] = d * float32(int8(scales[is+4])) * float32(q3)
				y[yi+96] = d * float32(int8(scales[is+6])) * float32(q4)
				yi++
			}
			yi += 96
			ql = ql[64:]
			qh = qh[32:]
			scales = scales[8:]
		}
	}
}

// ScaleMinK4 exposes the 6-bit scale/min extraction to packages that read
// the raw block bytes, such as the fixed-point dot kernels.
func ScaleMinK4(j int, scales []byte) (uint8, uint8) { return getScaleMinK4(j, scales) }

// ScaleQ3K exposes the signed 6-bit scale extraction for the same readers.
func ScaleQ3K(scales []byte, j int) int { return q3kScale(scales, j) }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func init() {
	registerCodec(codecQ2_K{})
	registerCodec(codecQ3_K{})
	registerCodec(codecQ4_K{})
	registerCodec(codecQ5_K{})
	registerCodec(codecQ6_K{})
}
