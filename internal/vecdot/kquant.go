package vecdot

import "github.com/kilnml/kiln/pkg/quant"

// Super-block kernels. Group sums stay in int32 (256 codes of at most 6
// bits against int8 fits with a wide margin); the per-group scale is
// applied to the integer partial and the outer d, dmin and query scale at
// the very end. Offset folding uses the query's per-16 bsums.

func dotQ2_K(blk []byte, q8 *quant.BlockQ8_K) float32 {
	scales := blk[:16]
	q := blk[16:80]
	d := fp16(blk[80:])
	dmin := fp16(blk[82:])

	var isum, imin int32
	for g := 0; g < 16; g++ {
		imin += int32(scales[g]>>4) * int32(q8.BSums[g])
	}
	gi := 0
	for n := 0; n < quant.QKK; n += 128 {
		shift := 0
		for j := 0; j < 4; j++ {
			for half := 0; half < 2; half++ {
				sc := int32(scales[gi] & 0xF)
				gi++
				var s int32
				for l := half * 16; l < half*16+16; l++ {
					s += int32((q[l]>>shift)&3) * int32(q8.Qs[n+32*j+l])
				}
				isum += sc * s
			}
			shift += 2
		}
		q = q[32:]
	}
	return q8.D * (d*float32(isum) - dmin*float32(imin))
}

func dotQ3_K(blk []byte, q8 *quant.BlockQ8_K) float32 {
	hmask := blk[:32]
	q := blk[32:96]
	scales := blk[96:108]
	d := fp16(blk[108:])

	var isum int32
	is := 0
	m := byte(1)
	for n := 0; n < quant.QKK; n += 128 {
		shift := 0
		for j := 0; j < 4; j++ {
			for half := 0; half < 2; half++ {
				sc := int32(quant.ScaleQ3K(scales, is))
				is++
				var s int32
				for l := half * 16; l < half*16+16; l++ {
					c := int32((q[l] >> shift) & 3)
					if hmask[l]&m == 0 {
						c -= 4
					}
					s += c * int32(q8.Qs[n+32*j+l])
				}
				isum += sc * s
			}
			shift += 2
			m <<= 1
		}
		q = q[32:]
	}
	return d * q8.D * float32(isum)
}

func dotQ4_K(blk []byte, q8 *quant.BlockQ8_K) float32 {
	d := fp16(blk)
	dmin := fp16(blk[2:])
	scales := blk[4:16]
	q := blk[16:144]

	var isum, imin int32
	is := 0
	for j := 0; j < quant.QKK; j += 64 {
		sc1, m1 := quant.ScaleMinK4(is, scales)
		sc2, m2 := quant.ScaleMinK4(is+1, scales)
		is += 2
		var s1, s2 int32
		for l := 0; l < 32; l++ {
			s1 += int32(q[l]&0x0F) * int32(q8.Qs[j+l])
			s2 += int32(q[l]>>4) * int32(q8.Qs[j+32+l])
		}
		isum += s1*int32(sc1) + s2*int32(sc2)
		imin += int32(m1)*int32(q8.BSums[j/16]+q8.BSums[j/16+1]) +
			int32(m2)*int32(q8.BSums[j/16+2]+q8.BSums[j/16+3])
		q = q[32:]
	}
	return q8.D * (d*float32(isum) - dmin*float32(imin))
}

func dotQ5_K(blk []byte, q8 *quant.BlockQ8_K) float32 {
	d := fp16(blk)
	dmin := fp16(blk[2:])
	scales := blk[4:16]
	qh := blk[16:48]
	ql := blk[48:176]

	var isum, imin int32
	is := 0
	u1, u2 := byte(1), byte(2)
	for j := 0; j < quant.QKK; j += 64 {
		sc1, m1 := quant.ScaleMinK4(is, scales)
		sc2, m2 := quant.ScaleMinK4(is+1, scales)
		is += 2
		var s1, s2 int32
		for l := 0; l < 32; l++ {
			c1 := int32(ql[l] & 0x0F)
			if qh[l]&u1 != 0 {
				c1 += 16
			}
			c2 := int32(ql[l] >> 4)
			if qh[l]&u2 != 0 {
				c2 += 16
			}
			s1 += c1 * int32(q8.Qs[j+l])
			s2 += c2 * int32(q8.Qs[j+32+l])
		}
		isum += s1*int32(sc1) + s2*int32(sc2)
		imin += int32(m1)*int32(q8.BSums[j/16]+q8.BSums[j/16+1]) +
			int32(m2)*int32(q8.BSums[j/16+2]+q8.BSums[j/16+3])
		ql = ql[32:]
		u1 <<= 2
		u2 <<= 2
	}
	return q8.D * (d*float32(isum) - dmin*float32(imin))
}

func dotQ6_K(blk []byte, q8 *quant.BlockQ8_K) float32 {
	ql := blk[:128]
	qh := blk[128:192]
	scales := blk[192:208]
	d := fp16(blk[208:])

	var isum int32
	for n := 0; n < quant.QKK; n += 128 {
		for l := 0; l < 32; l++ {
			is := n/16 + l/16
			c1 := int32(ql[l]&0x0F|(qh[l]&3)<<4) - 32
			c2 := int32(ql[l+32]&0x0F|((qh[l]>>2)&3)<<4) - 32
			c3 := int32(ql[l]>>4|((qh[l]>>4)&3)<<4) - 32
			c4 := int32(ql[l+32]>>4|((qh[l]>>6)&3)<<4) - 32
			isum += int32(int8(scales[is]))*c1*int32(q8.Qs[n+l]) +
				int32(int8(scales[is+2]))*c2*int32(q8.Qs[n+l+32]) +
				int32(int8(scales[is+4]))*c3*int32(q8.Qs[n+l+64]) +
				int32(int8(scales[is+6]))*c4*int32(q8.Qs[n+l+96])
		}
		ql = ql[64:]
		qh = qh[32:]
	}
	return d * q8.D * float32(isum)
}
