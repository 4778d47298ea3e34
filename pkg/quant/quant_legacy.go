package quant

// Small-block formats: 32 elements per block, one (or two) half-precision
// scale factors up front, packed codes after. The pairing of elements to
// nibbles is part of the wire format: element j shares a byte with element
// j+16, low nibble first.

type codecQ4_0 struct{}

func (codecQ4_0) Type() Type { return TypeQ4_0 }

func (codecQ4_0) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ4_0, len(src), len(dst))
	for b := 0; b < blocks; b++ {
		x := src[b*QK : b*QK+QK]
		out := dst[b*BlockSizeQ4_0 : (b+1)*BlockSizeQ4_0]

		var amax, max float32
		for _, v := range x {
			a := v
			if a < 0 {
				a = -a
			}
			if a > amax {
				amax = a
				max = v
			}
		}

		d := max / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putFP16(out, d)

		qs := out[2:]
		for j := 0; j < QK/2; j++ {
			x0 := x[j] * id
			x1 := x[j+QK/2] * id
			xi0 := min(int8(15), int8(x0+8.5))
			xi1 := min(int8(15), int8(x1+8.5))
			qs[j] = byte(xi0) | byte(xi1)<<4
		}
	}
}

func (codecQ4_0) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ4_0, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ4_0 : (b+1)*BlockSizeQ4_0]
		d := getFP16(blk)
		qs := blk[2:]
		y := dst[b*QK : b*QK+QK]
		for j := 0; j < QK/2; j++ {
			y[j] = float32(int8(qs[j]&0x0F)-8) * d
			y[j+QK/2] = float32(int8(qs[j]>>4)-8) * d
		}
	}
}

type codecQ4_1 struct{}

func (codecQ4_1) Type() Type { return TypeQ4_1 }

func (codecQ4_1) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ4_1, len(src), len(dst))
	for b := 0; b < blocks; b++ {
		x := src[b*QK : b*QK+QK]
		out := dst[b*BlockSizeQ4_1 : (b+1)*BlockSizeQ4_1]

		minv, maxv := x[0], x[0]
		for _, v := range x[1:] {
			if v < minv {
				minv = v
			}
			if v > maxv {
				maxv = v
			}
		}

		d := (maxv - minv) / 15
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putFP16(out, d)
		putFP16(out[2:], minv)

		qs := out[4:]
		for j := 0; j < QK/2; j++ {
			x0 := (x[j] - minv) * id
			x1 := (x[j+QK/2] - minv) * id
			xi0 := min(int8(15), int8(x0+0.5))
			xi1 := min(int8(15), int8(x1+0.5))
			qs[j] = byte(xi0) | byte(xi1)<<4
		}
	}
}

func (codecQ4_1) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ4_1, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ4_1 : (b+1)*BlockSizeQ4_1]
		d := getFP16(blk)
		m := getFP16(blk[2:])
		qs := blk[4:]
		y := dst[b*QK : b*QK+QK]
		for j := 0; j < QK/2; j++ {
			y[j] = float32(qs[j]&0x0F)*d + m
			y[j+QK/2] = float32(qs[j]>>4)*d + m
		}
	}
}

type codecQ5_0 struct{}

func (codecQ5_0) Type() Type { return TypeQ5_0 }

func (codecQ5_0) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ5_0, len(src), len(dst))
	for b := 0; b < blocks; b++ {
		x := src[b*QK : b*QK+QK]
		out := dst[b*BlockSizeQ5_0 : (b+1)*BlockSizeQ5_0]

		var amax, max float32
		for _, v := range x {
			a := v
			if a < 0 {
				a = -a
			}
			if a > amax {
				amax = a
				max = v
			}
		}

		d := max / -16
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putFP16(out, d)

		var qh uint32
		qs := out[6:]
		for j := 0; j < QK/2; j++ {
			x0 := x[j] * id
			x1 := x[j+QK/2] * id
			xi0 := byte(min(int8(31), int8(x0+16.5)))
			xi1 := byte(min(int8(31), int8(x1+16.5)))
			qs[j] = (xi0 & 0x0F) | (xi1&0x0F)<<4
			qh |= uint32(xi0>>4) << j
			qh |= uint32(xi1>>4) << (j + QK/2)
		}
		putU32(out[2:], qh)
	}
}

func (codecQ5_0) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ5_0, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ5_0 : (b+1)*BlockSizeQ5_0]
		d := getFP16(blk)
		qh := getU32(blk[2:])
		qs := blk[6:]
		y := dst[b*QK : b*QK+QK]
		for j := 0; j < QK/2; j++ {
			h0 := byte((qh >> j) & 1)
			h1 := byte((qh >> (j + QK/2)) & 1)
			y[j] = float32(int8(qs[j]&0x0F|h0<<4)-16) * d
			y[j+QK/2] = float32(int8(qs[j]>>4|h1<<4)-16) * d
		}
	}
}

type codecQ5_1 struct{}

func (codecQ5_1) Type() Type { return TypeQ5_1 }

func (codecQ5_1) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ5_1, len(src), len(dst))
	for b := 0; b < blocks; b++ {
		x := src[b*QK : b*QK+QK]
		out := dst[b*BlockSizeQ5_1 : (b+1)*BlockSizeQ5_1]

		minv, maxv := x[0], x[0]
		for _, v := range x[1:] {
			if v < minv {
				minv = v
			}
			if v > maxv {
				maxv = v
			}
		}

		d := (maxv - minv) / 31
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putFP16(out, d)
		putFP16(out[2:], minv)

		var qh uint32
		qs := out[8:]
		for j := 0; j < QK/2; j++ {
			x0 := (x[j] - minv) * id
			x1 := (x[j+QK/2] - minv) * id
			xi0 := byte(min(int8(31), int8(x0+0.5)))
			xi1 := byte(min(int8(31), int8(x1+0.5)))
			qs[j] = (xi0 & 0x0F) | (xi1&0x0F)<<4
			qh |= uint32(xi0>>4) << j
			qh |= uint32(xi1>>4) << (j + QK/2)
		}
		putU32(out[4:], qh)
	}
}

func (codecQ5_1) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ5_1, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ5_1 : (b+1)*BlockSizeQ5_1]
		d := getFP16(blk)
		m := getFP16(blk[2:])
		qh := getU32(blk[4:])
		qs := blk[8:]
		y := dst[b*QK : b*QK+QK]
		for j := 0; j < QK/2; j++ {
			h0 := byte((qh >> j) & 1)
			h1 := byte((qh >> (j + QK/2)) & 1)
			y[j] = float32(qs[j]&0x0F|h0<<4)*d + m
			y[j+QK/2] = float32(qs[j]>>4|h1<<4)*d + m
		}
	}
}

type codecQ8_0 struct{}

func (codecQ8_0) Type() Type { return TypeQ8_0 }

func (codecQ8_0) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ8_0, len(src), len(dst))
	for b := 0; b < blocks; b++ {
		x := src[b*QK : b*QK+QK]
		out := dst[b*BlockSizeQ8_0 : (b+1)*BlockSizeQ8_0]

		var amax float32
		for _, v := range x {
			if v < 0 {
				v = -v
			}
			if v > amax {
				amax = v
			}
		}

		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putFP16(out, d)

		qs := out[2:]
		for j, v := range x {
			qs[j] = byte(int8(nearestInt(v * id)))
		}
	}
}

func (codecQ8_0) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ8_0, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ8_0 : (b+1)*BlockSizeQ8_0]
		d := getFP16(blk)
		qs := blk[2:]
		y := dst[b*QK : b*QK+QK]
		for j := range y {
			y[j] = float32(int8(qs[j])) * d
		}
	}
}

type codecQ8_1 struct{}

func (codecQ8_1) Type() Type { return TypeQ8_1 }

func (codecQ8_1) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ8_1, len(src), len(dst))
	for b := 0; b < blocks; b++ {
		x := src[b*QK : b*QK+QK]
		out := dst[b*BlockSizeQ8_1 : (b+1)*BlockSizeQ8_1]

		var amax float32
		for _, v := range x {
			if v < 0 {
				v = -v
			}
			if v > amax {
				amax = v
			}
		}

		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putFP16(out, d)

		qs := out[4:]
		sum := 0
		for j, v := range x {
			q := int8(nearestInt(v * id))
			qs[j] = byte(q)
			sum += int(q)
		}
		// s carries d*sum(q): the bias correction consumed by asymmetric
		// weight formats during the fixed-point dot product.
		putFP16(out[2:], d*float32(sum))
	}
}

func (codecQ8_1) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ8_1, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ8_1 : (b+1)*BlockSizeQ8_1]
		d := getFP16(blk)
		qs := blk[4:]
		y := dst[b*QK : b*QK+QK]
		for j := range y {
			y[j] = float32(int8(qs[j])) * d
		}
	}
}

// BlockQ8_1 is the decoded view of one Q8_1 block, used as the query-side
// operand of the vec-dot kernels.
type BlockQ8_1 struct {
	D  float32 // scale
	S  float32 // d * sum(codes)
	Qs [QK]int8
}

// QuantizeRowQ8_1 encodes src (len a multiple of 32) into decoded Q8_1
// blocks. This is the on-the-fly activation quantization path used by the
// quantized matmul kernels; it skips the byte packing since the result
// never leaves device memory.
func QuantizeRowQ8_1(src []float32, out []BlockQ8_1) {
	if len(src)%QK != 0 {
		panic("quant: q8_1 row length not a multiple of 32")
	}
	blocks := len(src) / QK
	if len(out) < blocks {
		panic("quant: q8_1 output too short")
	}
	for b := 0; b < blocks; b++ {
		x := src[b*QK : b*QK+QK]
		var amax float32
		for _, v := range x {
			if v < 0 {
				v = -v
			}
			if v > amax {
				amax = v
			}
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		sum := 0
		for j, v := range x {
			q := int8(nearestInt(v * id))
			out[b].Qs[j] = q
			sum += int(q)
		}
		out[b].D = d
		out[b].S = d * float32(sum)
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func init() {
	registerCodec(codecQ4_0{})
	registerCodec(codecQ4_1{})
	registerCodec(codecQ5_0{})
	registerCodec(codecQ5_1{})
	registerCodec(codecQ8_0{})
	registerCodec(codecQ8_1{})
}
