package quant

// Q8_K is the activation-side super-block format: 256 int8 codes, a single
// float32 scale, and per-16-element group sums. The group sums feed the
// bias-correction terms of the K-format dot products.
const (
	q8kDOff     = 0
	q8kQsOff    = 4
	q8kBSumsOff = 4 + QKK
)

type codecQ8_K struct{}

func (codecQ8_K) Type() Type { return TypeQ8_K }

func (codecQ8_K) Quantize(dst []byte, src []float32) {
	blocks := checkRow(TypeQ8_K, len(src), len(dst))
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		out := dst[b*BlockSizeQ8_K : (b+1)*BlockSizeQ8_K]

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
		if amax == 0 {
			for i := range out {
				out[i] = 0
			}
			continue
		}

		iscale := -128 / max
		qs := out[q8kQsOff : q8kQsOff+QKK]
		for j, v := range x {
			qs[j] = byte(int8(min(127, nearestInt(iscale*v))))
		}
		for g := 0; g < QKK/16; g++ {
			sum := 0
			for l := 0; l < 16; l++ {
				sum += int(int8(qs[g*16+l]))
			}
			out[q8kBSumsOff+g*2] = byte(uint16(int16(sum)))
			out[q8kBSumsOff+g*2+1] = byte(uint16(int16(sum)) >> 8)
		}
		putF32(out[q8kDOff:], 1/iscale)
	}
}

func (codecQ8_K) Dequantize(dst []float32, src []byte) {
	blocks := checkRow(TypeQ8_K, len(dst), len(src))
	for b := 0; b < blocks; b++ {
		blk := src[b*BlockSizeQ8_K : (b+1)*BlockSizeQ8_K]
		d := getF32(blk[q8kDOff:])
		qs := blk[q8kQsOff:]
		y := dst[b*QKK : b*QKK+QKK]
		for j := range y {
			y[j] = float32(int8(qs[j])) * d
		}
	}
}

// BlockQ8_K is the decoded view of one Q8_K block, the query-side operand
// of the super-block dot products.
type BlockQ8_K struct {
	D     float32
	Qs    [QKK]int8
	BSums [QKK / 16]int16
}

// QuantizeRowQ8_K encodes src (len a multiple of 256) into decoded Q8_K
// blocks for the on-the-fly activation path.
func QuantizeRowQ8_K(src []float32, out []BlockQ8_K) {
	if len(src)%QKK != 0 {
		panic("quant: q8_k row length not a multiple of 256")
	}
	blocks := len(src) / QKK
	if len(out) < blocks {
		panic("quant: q8_k output too short")
	}
	for b := 0; b < blocks; b++ {
		x := src[b*QKK : b*QKK+QKK]
		blk := &out[b]

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
		if amax == 0 {
			*blk = BlockQ8_K{}
			continue
		}

		iscale := -128 / max
		for j, v := range x {
			blk.Qs[j] = int8(min(127, nearestInt(iscale*v)))
		}
		for g := range blk.BSums {
			sum := 0
			for l := 0; l < 16; l++ {
				sum += int(blk.Qs[g*16+l])
			}
			blk.BSums[g] = int16(sum)
		}
		blk.D = 1 / iscale
	}
}

func putF32(b []byte, f float32) {
	putU32(b, f32bits(f))
}

func getF32(b []byte) float32 {
	return f32FromBits(getU32(b))
}

func init() {
	registerCodec(codecQ8_K{})
}
