package quant

import "math"

// Float32ToFloat16 converts a float32 to IEEE half precision.
// Rounds to nearest, ties to even; results below the half normal range
// become half subnormals; overflow saturates to infinity.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32((bits >> 23) & 0xFF)
	mant := bits & 0x7FFFFF

	if exp == 0xFF {
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}

	e := exp - 127 + 15
	if e >= 31 {
		return sign | 0x7C00
	}
	if e <= 0 {
		// Half subnormal: shift the mantissa with its implicit bit
		// down into the 10-bit field. Below 2^-24 even that is zero.
		if e < -10 {
			return sign
		}
		m := mant | 0x800000
		shift := uint32(14 - e)
		half := uint32(1) << (shift - 1)
		out := m >> shift
		if m&half != 0 && (m&(half-1) != 0 || out&1 != 0) {
			out++
		}
		return sign | uint16(out)
	}

	out := (uint32(e) << 10) | (mant >> 13)
	// A rounding carry out of the mantissa lands in the exponent,
	// which is exactly the next representable value.
	if mant&0x1000 != 0 && (mant&0xFFF != 0 || out&1 != 0) {
		out++
	}
	if out >= 0x7C00 {
		return sign | 0x7C00
	}
	return sign | uint16(out)
}

// Float16ToFloat32 converts an IEEE half precision value to float32,
// including subnormal halves.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h & 0x3FF)

	switch exp {
	case 0x1F:
		out := sign | 0x7F800000
		if mant != 0 {
			out |= mant << 13
		}
		return math.Float32frombits(out)
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Normalize: every half subnormal is a float32 normal.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		return math.Float32frombits(sign | (e << 23) | ((mant & 0x3FF) << 13))
	}
	return math.Float32frombits(sign | ((exp + 127 - 15) << 23) | (mant << 13))
}

// Float32ToFloat16Slice converts src into dst element-wise.
func Float32ToFloat16Slice(src []float32, dst []uint16) {
	for i, v := range src {
		dst[i] = Float32ToFloat16(v)
	}
}

// Float16ToFloat32Slice converts src into dst element-wise.
func Float16ToFloat32Slice(src []uint16, dst []float32) {
	for i, v := range src {
		dst[i] = Float16ToFloat32(v)
	}
}

// PutF32Row stores src as little-endian float32 bytes.
func PutF32Row(dst []byte, src []float32) {
	for i, v := range src {
		putF32(dst[i*4:], v)
	}
}

// GetF32Row loads little-endian float32 bytes into dst.
func GetF32Row(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = getF32(src[i*4:])
	}
}

// GetF32 loads one little-endian float32.
func GetF32(b []byte) float32 { return getF32(b) }

// PutF32 stores one little-endian float32.
func PutF32(b []byte, v float32) { putF32(b, v) }

// PutF16Row stores src as little-endian half-precision bytes.
func PutF16Row(dst []byte, src []float32) {
	for i, v := range src {
		putFP16(dst[i*2:], v)
	}
}

// GetF16Row widens little-endian half-precision bytes into dst.
func GetF16Row(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = getFP16(src[i*2:])
	}
}

// getFP16 reads a little-endian half at b and widens it.
func getFP16(b []byte) float32 {
	return Float16ToFloat32(uint16(b[0]) | uint16(b[1])<<8)
}

// putFP16 stores f as a little-endian half at b.
func putFP16(b []byte, f float32) {
	h := Float32ToFloat16(f)
	b[0] = byte(h)
	b[1] = byte(h >> 8)
}

func nearestInt(f float32) int {
	return int(math.Round(float64(f)))
}

func f32bits(f float32) uint32 { return math.Float32bits(f) }

func f32FromBits(u uint32) float32 { return math.Float32frombits(u) }
