// Package simd provides the portable lane-group primitives the kernel and
// vecdot packages are written against: a fixed 32-lane reduction group and
// the packed int8 multiply-accumulate. Kernels phrase their reductions over
// these primitives so the same structure maps onto accelerator lane groups
// and onto plain loops here.
package simd

// GroupWidth is the logical lane-group size. Reductions operate on slices
// whose length is a multiple of it.
const GroupWidth = 32

// GroupReduceSum reduces lanes in place with a XOR butterfly: after the
// call every lane of each 32-lane group holds that group's sum. The
// in-place all-lanes result mirrors how a lane-shuffle reduction leaves
// the value in every lane, which the norm kernels rely on.
func GroupReduceSum(lanes []float32) {
	if len(lanes)%GroupWidth != 0 {
		panic("simd: group reduce length not a multiple of the group width")
	}
	var prev [GroupWidth]float32
	for base := 0; base < len(lanes); base += GroupWidth {
		g := lanes[base : base+GroupWidth]
		for off := GroupWidth / 2; off > 0; off >>= 1 {
			copy(prev[:], g) // each stage reads pre-stage lane values
			for i := 0; i < GroupWidth; i++ {
				g[i] = prev[i] + prev[i^off]
			}
		}
	}
}

// GroupReduceMax is the max-combining form of GroupReduceSum.
func GroupReduceMax(lanes []float32) {
	if len(lanes)%GroupWidth != 0 {
		panic("simd: group reduce length not a multiple of the group width")
	}
	var prev [GroupWidth]float32
	for base := 0; base < len(lanes); base += GroupWidth {
		g := lanes[base : base+GroupWidth]
		for off := GroupWidth / 2; off > 0; off >>= 1 {
			copy(prev[:], g)
			for i := 0; i < GroupWidth; i++ {
				g[i] = prev[i]
				if v := prev[i^off]; v > g[i] {
					g[i] = v
				}
			}
		}
	}
}

// SumGroup returns the sum of one lane group without mutating it.
func SumGroup(g []float32) float32 {
	var s float32
	for _, v := range g {
		s += v
	}
	return s
}

// Dp4a multiplies the four signed bytes packed in a against the four in b
// and accumulates the products into c. This is the scalar rendering of the
// packed int8 MAC instruction; the fixed-point dot kernels are written
// entirely in terms of it.
func Dp4a(a, b uint32, c int32) int32 {
	c += int32(int8(a)) * int32(int8(b))
	c += int32(int8(a>>8)) * int32(int8(b>>8))
	c += int32(int8(a>>16)) * int32(int8(b>>16))
	c += int32(int8(a>>24)) * int32(int8(b>>24))
	return c
}

// PackInt8 packs four signed bytes into the little-endian word Dp4a
// consumes.
func PackInt8(b0, b1, b2, b3 int8) uint32 {
	return uint32(uint8(b0)) | uint32(uint8(b1))<<8 | uint32(uint8(b2))<<16 | uint32(uint8(b3))<<24
}

// LoadInt8x4 packs q[i:i+4] into a Dp4a operand.
func LoadInt8x4(q []int8, i int) uint32 {
	return PackInt8(q[i], q[i+1], q[i+2], q[i+3])
}

// LoadBytex4 packs raw code bytes (already in two's-complement form) into
// a Dp4a operand.
func LoadBytex4(q []byte, i int) uint32 {
	return uint32(q[i]) | uint32(q[i+1])<<8 | uint32(q[i+2])<<16 | uint32(q[i+3])<<24
}
