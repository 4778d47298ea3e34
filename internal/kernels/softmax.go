package kernels

import (
	"math"

	"github.com/kilnml/kiln/internal/simd"
)

var negInf32 = float32(math.Inf(-1))

// AlibiSlope returns the attention-bias slope of one head. The base
// halves at the next power-of-two head boundary: heads below the
// boundary step by base0, heads past it interleave with a second,
// gentler base.
func AlibiSlope(maxBias float32, head, nHeads int) float32 {
	if maxBias <= 0 {
		return 1
	}
	boundary := 1 << uint(math.Floor(math.Log2(float64(nHeads))))
	base0 := math.Pow(2, float64(-maxBias)/float64(boundary))
	if head < boundary {
		return float32(math.Pow(base0, float64(head+1)))
	}
	base1 := math.Pow(2, float64(-maxBias)/(2*float64(boundary)))
	return float32(math.Pow(base1, float64(2*(head-boundary)+1)))
}

// Softmax normalizes each row of src in the numerically stable form,
// with the row max found by a lane-group reduction.
func Softmax(dst, src []float32, rowLen int) {
	SoftmaxExt(dst, src, nil, rowLen, 1, 0, 0, 1)
}

// SoftmaxExt is softmax over scale*x + slope*mask, where the slope comes
// from the head's position when maxBias is set. mask may be nil; when
// present it holds one bias row per source row (typically a causal or
// padding mask added before normalization).
func SoftmaxExt(dst, src, mask []float32, rowLen int, scale, maxBias float32, head, nHeads int) {
	slope := AlibiSlope(maxBias, head, nHeads)
	for r := 0; r+rowLen <= len(src); r += rowLen {
		row := src[r : r+rowLen]
		out := dst[r : r+rowLen]

		var lanes [simd.GroupWidth]float32
		for i := range lanes {
			lanes[i] = float32(math.Inf(-1))
		}
		biased := func(i int) float32 {
			v := scale * row[i]
			if mask != nil {
				v += slope * mask[r+i]
			}
			return v
		}
		for i := 0; i < rowLen; i++ {
			if v := biased(i); v > lanes[i%simd.GroupWidth] {
				lanes[i%simd.GroupWidth] = v
			}
		}
		simd.GroupReduceMax(lanes[:])
		max := lanes[0]

		var sum float32
		for i := 0; i < rowLen; i++ {
			e := float32(math.Exp(float64(biased(i) - max)))
			out[i] = e
			sum += e
		}
		inv := 1 / sum
		for i := range out {
			out[i] *= inv
		}
	}
}

// DiagMaskInf writes -inf above the diagonal shifted by nPast: element
// (r, c) of each rows x rowLen matrix is masked when c > r + nPast. The
// row index resets per matrix when src holds a batch of them.
func DiagMaskInf(dst, src []float32, rowLen, rows, nPast int) {
	ninf := float32(math.Inf(-1))
	total := len(src) / rowLen
	for r := 0; r < total; r++ {
		row := src[r*rowLen : (r+1)*rowLen]
		out := dst[r*rowLen : (r+1)*rowLen]
		for c := range row {
			if c > r%rows+nPast {
				out[c] = ninf
			} else {
				out[c] = row[c]
			}
		}
	}
}
