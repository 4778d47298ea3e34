package kernels

import (
	"math"

	"github.com/kilnml/kiln/internal/simd"
)

// The norm kernels run the classic two-pass shape: a lane-group reduction
// for the moment(s), then a normalize pass. Accumulation goes through 32
// lane accumulators and the butterfly reduce so the arithmetic matches
// the lane-group form the accelerator kernels use.

// laneSum folds src into 32 lane accumulators and reduces them.
func laneSum(src []float32) float32 {
	var lanes [simd.GroupWidth]float32
	for i, v := range src {
		lanes[i%simd.GroupWidth] += v
	}
	simd.GroupReduceSum(lanes[:])
	return lanes[0]
}

// laneSumSq is laneSum over squared elements.
func laneSumSq(src []float32) float32 {
	var lanes [simd.GroupWidth]float32
	for i, v := range src {
		lanes[i%simd.GroupWidth] += v * v
	}
	simd.GroupReduceSum(lanes[:])
	return lanes[0]
}

// LayerNorm normalizes each row of src to zero mean and unit variance.
// eps sits inside the rsqrt.
func LayerNorm(dst, src []float32, rowLen int, eps float32) {
	for r := 0; r+rowLen <= len(src); r += rowLen {
		row := src[r : r+rowLen]
		out := dst[r : r+rowLen]
		mean := laneSum(row) / float32(rowLen)
		var lanes [simd.GroupWidth]float32
		for i, v := range row {
			d := v - mean
			lanes[i%simd.GroupWidth] += d * d
		}
		simd.GroupReduceSum(lanes[:])
		variance := lanes[0] / float32(rowLen)
		scale := float32(1 / math.Sqrt(float64(variance+eps)))
		for i, v := range row {
			out[i] = (v - mean) * scale
		}
	}
}

// RMSNorm normalizes each row by its root mean square.
func RMSNorm(dst, src []float32, rowLen int, eps float32) {
	for r := 0; r+rowLen <= len(src); r += rowLen {
		row := src[r : r+rowLen]
		out := dst[r : r+rowLen]
		ms := laneSumSq(row) / float32(rowLen)
		scale := float32(1 / math.Sqrt(float64(ms+eps)))
		for i, v := range row {
			out[i] = v * scale
		}
	}
}

// GroupNorm layer-normalizes contiguous channel groups: src is
// [rowLen x channels] and channels must divide by groups.
func GroupNorm(dst, src []float32, rowLen, channels, groups int, eps float32) {
	if channels%groups != 0 {
		panic("kernels: channels not divisible by groups")
	}
	span := rowLen * channels / groups
	LayerNorm(dst, src, span, eps)
}
