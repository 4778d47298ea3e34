// Package kernels is the dense tensor-op library the dispatcher executes
// on decoded rows. Every kernel is stateless and pure: inputs are read,
// the destination is fully written, and nothing else is touched. Shape
// handling (broadcast, strides, residency) happens in the dispatch layer;
// kernels see flat slices plus the few dimensions they need.
package kernels

import "math"

// Scale multiplies every element by s.
func Scale(dst, src []float32, s float32) {
	for i, v := range src {
		dst[i] = v * s
	}
}

// Clamp limits every element to [lo, hi].
func Clamp(dst, src []float32, lo, hi float32) {
	for i, v := range src {
		if v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}
		dst[i] = v
	}
}

// Neg negates every element.
func Neg(dst, src []float32) {
	for i, v := range src {
		dst[i] = -v
	}
}

// Sqr squares every element.
func Sqr(dst, src []float32) {
	for i, v := range src {
		dst[i] = v * v
	}
}

// Relu zeroes negative elements.
func Relu(dst, src []float32) {
	for i, v := range src {
		if v < 0 {
			v = 0
		}
		dst[i] = v
	}
}

// Silu applies x * sigmoid(x).
func Silu(dst, src []float32) {
	for i, v := range src {
		dst[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
}

// Gelu applies the tanh-approximated gaussian error linear unit.
func Gelu(dst, src []float32) {
	const (
		sqrt2OverPi = 0.79788456080286535588
		coef        = 0.044715
	)
	for i, v := range src {
		x := float64(v)
		dst[i] = float32(0.5 * x * (1 + math.Tanh(sqrt2OverPi*x*(1+coef*x*x))))
	}
}

// GeluQuick applies the sigmoid-approximated GELU.
func GeluQuick(dst, src []float32) {
	const alpha = -1.702
	for i, v := range src {
		dst[i] = v / (1 + float32(math.Exp(alpha*float64(v))))
	}
}
