package kernels

import (
	"math"
	"math/rand"
	"sort"
	"testing"
)

func almost(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s: got %g, want %g", what, got, want)
	}
}

// TestBinaryBroadcast checks the trailing-dimension repeat rule on Add
// and the element-wise ops.
func TestBinaryBroadcast(t *testing.T) {
	// a: 4x2 matrix, b: 4x1 row broadcast down the second dim.
	a := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	b := []float32{10, 20, 30, 40}
	dst := make([]float32, 8)
	Add(dst, a, Shape{4, 2, 1, 1}, b, Shape{4, 1, 1, 1})
	want := []float32{11, 22, 33, 44, 15, 26, 37, 48}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("add[%d] = %g, want %g", i, dst[i], want[i])
		}
	}

	Mul(dst, a, Shape{4, 2, 1, 1}, []float32{2}, Shape{1, 1, 1, 1})
	for i := range a {
		if dst[i] != 2*a[i] {
			t.Fatalf("mul[%d] = %g", i, dst[i])
		}
	}
}

// TestBinaryBadBroadcast verifies non-divisible shapes panic.
func TestBinaryBadBroadcast(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-divisible broadcast")
		}
	}()
	Add(make([]float32, 6), make([]float32, 6), Shape{6, 1, 1, 1},
		make([]float32, 4), Shape{4, 1, 1, 1})
}

// TestRepeatTiles checks tiling against manual indexing.
func TestRepeatTiles(t *testing.T) {
	src := []float32{1, 2, 3}
	dst := make([]float32, 6)
	Repeat(dst, Shape{3, 2, 1, 1}, src, Shape{3, 1, 1, 1})
	want := []float32{1, 2, 3, 1, 2, 3}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("repeat[%d] = %g", i, dst[i])
		}
	}
}

// TestConcatDim0 joins two rows along the innermost dimension.
func TestConcatDim0(t *testing.T) {
	a := []float32{1, 2}
	b := []float32{3}
	dst := make([]float32, 3)
	Concat(dst, a, Shape{2, 1, 1, 1}, b, Shape{1, 1, 1, 1}, 0)
	if dst[0] != 1 || dst[1] != 2 || dst[2] != 3 {
		t.Fatalf("concat = %v", dst)
	}
}

// TestSumRows reduces rows against a serial sum.
func TestSumRows(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5, 6}
	dst := make([]float32, 2)
	SumRows(dst, src, Shape{3, 2, 1, 1})
	if dst[0] != 6 || dst[1] != 15 {
		t.Fatalf("sumrows = %v", dst)
	}
}

// TestRMSNorm checks each row ends with unit root mean square.
func TestRMSNorm(t *testing.T) {
	const rowLen = 64
	src := make([]float32, rowLen*3)
	rng := rand.New(rand.NewSource(1))
	for i := range src {
		src[i] = float32(rng.Float64()*4 - 2)
	}
	dst := make([]float32, len(src))
	RMSNorm(dst, src, rowLen, 1e-6)
	for r := 0; r < 3; r++ {
		var ms float64
		for _, v := range dst[r*rowLen : (r+1)*rowLen] {
			ms += float64(v) * float64(v)
		}
		almost(t, ms/rowLen, 1, 1e-3, "rms of normalized row")
	}
}

// TestLayerNorm checks zero mean and unit variance per row.
func TestLayerNorm(t *testing.T) {
	const rowLen = 96
	src := make([]float32, rowLen*2)
	rng := rand.New(rand.NewSource(2))
	for i := range src {
		src[i] = float32(rng.Float64()*10 + 3)
	}
	dst := make([]float32, len(src))
	LayerNorm(dst, src, rowLen, 1e-5)
	for r := 0; r < 2; r++ {
		var mean, variance float64
		for _, v := range dst[r*rowLen : (r+1)*rowLen] {
			mean += float64(v)
		}
		mean /= rowLen
		for _, v := range dst[r*rowLen : (r+1)*rowLen] {
			variance += (float64(v) - mean) * (float64(v) - mean)
		}
		almost(t, mean, 0, 1e-4, "mean of normalized row")
		almost(t, variance/rowLen, 1, 1e-3, "variance of normalized row")
	}
}

// TestNormIdempotent: a row that already has the normalized statistics
// must pass through both norms unchanged.
func TestNormIdempotent(t *testing.T) {
	const rowLen = 64
	src := make([]float32, rowLen)
	rng := rand.New(rand.NewSource(3))
	for i := range src {
		src[i] = float32(rng.Float64()*6 - 3)
	}
	once := make([]float32, rowLen)
	twice := make([]float32, rowLen)

	RMSNorm(once, src, rowLen, 1e-6)
	RMSNorm(twice, once, rowLen, 1e-6)
	for i := range once {
		almost(t, float64(twice[i]), float64(once[i]), 1e-4, "rmsnorm applied twice")
	}

	LayerNorm(once, src, rowLen, 1e-6)
	LayerNorm(twice, once, rowLen, 1e-6)
	for i := range once {
		almost(t, float64(twice[i]), float64(once[i]), 1e-4, "layernorm applied twice")
	}
}

// TestGroupNorm normalizes per group, not per full row.
func TestGroupNorm(t *testing.T) {
	// Two groups with wildly different magnitudes must both normalize.
	src := make([]float32, 64)
	for i := range src {
		if i < 32 {
			src[i] = float32(i) * 100
		} else {
			src[i] = float32(i) * 0.01
		}
	}
	dst := make([]float32, 64)
	GroupNorm(dst, src, 8, 8, 2, 1e-6)
	for g := 0; g < 2; g++ {
		var mean float64
		for _, v := range dst[g*32 : (g+1)*32] {
			mean += float64(v)
		}
		almost(t, mean/32, 0, 1e-4, "group mean")
	}
}

// TestSoftmax checks each row sums to one and ordering survives.
func TestSoftmax(t *testing.T) {
	src := []float32{1, 3, 2, -1, 0, 1e4, -1e4, 0}
	dst := make([]float32, len(src))
	Softmax(dst, src, 4)
	for r := 0; r < 2; r++ {
		var sum float64
		for _, v := range dst[r*4 : (r+1)*4] {
			if v < 0 {
				t.Fatal("negative probability")
			}
			sum += float64(v)
		}
		almost(t, sum, 1, 1e-5, "softmax row sum")
	}
	if !(dst[1] > dst[2] && dst[2] > dst[0] && dst[0] > dst[3]) {
		t.Fatalf("ordering lost: %v", dst[:4])
	}
	// The 1e4 row must not overflow.
	if dst[5] < 0.99 {
		t.Fatalf("large-logit row: %v", dst[4:])
	}
}

// TestSoftmaxMask checks a -inf mask zeroes the position.
func TestSoftmaxMask(t *testing.T) {
	src := []float32{1, 1, 1, 1}
	mask := []float32{0, negInf32, 0, 0}
	dst := make([]float32, 4)
	SoftmaxExt(dst, src, mask, 4, 1, 0, 0, 1)
	if dst[1] != 0 {
		t.Fatalf("masked position got %g", dst[1])
	}
	almost(t, float64(dst[0]), 1.0/3, 1e-5, "unmasked position")
}

// TestAlibiSlopes checks the piecewise geometric slope sequence for a
// non-power-of-two head count.
func TestAlibiSlopes(t *testing.T) {
	const nHeads, maxBias = 12, 8.0
	// Heads below the boundary (8) follow base0^(h+1).
	base0 := math.Pow(2, -maxBias/8)
	for h := 0; h < 8; h++ {
		almost(t, float64(AlibiSlope(maxBias, h, nHeads)), math.Pow(base0, float64(h+1)),
			1e-6, "slope below boundary")
	}
	// Heads past it interleave the gentler base.
	base1 := math.Pow(2, -maxBias/16)
	for h := 8; h < nHeads; h++ {
		almost(t, float64(AlibiSlope(maxBias, h, nHeads)), math.Pow(base1, float64(2*(h-8)+1)),
			1e-6, "slope past boundary")
	}
	if AlibiSlope(0, 3, nHeads) != 1 {
		t.Fatal("zero max bias should disable the slope")
	}
}

// TestDiagMaskInf masks strictly above the shifted diagonal.
func TestDiagMaskInf(t *testing.T) {
	src := make([]float32, 9)
	for i := range src {
		src[i] = 1
	}
	dst := make([]float32, 9)
	DiagMaskInf(dst, src, 3, 3, 0)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			masked := math.IsInf(float64(dst[r*3+c]), -1)
			if masked != (c > r) {
				t.Fatalf("(%d,%d) masked=%v", r, c, masked)
			}
		}
	}
}

// TestRopeIdentityAtZero checks position 0 leaves vectors untouched and
// other positions preserve the norm.
func TestRopeIdentityAtZero(t *testing.T) {
	const headDim, heads = 8, 2
	p := RopeParams{Dims: 8, Mode: RopeNorm, FreqBase: 10000, FreqScale: 1}
	for _, mode := range []RopeMode{RopeNorm, RopeNeoX} {
		p.Mode = mode
		x := make([]float32, headDim*heads*2)
		rng := rand.New(rand.NewSource(int64(mode) + 3))
		for i := range x {
			x[i] = float32(rng.Float64()*2 - 1)
		}
		orig := append([]float32(nil), x...)

		Rope(x, headDim, heads, []int32{0, 17}, p)
		for i := 0; i < headDim*heads; i++ {
			almost(t, float64(x[i]), float64(orig[i]), 1e-6, "rope at position 0")
		}
		var n0, n1 float64
		for i := headDim * heads; i < len(x); i++ {
			n0 += float64(orig[i]) * float64(orig[i])
			n1 += float64(x[i]) * float64(x[i])
		}
		almost(t, n1, n0, 1e-3, "rope norm preservation")
	}
}

// TestRopeYarnAttnFactor checks the attention factor scales the output.
func TestRopeYarnAttnFactor(t *testing.T) {
	const headDim = 8
	base := RopeParams{
		Dims: headDim, Mode: RopeNeoX, FreqBase: 10000, FreqScale: 0.25,
		NCtxOrig: 2048, ExtFactor: 1, AttnFactor: 1, BetaFast: 32, BetaSlow: 1,
	}
	doubled := base
	doubled.AttnFactor = 2

	x1 := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	x2 := append([]float32(nil), x1...)
	Rope(x1, headDim, 1, []int32{100}, base)
	Rope(x2, headDim, 1, []int32{100}, doubled)
	for i := range x1 {
		almost(t, float64(x2[i]), 2*float64(x1[i]), 1e-4, "attention factor scaling")
	}
}

// TestArgsort compares the bitonic network against the standard library
// on random rows, both directions.
func TestArgsort(t *testing.T) {
	const rowLen = 64
	src := make([]float32, rowLen*2)
	rng := rand.New(rand.NewSource(9))
	for i := range src {
		src[i] = float32(rng.Float64())
	}
	for _, order := range []SortOrder{SortAsc, SortDesc} {
		idx := make([]int32, len(src))
		Argsort(idx, src, rowLen, order)
		for r := 0; r < 2; r++ {
			row := src[r*rowLen : (r+1)*rowLen]
			want := make([]int32, rowLen)
			for i := range want {
				want[i] = int32(i)
			}
			sort.SliceStable(want, func(i, j int) bool {
				if order == SortAsc {
					return row[want[i]] < row[want[j]]
				}
				return row[want[i]] > row[want[j]]
			})
			got := idx[r*rowLen : (r+1)*rowLen]
			for i := range want {
				if row[got[i]] != row[want[i]] {
					t.Fatalf("order %d row %d position %d: got value %g, want %g",
						order, r, i, row[got[i]], row[want[i]])
				}
			}
		}
	}
}

// TestArgsortPow2 verifies the power-of-two precondition.
func TestArgsortPow2(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-power-of-two row")
		}
	}()
	Argsort(make([]int32, 6), make([]float32, 6), 6, SortAsc)
}

// TestIm2Col unrolls a known 3x3 single-channel image with a 2x2 window.
func TestIm2Col(t *testing.T) {
	src := []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}
	p := Conv2DParams{KW: 2, KH: 2, SW: 1, SH: 1, DW: 1, DH: 1}
	ow, oh := p.OutW(3), p.OutH(3)
	if ow != 2 || oh != 2 {
		t.Fatalf("output %dx%d, want 2x2", ow, oh)
	}
	dst := make([]float32, ow*oh*4)
	Im2Col(dst, src, 3, 3, 1, p)
	want := []float32{
		1, 2, 4, 5,
		2, 3, 5, 6,
		4, 5, 7, 8,
		5, 6, 8, 9,
	}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("im2col[%d] = %g, want %g", i, dst[i], want[i])
		}
	}
}

// TestIm2ColPadding checks out-of-bounds taps read zero.
func TestIm2ColPadding(t *testing.T) {
	src := []float32{5}
	p := Conv2DParams{KW: 3, KH: 3, SW: 1, SH: 1, PW: 1, PH: 1, DW: 1, DH: 1}
	dst := make([]float32, 9)
	Im2Col(dst, src, 1, 1, 1, p)
	for i, v := range dst {
		if i == 4 {
			if v != 5 {
				t.Fatalf("center tap %g", v)
			}
		} else if v != 0 {
			t.Fatalf("padding tap %d = %g", i, v)
		}
	}
}

// TestPool2D checks max and avg over a strided window, padding counted
// as zero in the average.
func TestPool2D(t *testing.T) {
	src := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}
	p := Conv2DParams{KW: 2, KH: 2, SW: 2, SH: 2, DW: 1, DH: 1}
	dst := make([]float32, 4)
	Pool2D(dst, src, 4, 4, 1, p, PoolMax)
	wantMax := []float32{6, 8, 14, 16}
	for i := range wantMax {
		if dst[i] != wantMax[i] {
			t.Fatalf("max[%d] = %g, want %g", i, dst[i], wantMax[i])
		}
	}
	Pool2D(dst, src, 4, 4, 1, p, PoolAvg)
	wantAvg := []float32{3.5, 5.5, 11.5, 13.5}
	for i := range wantAvg {
		if dst[i] != wantAvg[i] {
			t.Fatalf("avg[%d] = %g, want %g", i, dst[i], wantAvg[i])
		}
	}
}

// TestUpscaleNearest doubles a 2x2 plane.
func TestUpscaleNearest(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 16)
	UpscaleNearest(dst, src, 2, 2, 1, 2, 2)
	want := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("upscale[%d] = %g, want %g", i, dst[i], want[i])
		}
	}
}

// TestPad places src at the offset and zeroes the rest.
func TestPad(t *testing.T) {
	src := []float32{1, 2}
	dst := make([]float32, 12)
	for i := range dst {
		dst[i] = 99
	}
	Pad(dst, Shape{4, 3, 1, 1}, src, Shape{2, 1, 1, 1}, Shape{1, 1, 0, 0})
	for i, v := range dst {
		switch i {
		case 5:
			if v != 1 {
				t.Fatalf("dst[5] = %g", v)
			}
		case 6:
			if v != 2 {
				t.Fatalf("dst[6] = %g", v)
			}
		default:
			if v != 0 {
				t.Fatalf("dst[%d] = %g, want 0", i, v)
			}
		}
	}
}

// TestUnary spot-checks the activation values.
func TestUnary(t *testing.T) {
	x := []float32{-2, 0, 3}
	out := make([]float32, 3)

	Relu(out, x)
	if out[0] != 0 || out[1] != 0 || out[2] != 3 {
		t.Fatalf("relu = %v", out)
	}
	Silu(out, x)
	almost(t, float64(out[1]), 0, 1e-7, "silu(0)")
	almost(t, float64(out[2]), 3/(1+math.Exp(-3)), 1e-5, "silu(3)")
	Gelu(out, x)
	almost(t, float64(out[1]), 0, 1e-7, "gelu(0)")
	if out[2] < 2.9 || out[2] > 3 {
		t.Fatalf("gelu(3) = %g", out[2])
	}
	Clamp(out, x, -1, 1)
	if out[0] != -1 || out[2] != 1 {
		t.Fatalf("clamp = %v", out)
	}
	Sqr(out, x)
	if out[0] != 4 || out[2] != 9 {
		t.Fatalf("sqr = %v", out)
	}
	Neg(out, x)
	if out[0] != 2 || out[2] != -3 {
		t.Fatalf("neg = %v", out)
	}
	Scale(out, x, 0.5)
	if out[0] != -1 || out[2] != 1.5 {
		t.Fatalf("scale = %v", out)
	}
	GeluQuick(out, x)
	almost(t, float64(out[1]), 0, 1e-7, "gelu-quick(0)")
}
