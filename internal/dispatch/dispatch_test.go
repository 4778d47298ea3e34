package dispatch

import (
	"math"
	"math/rand"
	"testing"

	"github.com/kilnml/kiln/internal/device"
	"github.com/kilnml/kiln/internal/simd"
	"github.com/kilnml/kiln/internal/tensor"
	"github.com/kilnml/kiln/pkg/quant"
)

func testEngine(t *testing.T, devices int, cfg device.Config) *Engine {
	t.Helper()
	cfg.Devices = devices
	ctx, err := device.NewContext(cfg)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return New(ctx, Config{})
}

func randRows(t *tensor.Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	row := make([]float32, t.Ne[0])
	for r := int64(0); r < t.NumRows(); r++ {
		for i := range row {
			row[i] = float32(rng.Float64()*2 - 1)
		}
		t.SetF32(r, row)
	}
}

// naive computes the reference product against fully decoded weights.
func naive(a, b *tensor.Tensor) []float32 {
	k, m0, n0 := int(a.Ne[0]), int(a.Ne[1]), int(b.Ne[1])
	out := make([]float32, m0*n0)
	arow := make([]float32, k)
	brow := make([]float32, k)
	for m := 0; m < m0; m++ {
		a.F32Row(int64(m), arow)
		for n := 0; n < n0; n++ {
			b.F32Row(int64(n), brow)
			var acc float64
			for i := 0; i < k; i++ {
				acc += float64(arow[i]) * float64(brow[i])
			}
			out[n*m0+m] = float32(acc)
		}
	}
	return out
}

func matmulOut(t *testing.T, e *Engine, a, b *tensor.Tensor) []float32 {
	t.Helper()
	dst := tensor.New("c", quant.TypeF32, a.Ne[1], b.Ne[1])
	if !e.Compute(&Op{Code: OpMatMul, Src: [3]*tensor.Tensor{a, b}, Dst: dst}) {
		t.Fatal("matmul not handled")
	}
	out := make([]float32, dst.NumElems())
	quant.GetF32Row(out, dst.Host)
	return out
}

func maxRelErr(got, want []float32) float64 {
	var worst float64
	for i := range got {
		diff := math.Abs(float64(got[i] - want[i]))
		scale := math.Max(1, math.Abs(float64(want[i])))
		if diff/scale > worst {
			worst = diff / scale
		}
	}
	return worst
}

// TestPickStrategies pins the selection order on representative shapes.
func TestPickStrategies(t *testing.T) {
	e := testEngine(t, 1, device.Config{})

	a := tensor.New("w", quant.TypeF32, 64, 8)
	b := tensor.New("x", quant.TypeF32, 64, 4)
	if s := e.pick(a, b); s != StratDenseF32 {
		t.Fatalf("dense weights picked %s", s)
	}

	perm := tensor.New("k", quant.TypeF16, 64, 8).Permute([4]int{1, 0, 2, 3})
	one := tensor.New("q", quant.TypeF32, perm.Ne[0], 1)
	if s := e.pick(perm, one); s != StratPermutedKQ && s != StratPermutedKQV {
		t.Fatalf("permuted single column picked %s", s)
	}

	qa := tensor.New("wq", quant.TypeQ4_0, 64, 8)
	s := e.pick(qa, b)
	if simd.Host().Int8MAC {
		if s != StratMMQ {
			t.Fatalf("int8-capable multi-column picked %s", s)
		}
	} else if s != StratDequantGEMM {
		t.Fatalf("multi-column without int8 MAC picked %s", s)
	}

	sv := e.pick(qa, tensor.New("x1", quant.TypeF32, 64, 1))
	if sv != StratMMQ && sv != StratMMVQ {
		t.Fatalf("matrix-vector picked %s", sv)
	}

	batched := tensor.New("wb", quant.TypeF32, 32, 4, 3)
	eMixed := New(e.ctx, Config{MixedPrecision: true})
	if s := eMixed.pick(batched, tensor.New("xb", quant.TypeF32, 32, 4, 3)); s != StratBatchedF16 {
		t.Fatalf("mixed-precision batch picked %s", s)
	}
	if s := e.pick(batched, tensor.New("xb2", quant.TypeF32, 32, 4, 3)); s == StratBatchedF16 {
		t.Fatal("batched half GEMM must stay behind the config switch")
	}
}

// TestMatmulDense compares the float32 path to the double-precision
// reference.
func TestMatmulDense(t *testing.T) {
	e := testEngine(t, 1, device.Config{})
	a := tensor.New("w", quant.TypeF32, 96, 7)
	b := tensor.New("x", quant.TypeF32, 96, 5)
	randRows(a, 10)
	randRows(b, 11)
	if w := maxRelErr(matmulOut(t, e, a, b), naive(a, b)); w > 1e-4 {
		t.Fatalf("worst relative error %g", w)
	}
}

// TestMatmulQuantized runs the quantized paths against the decoded
// reference for a spread of formats.
func TestMatmulQuantized(t *testing.T) {
	e := testEngine(t, 1, device.Config{})
	for _, typ := range []quant.Type{quant.TypeQ4_0, quant.TypeQ8_0, quant.TypeQ4_K, quant.TypeQ6_K} {
		a := tensor.New("w", typ, 256, 8)
		b := tensor.New("x", quant.TypeF32, 256, 3)
		randRows(a, int64(typ))
		randRows(b, int64(typ)+100)
		got := matmulOut(t, e, a, b)
		want := naive(a, b)
		if w := maxRelErr(got, want); w > 2e-2 {
			t.Fatalf("%s: worst relative error %g", typ, w)
		}
	}
}

// TestMatmulMatrixVector exercises the single-column selection.
func TestMatmulMatrixVector(t *testing.T) {
	e := testEngine(t, 1, device.Config{})
	a := tensor.New("w", quant.TypeQ8_0, 128, 16)
	b := tensor.New("x", quant.TypeF32, 128, 1)
	randRows(a, 21)
	randRows(b, 22)
	if w := maxRelErr(matmulOut(t, e, a, b), naive(a, b)); w > 1e-2 {
		t.Fatalf("worst relative error %g", w)
	}
}

// TestRowSplitGather splits weights over simulated devices and checks
// the gathered product matches the single-device result, for row
// counts both divisible and not divisible by the split alignment.
func TestRowSplitGather(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		for _, rows := range []int64{64, 72} {
			e := testEngine(t, n, device.Config{})
			a := tensor.New("w", quant.TypeQ8_0, 64, rows)
			b := tensor.New("x", quant.TypeF32, 64, 3)
			randRows(a, rows)
			randRows(b, rows+1)
			want := naive(a, b)

			if err := e.SplitRows(a); err != nil {
				t.Fatalf("n=%d rows=%d: split: %v", n, rows, err)
			}
			if a.Placement != tensor.RowSplit {
				t.Fatal("placement not updated")
			}
			got := matmulOut(t, e, a, b)
			if w := maxRelErr(got, want); w > 1e-3 {
				t.Fatalf("n=%d rows=%d: worst relative error %g", n, rows, w)
			}
			if err := e.FreeSplit(a); err != nil {
				t.Fatalf("free split: %v", err)
			}
		}
	}
}

// TestRowSplitStaged repeats the gather with peer access disabled so
// the partials travel through the host staging path.
func TestRowSplitStaged(t *testing.T) {
	e := testEngine(t, 2, device.Config{PeerDisabled: [][2]int{{0, 1}}})
	a := tensor.New("w", quant.TypeF32, 32, 48)
	b := tensor.New("x", quant.TypeF32, 32, 2)
	randRows(a, 31)
	randRows(b, 32)
	want := naive(a, b)
	if err := e.SplitRows(a); err != nil {
		t.Fatalf("split: %v", err)
	}
	if w := maxRelErr(matmulOut(t, e, a, b), want); w > 1e-4 {
		t.Fatalf("worst relative error %g", w)
	}
}

// TestSplitBoundsAlignment checks interior boundaries land on the
// alignment and the bands cover every row exactly once.
func TestSplitBoundsAlignment(t *testing.T) {
	e := testEngine(t, 4, device.Config{})
	a := tensor.New("w", quant.TypeF32, 32, 100)
	randRows(a, 5)
	if err := e.SplitRows(a); err != nil {
		t.Fatalf("split: %v", err)
	}
	lo := int64(0)
	for d, bd := range a.Split.Bounds {
		if bd.Lo != lo {
			t.Fatalf("device %d band starts at %d, previous ended at %d", d, bd.Lo, lo)
		}
		if d < len(a.Split.Bounds)-1 && bd.Hi%rowSplitAlign != 0 {
			t.Fatalf("device %d interior boundary %d not aligned", d, bd.Hi)
		}
		lo = bd.Hi
	}
	if lo != 100 {
		t.Fatalf("bands cover %d of 100 rows", lo)
	}
}

// TestLinearRampEndToEnd quantizes a linear ramp, bounds the decode
// error per block, and checks the kernel dot against the decoded sum.
func TestLinearRampEndToEnd(t *testing.T) {
	const n = 256
	src := make([]float32, n)
	for i := range src {
		src[i] = -1 + 2*float32(i)/(n-1)
	}
	a := tensor.New("ramp", quant.TypeQ4_0, n, 1)
	a.SetF32(0, src)

	dec := make([]float32, n)
	a.F32Row(0, dec)
	// The ramp spans [-1, 1]; 4-bit quantization must stay within the
	// range divided by the representable steps.
	const bound = 2.0 / 15
	for i := range dec {
		if math.Abs(float64(dec[i]-src[i])) > bound {
			t.Fatalf("element %d decodes to %g from %g, bound %g", i, dec[i], src[i], bound)
		}
	}

	e := testEngine(t, 1, device.Config{})
	ones := tensor.New("ones", quant.TypeF32, n, 1)
	row := make([]float32, n)
	for i := range row {
		row[i] = 1
	}
	ones.SetF32(0, row)
	got := matmulOut(t, e, a, ones)[0]
	var sum float64
	for _, v := range dec {
		sum += float64(v)
	}
	if math.Abs(float64(got)-sum) > 1e-2 {
		t.Fatalf("dot %g, decoded sum %g", got, sum)
	}
}

// TestComputeRoutesKernels spot-checks a few non-matmul op codes end
// to end through Compute.
func TestComputeRoutesKernels(t *testing.T) {
	e := testEngine(t, 1, device.Config{})

	a := tensor.New("a", quant.TypeF32, 8, 1)
	b := tensor.New("b", quant.TypeF32, 8, 1)
	dst := tensor.New("d", quant.TypeF32, 8, 1)
	rowA := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	rowB := []float32{8, 7, 6, 5, 4, 3, 2, 1}
	a.SetF32(0, rowA)
	b.SetF32(0, rowB)
	if !e.Compute(&Op{Code: OpAdd, Src: [3]*tensor.Tensor{a, b}, Dst: dst}) {
		t.Fatal("add not handled")
	}
	got := make([]float32, 8)
	dst.F32Row(0, got)
	for _, v := range got {
		if v != 9 {
			t.Fatalf("add result %v", got)
		}
	}

	if !e.Compute(&Op{Code: OpSoftmax, Src: [3]*tensor.Tensor{a}, Dst: dst}) {
		t.Fatal("softmax not handled")
	}
	dst.F32Row(0, got)
	var sum float64
	for _, v := range got {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("softmax sum %g", sum)
	}

	if !e.Compute(&Op{Code: OpRMSNorm, Src: [3]*tensor.Tensor{a}, Dst: dst, Params: Params{Eps: 1e-6}}) {
		t.Fatal("rms norm not handled")
	}
	dst.F32Row(0, got)
	var ms float64
	for _, v := range got {
		ms += float64(v) * float64(v)
	}
	if math.Abs(ms/8-1) > 1e-3 {
		t.Fatalf("rms %g", ms/8)
	}

	if e.Compute(&Op{Code: OpNone, Dst: dst}) {
		t.Fatal("unknown op reported handled")
	}
}

// TestUploadDownload round-trips a tensor through device residency and
// runs a kernel on it while resident.
func TestUploadDownload(t *testing.T) {
	e := testEngine(t, 1, device.Config{})
	a := tensor.New("a", quant.TypeF32, 16, 2)
	randRows(a, 77)
	want := make([]float32, 32)
	quant.GetF32Row(want, a.Host)

	if err := e.Upload(a, 0); err != nil {
		t.Fatalf("upload: %v", err)
	}
	dst := tensor.New("d", quant.TypeF32, 16, 2)
	if !e.Compute(&Op{Code: OpScale, Src: [3]*tensor.Tensor{a}, Dst: dst, Params: Params{Scale: 2}}) {
		t.Fatal("scale not handled")
	}
	got := make([]float32, 32)
	quant.GetF32Row(got, dst.Host)
	for i := range got {
		if got[i] != 2*want[i] {
			t.Fatalf("scale[%d] = %g, want %g", i, got[i], 2*want[i])
		}
	}

	if err := e.Download(a); err != nil {
		t.Fatalf("download: %v", err)
	}
	back := make([]float32, 32)
	quant.GetF32Row(back, a.Host)
	for i := range back {
		if back[i] != want[i] {
			t.Fatalf("round trip [%d] = %g, want %g", i, back[i], want[i])
		}
	}
}

// TestCopyTensor covers the host/device placement combinations.
func TestCopyTensor(t *testing.T) {
	e := testEngine(t, 2, device.Config{})
	src := tensor.New("s", quant.TypeF32, 8, 1)
	randRows(src, 3)
	orig := append([]byte(nil), src.Host...)

	hostDst := tensor.New("h", quant.TypeF32, 8, 1)
	if err := e.CopyTensor(hostDst, src); err != nil {
		t.Fatalf("host copy: %v", err)
	}
	if string(hostDst.Host) != string(orig) {
		t.Fatal("host copy diverged")
	}

	devDst := tensor.New("d", quant.TypeF32, 8, 1)
	if err := e.Upload(devDst, 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := e.CopyTensor(devDst, src); err != nil {
		t.Fatalf("h2d copy: %v", err)
	}
	if err := e.Download(devDst); err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(devDst.Host) != string(orig) {
		t.Fatal("device copy diverged")
	}

	bad := tensor.New("b", quant.TypeF32, 16, 1)
	if err := e.CopyTensor(bad, src); err == nil {
		t.Fatal("shape mismatch accepted")
	}
}

// TestCodebookUpload pins the one-time device residency of the shared
// importance-quantization tables.
func TestCodebookUpload(t *testing.T) {
	e := testEngine(t, 1, device.Config{})
	a := tensor.New("a", quant.TypeIQ2_XXS, 256, 1)
	randRows(a, 71)
	if err := e.Upload(a, 0); err != nil {
		t.Fatalf("upload: %v", err)
	}
	dev := e.ctx.Device(0)
	n := dev.LiveBuffers() // tensor payload + grid + sign table
	if n != 3 {
		t.Fatalf("%d live buffers after first upload", n)
	}
	b := tensor.New("b", quant.TypeIQ2_XXS, 256, 1)
	randRows(b, 72)
	if err := e.Upload(b, 0); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if dev.LiveBuffers() != n+1 {
		t.Fatalf("codebooks re-uploaded: %d live buffers", dev.LiveBuffers())
	}
}

// TestSetGetTensorData checks ranged access on both placements.
func TestSetGetTensorData(t *testing.T) {
	e := testEngine(t, 1, device.Config{})
	a := tensor.New("a", quant.TypeF32, 8, 1)
	if err := e.Upload(a, 0); err != nil {
		t.Fatalf("upload: %v", err)
	}
	patch := []byte{1, 2, 3, 4}
	if err := e.SetTensorData(a, patch, 8); err != nil {
		t.Fatalf("set: %v", err)
	}
	got := make([]byte, 4)
	if err := e.GetTensorData(a, got, 8); err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(patch) {
		t.Fatalf("read back %v", got)
	}
	if err := e.SetTensorData(a, patch, a.ByteSize()); err == nil {
		t.Fatal("out-of-range write accepted")
	}
}
