package tensor

import (
	"math"
	"testing"

	"github.com/kilnml/kiln/pkg/quant"
)

// TestNewStrides checks the packed strides of a quantized matrix: Nb[0]
// addresses by block, Nb[1] by encoded row.
func TestNewStrides(t *testing.T) {
	w := New("w", quant.TypeQ4_0, 128, 7)
	if w.Nb[0] != 18 {
		t.Fatalf("block stride %d, want 18", w.Nb[0])
	}
	if w.Nb[1] != 4*18 {
		t.Fatalf("row stride %d, want %d", w.Nb[1], 4*18)
	}
	if w.ByteSize() != 7*4*18 {
		t.Fatalf("byte size %d, want %d", w.ByteSize(), 7*4*18)
	}
	if !w.IsContiguous() || w.IsPermuted() || w.IsTransposed() {
		t.Fatal("fresh tensor should be contiguous and unpermuted")
	}
	if len(w.Host) != int(w.ByteSize()) {
		t.Fatalf("host backing %d bytes, want %d", len(w.Host), w.ByteSize())
	}
}

// TestNewBlockAlignment verifies the row-length precondition.
func TestNewBlockAlignment(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for misaligned row length")
		}
	}()
	New("w", quant.TypeQ4_K, 100)
}

// TestPermute checks stride bookkeeping and the permutation predicates.
func TestPermute(t *testing.T) {
	a := New("a", quant.TypeF32, 8, 4, 2)
	p := a.Permute([MaxDims]int{1, 0, 2, 3})
	if p.Ne != [MaxDims]int64{4, 8, 2, 1} {
		t.Fatalf("permuted shape %v", p.Ne)
	}
	if !p.IsPermuted() || !p.IsTransposed() {
		t.Fatal("swap of the two inner dims should read as transposed")
	}
	if p.IsContiguous() {
		t.Fatal("permuted view should not be contiguous")
	}
	// The view shares bytes with the original.
	if len(p.Host) != len(a.Host) || &p.Host[0] != &a.Host[0] {
		t.Fatal("permuted view must alias the original bytes")
	}
}

// TestPermuteBad verifies duplicate axes panic.
func TestPermuteBad(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for duplicate axis")
		}
	}()
	New("a", quant.TypeF32, 4, 4).Permute([MaxDims]int{0, 0, 2, 3})
}

// TestCanRepeat checks the broadcast divisibility rule.
func TestCanRepeat(t *testing.T) {
	a := New("a", quant.TypeF32, 8, 6)
	b := New("b", quant.TypeF32, 8, 3)
	c := New("c", quant.TypeF32, 8, 5)
	if !a.CanRepeat(b) {
		t.Error("8x6 should accept 8x3 broadcast")
	}
	if a.CanRepeat(c) {
		t.Error("8x6 should reject 8x5 broadcast")
	}
	if !a.CanRepeat(a) {
		t.Error("a tensor always broadcasts onto itself")
	}
}

// TestRowCodecAccess round-trips rows through the f32, f16 and quantized
// paths of SetF32/F32Row.
func TestRowCodecAccess(t *testing.T) {
	for _, typ := range []quant.Type{quant.TypeF32, quant.TypeF16, quant.TypeQ8_0} {
		w := New("w", typ, 32, 2)
		row := make([]float32, 32)
		for i := range row {
			row[i] = float32(i)/16 - 1
		}
		w.SetF32(1, row)
		got := make([]float32, 32)
		w.F32Row(1, got)
		for i := range row {
			if err := math.Abs(float64(row[i] - got[i])); err > 0.02 {
				t.Fatalf("%s: row element %d: got %g, want %g", typ, i, got[i], row[i])
			}
		}
		// Row 0 was never written and must stay zero.
		w.F32Row(0, got)
		for i, v := range got {
			if v != 0 {
				t.Fatalf("%s: untouched row decoded to %g at %d", typ, v, i)
			}
		}
	}
}

// TestRowRange checks the band arithmetic used by the split planner.
func TestRowRange(t *testing.T) {
	r := RowRange{Lo: 96, Hi: 160}
	if r.Rows() != 64 {
		t.Fatalf("band height %d, want 64", r.Rows())
	}
}
