package kernels

import "fmt"

// Shape is an element count per dimension, innermost first.
type Shape [4]int64

// Elems returns the total element count.
func (s Shape) Elems() int64 { return s[0] * s[1] * s[2] * s[3] }

// CanRepeat reports whether u broadcasts onto s (every dimension of s a
// whole multiple of u's).
func (s Shape) CanRepeat(u Shape) bool {
	for i := range s {
		if u[i] == 0 || s[i]%u[i] != 0 {
			return false
		}
	}
	return true
}

type binOp uint8

const (
	opAdd binOp = iota
	opSub
	opMul
	opDiv
)

// Add writes a+b into dst. b broadcasts onto a's shape per the repeat
// rule; dst and a share the shape ne.
func Add(dst, a []float32, ne Shape, b []float32, bne Shape) {
	binary(dst, a, ne, b, bne, opAdd)
}

// Sub writes a-b into dst with the same broadcast rule.
func Sub(dst, a []float32, ne Shape, b []float32, bne Shape) {
	binary(dst, a, ne, b, bne, opSub)
}

// Mul writes a*b into dst with the same broadcast rule.
func Mul(dst, a []float32, ne Shape, b []float32, bne Shape) {
	binary(dst, a, ne, b, bne, opMul)
}

// Div writes a/b into dst with the same broadcast rule.
func Div(dst, a []float32, ne Shape, b []float32, bne Shape) {
	binary(dst, a, ne, b, bne, opDiv)
}

func binary(dst, a []float32, ne Shape, b []float32, bne Shape, op binOp) {
	if !ne.CanRepeat(bne) {
		panic(fmt.Sprintf("kernels: shape %v does not repeat onto %v", bne, ne))
	}
	if int64(len(dst)) != ne.Elems() || int64(len(a)) != ne.Elems() || int64(len(b)) != bne.Elems() {
		panic("kernels: slice length does not match its shape")
	}
	idx := 0
	for i3 := int64(0); i3 < ne[3]; i3++ {
		for i2 := int64(0); i2 < ne[2]; i2++ {
			for i1 := int64(0); i1 < ne[1]; i1++ {
				brow := b[(((i3%bne[3])*bne[2]+i2%bne[2])*bne[1]+i1%bne[1])*bne[0]:]
				for i0 := int64(0); i0 < ne[0]; i0++ {
					bv := brow[i0%bne[0]]
					av := a[idx]
					switch op {
					case opAdd:
						dst[idx] = av + bv
					case opSub:
						dst[idx] = av - bv
					case opMul:
						dst[idx] = av * bv
					case opDiv:
						dst[idx] = av / bv
					}
					idx++
				}
			}
		}
	}
}

// Repeat tiles src (shape sne) into dst (shape ne).
func Repeat(dst []float32, ne Shape, src []float32, sne Shape) {
	if !ne.CanRepeat(sne) {
		panic(fmt.Sprintf("kernels: shape %v does not repeat onto %v", sne, ne))
	}
	idx := 0
	for i3 := int64(0); i3 < ne[3]; i3++ {
		for i2 := int64(0); i2 < ne[2]; i2++ {
			for i1 := int64(0); i1 < ne[1]; i1++ {
				row := src[(((i3%sne[3])*sne[2]+i2%sne[2])*sne[1]+i1%sne[1])*sne[0]:]
				for i0 := int64(0); i0 < ne[0]; i0++ {
					dst[idx] = row[i0%sne[0]]
					idx++
				}
			}
		}
	}
}

// Concat writes a then b into dst along dimension dim; all other
// dimensions must match.
func Concat(dst []float32, a []float32, ane Shape, b []float32, bne Shape, dim int) {
	for i := range ane {
		if i != dim && ane[i] != bne[i] {
			panic(fmt.Sprintf("kernels: concat shapes %v and %v differ off axis %d", ane, bne, dim))
		}
	}
	ne := ane
	ne[dim] += bne[dim]
	idx := 0
	for i3 := int64(0); i3 < ne[3]; i3++ {
		for i2 := int64(0); i2 < ne[2]; i2++ {
			for i1 := int64(0); i1 < ne[1]; i1++ {
				for i0 := int64(0); i0 < ne[0]; i0++ {
					co := [4]int64{i0, i1, i2, i3}
					if co[dim] < ane[dim] {
						dst[idx] = a[((co[3]*ane[2]+co[2])*ane[1]+co[1])*ane[0]+co[0]]
					} else {
						co[dim] -= ane[dim]
						dst[idx] = b[((co[3]*bne[2]+co[2])*bne[1]+co[1])*bne[0]+co[0]]
					}
					idx++
				}
			}
		}
	}
}

// SumRows reduces each innermost row to one element.
func SumRows(dst, src []float32, ne Shape) {
	rows := ne[1] * ne[2] * ne[3]
	for r := int64(0); r < rows; r++ {
		var s float32
		for _, v := range src[r*ne[0] : (r+1)*ne[0]] {
			s += v
		}
		dst[r] = s
	}
}
