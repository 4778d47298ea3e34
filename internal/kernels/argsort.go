package kernels

import "fmt"

// SortOrder selects argsort direction.
type SortOrder uint8

const (
	SortAsc SortOrder = iota
	SortDesc
)

// Argsort writes into dst the index permutation ordering each row of src.
// It runs the bitonic network the device kernels use, so rowLen must be a
// power of two; other lengths are a caller bug.
func Argsort(dst []int32, src []float32, rowLen int, order SortOrder) {
	if rowLen <= 0 || rowLen&(rowLen-1) != 0 {
		panic(fmt.Sprintf("kernels: argsort row length %d is not a power of two", rowLen))
	}
	rows := len(src) / rowLen
	for r := 0; r < rows; r++ {
		row := src[r*rowLen : (r+1)*rowLen]
		idx := dst[r*rowLen : (r+1)*rowLen]
		for i := range idx {
			idx[i] = int32(i)
		}
		bitonicSort(row, idx, order)
	}
}

// bitonicSort runs the compare-exchange network over one row's indices.
func bitonicSort(row []float32, idx []int32, order SortOrder) {
	n := len(idx)
	for k := 2; k <= n; k <<= 1 {
		for j := k >> 1; j > 0; j >>= 1 {
			for i := 0; i < n; i++ {
				l := i ^ j
				if l <= i {
					continue
				}
				ascending := i&k == 0
				if order == SortDesc {
					ascending = !ascending
				}
				if (row[idx[i]] > row[idx[l]]) == ascending {
					idx[i], idx[l] = idx[l], idx[i]
				}
			}
		}
	}
}
