package tensor

import "sort"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Gemm computes C = A * B.  Dimensions must satisfy A.C == B.R, C.R == A.R
// and C.C == B.C.  The i-k-j loop order keeps the inner loop streaming over
// contiguous rows of B and C.
func Gemm(C, A, B *Mat) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("Gemm dimension mismatch")
	}
	for i := 0; i < C.R; i++ {
		crow := C.Row(i)
		for j := range crow {
			crow[j] = 0
		}
		arow := A.Row(i)
		for k := 0; k < A.C; k++ {
			a := arow[k]
			if a == 0 {
				continue
			}
			brow := B.Row(k)
			for j := range brow {
				crow[j] += a * brow[j]
			}
		}
	}
}

// MatVec computes dst = A * x.  dst must have length A.R and x length A.C.
func MatVec(dst []float32, A *Mat, x []float32) {
	if len(dst) != A.R || len(x) != A.C {
		panic("MatVec dimension mismatch")
	}
	for i := 0; i < A.R; i++ {
		dst[i] = Dot(A.Row(i), x)
	}
}

// AddXXT accumulates dst += X * Xᵀ.  dst must be square with dimension X.R.
// Only the full matrix is written (no triangular packing); dst stays symmetric
// if it was symmetric before the call.
func AddXXT(dst, X *Mat) {
	if dst.R != dst.C || dst.R != X.R {
		panic("AddXXT dimension mismatch")
	}
	for i := 0; i < X.R; i++ {
		xi := X.Row(i)
		drow := dst.Row(i)
		for j := i; j < X.R; j++ {
			s := Dot(xi, X.Row(j))
			drow[j] += s
			if i != j {
				dst.Row(j)[i] += s
			}
		}
	}
}

// ArgsortDescending returns the indices that would sort values from largest
// to smallest.  The sort is stable so equal values keep their original
// relative order, which makes downstream permutations deterministic.
func ArgsortDescending(values []float32) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return values[idx[a]] > values[idx[b]]
	})
	return idx
}
