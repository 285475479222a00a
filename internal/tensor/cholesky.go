package tensor

import (
	"errors"
	"math"
)

// ErrNotPositiveDefinite is returned when a Cholesky factorization encounters
// a non-positive pivot.  The input is either singular or not positive
// definite, typically because too few samples were accumulated into it.
var ErrNotPositiveDefinite = errors.New("tensor: matrix is not positive definite")

// CholeskyLower factors a symmetric positive definite matrix A into a lower
// triangular L with A = L * Lᵀ.  A is not modified.  Entries above the
// diagonal of the result are zero.
func CholeskyLower(A *Mat) (Mat, error) {
	if A.R != A.C {
		panic("CholeskyLower requires a square matrix")
	}
	n := A.R
	L := NewMat(n, n)
	for i := 0; i < n; i++ {
		li := L.Row(i)
		for j := 0; j <= i; j++ {
			lj := L.Row(j)
			sum := float64(A.At(i, j))
			for k := 0; k < j; k++ {
				sum -= float64(li[k]) * float64(lj[k])
			}
			if i == j {
				if sum <= 0 || math.IsNaN(sum) {
					return Mat{}, ErrNotPositiveDefinite
				}
				li[j] = float32(math.Sqrt(sum))
			} else {
				li[j] = float32(sum / float64(lj[j]))
			}
		}
	}
	return L, nil
}

// CholeskyUpper factors a symmetric positive definite matrix A into an upper
// triangular U with A = Uᵀ * U.  U is the transpose of the lower factor.
func CholeskyUpper(A *Mat) (Mat, error) {
	L, err := CholeskyLower(A)
	if err != nil {
		return Mat{}, err
	}
	U := L.Transpose()
	return U, nil
}

// CholeskyInverse computes the inverse of the symmetric positive definite
// matrix whose lower Cholesky factor is L.  Given A = L * Lᵀ it returns
// A⁻¹ = L⁻ᵀ * L⁻¹, which is again symmetric positive definite.
func CholeskyInverse(L *Mat) Mat {
	if L.R != L.C {
		panic("CholeskyInverse requires a square matrix")
	}
	n := L.R

	// Invert the lower triangular factor by forward substitution.
	// invL is lower triangular with invL[i][i] = 1/L[i][i].
	invL := NewMat(n, n)
	for i := 0; i < n; i++ {
		li := L.Row(i)
		invL.Row(i)[i] = 1 / li[i]
		for j := 0; j < i; j++ {
			var sum float64
			for k := j; k < i; k++ {
				sum += float64(li[k]) * float64(invL.At(k, j))
			}
			invL.Row(i)[j] = float32(-sum / float64(li[i]))
		}
	}

	// A⁻¹[i][j] = Σ_k invL[k][i] * invL[k][j], k ≥ max(i, j).
	out := NewMat(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			var sum float64
			for k := i; k < n; k++ {
				sum += float64(invL.At(k, i)) * float64(invL.At(k, j))
			}
			out.Row(i)[j] = float32(sum)
			out.Row(j)[i] = float32(sum)
		}
	}
	return out
}
