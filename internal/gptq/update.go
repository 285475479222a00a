package gptq

import (
	"github.com/samcharles93/caliper/internal/logger"
	"github.com/samcharles93/caliper/internal/tensor"
)

// DefaultPercDamp is the fraction of the mean Hessian diagonal added as
// damping before factorization.
const DefaultPercDamp = 0.01

// apply runs the GPTQ weight correction for this layer in place and releases
// the accumulator.  It returns true when the correction was skipped (no
// samples observed, or the damped Hessian could not be factorized); in that
// case the weights keep their pre-correction values and a warning identifies
// the layer.  Numerical failure here is layer-local and never fatal to the
// calibration run.
func (s *LayerState) apply(log logger.Logger, percdamp float64) bool {
	defer s.release()

	if s.nsamples == 0 {
		log.Warn("no calibration samples observed, skipping GPTQ update", "layer", s.name)
		return true
	}

	weight := s.layer.WeightMatrix()

	// Dead channels and column ordering, per group.  A zero diagonal entry
	// means the input feature never carried energy: the corresponding weight
	// column cannot affect the output on the calibration distribution, so it
	// is zeroed and the diagonal is set to 1 to keep the matrix invertible.
	// Only the Hessian is permuted; weight access goes through perm.
	perms := make([][]int, s.groups)
	for g := 0; g < s.groups; g++ {
		H := &s.hess[g]
		for j := 0; j < s.columns; j++ {
			if H.At(j, j) != 0 {
				continue
			}
			H.Set(j, j, 1)
			if s.groups > 1 {
				// Depthwise: output channel g only sees group g's inputs.
				weight.Set(g, j, 0)
			} else {
				for r := 0; r < s.rows; r++ {
					weight.Set(r, j, 0)
				}
			}
		}
		perm := columnOrder(H.Diag(), s.actOrder)
		if s.actOrder {
			permuted := tensor.NewMat(s.columns, s.columns)
			for a := 0; a < s.columns; a++ {
				row := H.Row(perm[a])
				for b := 0; b < s.columns; b++ {
					permuted.Row(a)[b] = row[perm[b]]
				}
			}
			s.hess[g] = permuted
		}
		perms[g] = perm
	}

	// Stabilized inversion: damp the diagonal, then factor, invert and
	// re-factor so hinv[g] is the upper Cholesky factor of the inverse
	// Hessian.  An ill-conditioned accumulator (typically too few samples)
	// aborts the whole layer before any block correction has touched it.
	hinv := make([]tensor.Mat, s.groups)
	for g := 0; g < s.groups; g++ {
		H := &s.hess[g]
		var trace float64
		for j := 0; j < s.columns; j++ {
			trace += float64(H.At(j, j))
		}
		damp := float32(percdamp * trace / float64(s.columns))
		for j := 0; j < s.columns; j++ {
			H.Set(j, j, H.At(j, j)+damp)
		}

		L, err := tensor.CholeskyLower(H)
		if err != nil {
			log.Warn("failed to compute the inverse Hessian, GPTQ will not be applied; increasing the number of samples might fix this",
				"layer", s.name, "group", g, "err", err)
			return true
		}
		inv := tensor.CholeskyInverse(&L)
		U, err := tensor.CholeskyUpper(&inv)
		if err != nil {
			log.Warn("failed to compute the inverse Hessian, GPTQ will not be applied; increasing the number of samples might fix this",
				"layer", s.name, "group", g, "err", err)
			return true
		}
		hinv[g] = U
	}
	s.hess = nil

	// Block-wise correction.  Within a block each column is driven onto its
	// quantized value and the residual is pushed into the block's remaining
	// columns; after the block, the accumulated residuals are pushed into all
	// later columns.  Quantized weights are recomputed for every column since
	// earlier corrections have already mutated the float weights.
	for i1 := 0; i1 < s.columns; i1 += s.blocksize {
		i2 := i1 + s.blocksize
		if i2 > s.columns {
			i2 = s.columns
		}
		count := i2 - i1

		wb := tensor.NewMat(s.rows, count)
		for r := 0; r < s.rows; r++ {
			perm := perms[s.groupOf(r)]
			for k := 0; k < count; k++ {
				wb.Row(r)[k] = weight.At(r, perm[i1+k])
			}
		}
		eb := tensor.NewMat(s.rows, count)

		for i := 0; i < count; i++ {
			q := s.quantColumn(perms, i1+i)
			for r := 0; r < s.rows; r++ {
				g := s.groupOf(r)
				U := &hinv[g]
				d := U.At(i1+i, i1+i)
				e := (wb.Row(r)[i] - q[r]) / d
				urow := U.Row(i1 + i)
				wrow := wb.Row(r)
				for k := i; k < count; k++ {
					wrow[k] -= e * urow[i1+k]
				}
				eb.Row(r)[i] = e

				perm := perms[g]
				dst := weight.Row(r)
				for k := i; k < count; k++ {
					dst[perm[i1+k]] = wrow[k]
				}
			}
		}

		for r := 0; r < s.rows; r++ {
			g := s.groupOf(r)
			perm := perms[g]
			erow := eb.Row(r)
			dst := weight.Row(r)
			for j := i2; j < s.columns; j++ {
				var sum float32
				for k := 0; k < count; k++ {
					sum += erow[k] * hinv[g].At(i1+k, j)
				}
				dst[perm[j]] -= sum
			}
		}
	}
	return false
}

// columnOrder returns the order in which a group's columns are corrected:
// natural index order, or descending accumulator-diagonal order when
// activation ordering is on (columns carrying more input energy first).
func columnOrder(diag []float32, actOrder bool) []int {
	if actOrder {
		return tensor.ArgsortDescending(diag)
	}
	perm := make([]int, len(diag))
	for i := range perm {
		perm[i] = i
	}
	return perm
}

// groupOf maps an output channel to its Hessian group.
func (s *LayerState) groupOf(row int) int {
	if s.groups > 1 {
		return row
	}
	return 0
}

// quantColumn re-quantizes the layer's current weights and returns the
// permuted column at index i (over the full permuted column range).  No
// caching: the result must reflect the latest in-place weight mutations.
func (s *LayerState) quantColumn(perms [][]int, i int) []float32 {
	qw := s.layer.WeightQuantizer().QuantizeWeights(s.layer.WeightMatrix())
	q := make([]float32, s.rows)
	for r := 0; r < s.rows; r++ {
		q[r] = qw.At(r, perms[s.groupOf(r)][i])
	}
	return q
}
