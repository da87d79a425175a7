// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const (
	defaultRepairTol    = 0.99
	maxRepairIterations = 4
)

// isPosDefFullRank returns x unchanged if all of its eigenvalues are
// strictly positive. Otherwise it repeatedly shrinks the off-diagonal
// entries by tol (keeping the diagonal) and returns the first
// attempt that is positive definite. If none of
// maxRepairIterations attempts succeeds, the last attempt is returned
// with converged=false.
//
// The returned matrix is always a copy; x is not modified.
func isPosDefFullRank(x mat.Matrix, tol float64) (repaired *mat.Dense, converged bool) {
	m := mat.DenseCopyOf(x)
	if allEigenvaluesPositive(m) {
		return m, true
	}
	for iter := 0; iter < maxRepairIterations; iter++ {
		shrinkOffDiagonal(m, tol)
		if allEigenvaluesPositive(m) {
			return m, true
		}
	}
	return m, false
}

func allEigenvaluesPositive(m mat.Matrix) bool {
	vals, ok := realEigenvalues(m)
	if !ok {
		return false
	}
	for _, v := range vals {
		if !(v > 0) {
			return false
		}
	}
	return true
}

// realEigenvalues returns the real parts of the eigenvalues of the
// square matrix m. ok is false if m contains NaN/Inf entries or the
// factorization fails.
func realEigenvalues(m mat.Matrix) (vals []float64, ok bool) {
	r, c := m.Dims()
	if r != c {
		return nil, false
	}
	if r == 0 {
		return nil, true
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, false
			}
		}
	}
	var eig mat.Eigen
	if !eig.Factorize(m, mat.EigenNone) {
		return nil, false
	}
	for _, v := range eig.Values(nil) {
		vals = append(vals, real(v))
	}
	return vals, true
}

// safeInverse inverts x. If that fails, x is repaired once with
// isPosDefFullRank and inversion is retried. On a second failure a
// warning is logged and ok is false; callers treat that as "this
// unit did not converge" and carry on with the batch.
//
// name, unit and agg only appear in the warning.
func safeInverse(x mat.Matrix, name, unit, agg string) (inv *mat.Dense, ok bool) {
	if inv, ok = invert(x); ok {
		return inv, true
	}
	repaired, _ := isPosDefFullRank(x, defaultRepairTol)
	if inv, ok = invert(repaired); ok {
		return inv, true
	}
	log.Warnf("could not invert %s for %s %s", name, agg, unit)
	return nil, false
}

// invert fails only if x is exactly singular. An ill-conditioned
// matrix still gets its (possibly inaccurate) inverse.
func invert(x mat.Matrix) (*mat.Dense, bool) {
	inv := &mat.Dense{}
	err := inv.Inverse(x)
	if cond, ok := err.(mat.Condition); ok && !math.IsInf(float64(cond), 1) {
		err = nil
	}
	if err != nil {
		return nil, false
	}
	r, c := inv.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := inv.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, false
			}
		}
	}
	return inv, true
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func ones(n int) *mat.Dense {
	data := make([]float64, n*n)
	for i := range data {
		data[i] = 1
	}
	return mat.NewDense(n, n, data)
}

func diagonal(v []float64) *mat.Dense {
	m := mat.NewDense(len(v), len(v), nil)
	for i, x := range v {
		m.Set(i, i, x)
	}
	return m
}

// kronecker returns the Kronecker product of the given matrices,
// left to right.
func kronecker(first mat.Matrix, rest ...mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(first)
	for _, m := range rest {
		var k mat.Dense
		k.Kronecker(out, m)
		out = &k
	}
	return out
}

// keepRowsCols returns the square sub-matrix of m made of the rows
// and columns listed in keep, in that order.
func keepRowsCols(m mat.Matrix, keep []int) *mat.Dense {
	if len(keep) == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(len(keep), len(keep), nil)
	for i, r := range keep {
		for j, c := range keep {
			out.Set(i, j, m.At(r, c))
		}
	}
	return out
}

func keepEntries(v []float64, keep []int) []float64 {
	out := make([]float64, len(keep))
	for i, idx := range keep {
		out[i] = v[idx]
	}
	return out
}

// maxOffDiagonal returns the largest off-diagonal entry of the
// square matrix m, or -Inf if m is 1x1.
func maxOffDiagonal(m mat.Matrix) float64 {
	n, _ := m.Dims()
	max := math.Inf(-1)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && m.At(i, j) > max {
				max = m.At(i, j)
			}
		}
	}
	return max
}
