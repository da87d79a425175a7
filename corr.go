// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"math"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	corrMinMAF        = 0.01
	corrNullP         = 1e-2 // both p-values at least this: null variant
	corrSigP          = 1e-5 // either p-value at most this: significant variant
	corrKeepP         = 0.01 // keep a correlation only if its own p-value is at most this
	corrSnapToZero    = 0.01 // entries smaller than this in magnitude become 0
	maxPhenotypicCorr = 0.9
)

// estimateCorrelations returns the correlation of errors (SK x SK)
// and the phenotypic correlation (K x K) estimated from the given
// dataset rows.
func estimateCorrelations(ds *Dataset, rows []int) (errCorr, rPhen *mat.Dense) {
	errCorr = buildErrCorr(ds, rows)
	snapToZero(errCorr, corrSnapToZero)
	rPhen = buildRPhen(ds, rows)
	snapToZero(rPhen, corrSnapToZero)
	for maxOffDiagonal(rPhen) > maxPhenotypicCorr {
		shrinkOffDiagonal(rPhen, 0.9)
	}
	return errCorr, rPhen
}

// buildErrCorr estimates the correlation of errors between every
// pair of (study, phenotype) combinations from common, LD-independent
// variants with a null consequence that are not associated with
// either phenotype.
func buildErrCorr(ds *Dataset, rows []int) *mat.Dense {
	sk := ds.S() * ds.K()
	if sk == 1 {
		return identity(1)
	}
	rows = ds.filter(rows, func(row int) bool {
		meta := &ds.Meta[row]
		return meta.MAF >= corrMinMAF && meta.LDIndep && nullConsequences[meta.Consequence]
	})
	pairs := ds.pairsWithData(rows, nil)
	rows = ds.completeRows(rows, pairs)
	if len(rows) == 0 {
		log.Warn("correlation of errors is noisy, assuming independent effects")
		return identity(sk)
	}
	active := make([]bool, sk)
	for _, pair := range pairs {
		active[pair] = true
	}
	errCorr := identity(sk)
	for a := 0; a < sk; a++ {
		for b := a + 1; b < sk; b++ {
			if !active[a] || !active[b] {
				continue
			}
			pa, pb := ds.pairs[a], ds.pairs[b]
			x, y := ds.pairedBetas(rows, a, b, func(row int) bool {
				return pa.P[row] >= corrNullP && pb.P[row] >= corrNullP
			})
			r, p := pearson(x, y)
			if !(p <= corrKeepP) {
				r = 0
			}
			errCorr.Set(a, b, r)
			errCorr.Set(b, a, r)
		}
	}
	nanToZero(errCorr)
	return errCorr
}

// buildRPhen estimates the correlation between phenotypes from
// common, LD-independent variants that are significant for at least
// one phenotype, using only the (study, phenotype) combinations
// flagged for this in the map file.
func buildRPhen(ds *Dataset, rows []int) *mat.Dense {
	S, K := ds.S(), ds.K()
	if K == 1 {
		return identity(1)
	}
	rows = ds.filter(rows, func(row int) bool {
		meta := &ds.Meta[row]
		return meta.MAF >= corrMinMAF && meta.LDIndep
	})
	pairs := ds.pairsWithData(rows, ds.rphen)
	rows = ds.completeRows(rows, pairs)
	if len(pairs) == 0 || len(rows) == 0 {
		log.Warn("no files usable for R_phen estimation, assuming independent effects")
		return identity(K)
	}
	active := make([]bool, S*K)
	for _, pair := range pairs {
		active[pair] = true
	}

	phenCorr := mat.NewDense(S*K, S*K, nil)
	for a := 0; a < S*K; a++ {
		for b := 0; b < S*K; b++ {
			phenCorr.Set(a, b, math.NaN())
			if a >= b || !active[a] || !active[b] {
				continue
			}
			pa, pb := ds.pairs[a], ds.pairs[b]
			x, y := ds.pairedBetas(rows, a, b, func(row int) bool {
				return pa.P[row] <= corrSigP || pb.P[row] <= corrSigP
			})
			if r, p := pearson(x, y); p <= corrKeepP {
				phenCorr.Set(a, b, r)
			}
		}
	}

	rPhen := identity(K)
	for k1 := 0; k1 < K; k1++ {
		for k2 := k1 + 1; k2 < K; k2++ {
			var idx []int
			for s := 0; s < S; s++ {
				idx = append(idx, ds.pairIndex(s, k1), ds.pairIndex(s, k2))
			}
			var vals stats.Float64Data
			for _, a := range idx {
				for _, b := range idx {
					if v := phenCorr.At(a, b); !math.IsNaN(v) {
						vals = append(vals, v)
					}
				}
			}
			median := math.NaN()
			if len(vals) > 0 {
				median, _ = stats.Median(vals)
			}
			rPhen.Set(k1, k2, median)
			rPhen.Set(k2, k1, median)
		}
	}
	nanToZero(rPhen)
	return rPhen
}

// pairsWithData returns the pairs that have at least one non-NaN beta
// and p-value among rows. If include is not nil, only pairs with
// include[pair] true are considered.
func (ds *Dataset) pairsWithData(rows []int, include []bool) []int {
	var out []int
	for pair, pc := range ds.pairs {
		if pc == nil || (include != nil && !include[pair]) {
			continue
		}
		hasBeta, hasP := false, false
		for _, row := range rows {
			hasBeta = hasBeta || !math.IsNaN(pc.Beta[row])
			hasP = hasP || !math.IsNaN(pc.P[row])
			if hasBeta && hasP {
				out = append(out, pair)
				break
			}
		}
	}
	return out
}

// completeRows returns the rows that have a beta and p-value for
// every one of the given pairs.
func (ds *Dataset) completeRows(rows []int, pairs []int) []int {
	return ds.filter(rows, func(row int) bool {
		for _, pair := range pairs {
			pc := ds.pairs[pair]
			if math.IsNaN(pc.Beta[row]) || math.IsNaN(pc.P[row]) {
				return false
			}
		}
		return true
	})
}

func (ds *Dataset) pairedBetas(rows []int, a, b int, keep func(row int) bool) (x, y []float64) {
	for _, row := range rows {
		if keep(row) {
			x = append(x, ds.pairs[a].Beta[row])
			y = append(y, ds.pairs[b].Beta[row])
		}
	}
	return
}

// pearson returns the Pearson correlation of x and y and the
// two-sided p-value of the null hypothesis r=0. With fewer than 3
// points, or if either input is constant, both are NaN.
func pearson(x, y []float64) (r, p float64) {
	n := len(x)
	if n < 3 {
		return math.NaN(), math.NaN()
	}
	r = stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return r, math.NaN()
	}
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	if math.Abs(r) == 1 {
		return r, 0
	}
	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return r, 2 * dist.Survival(math.Abs(t))
}

func nanToZero(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(m.At(i, j)) {
				m.Set(i, j, 0)
			}
		}
	}
}

func snapToZero(m *mat.Dense, thresh float64) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.Abs(m.At(i, j)) < thresh {
				m.Set(i, j, 0)
			}
		}
	}
}

// shrinkOffDiagonal multiplies every off-diagonal entry of m by f.
func shrinkOffDiagonal(m *mat.Dense, f float64) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				m.Set(i, j, f*m.At(i, j))
			}
		}
	}
}
