// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

const uTol = 0.8

// aggregationUnit is a group of dataset rows analyzed together: all
// variants in one gene, or a single variant.
type aggregationUnit struct {
	Key  string
	Rows []int
}

// groupUnits groups rows by gene symbol ("gene") or by variant
// ("variant"). Units are sorted by key. Rows without a gene symbol
// are not part of any gene unit.
func groupUnits(ds *Dataset, rows []int, agg string) ([]aggregationUnit, error) {
	var keyOf func(row int) string
	switch agg {
	case "gene":
		keyOf = func(row int) string { return ds.Meta[row].Gene }
	case "variant":
		keyOf = func(row int) string { return string(ds.Variants[row]) }
	default:
		return nil, fmt.Errorf("unknown aggregation type %q", agg)
	}
	byKey := map[string][]int{}
	for _, row := range rows {
		if key := keyOf(row); key != "" {
			byKey[key] = append(byKey[key], row)
		}
	}
	units := make([]aggregationUnit, 0, len(byKey))
	for key, rows := range byKey {
		units = append(units, aggregationUnit{Key: key, Rows: rows})
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Key < units[j].Key })
	return units, nil
}

// modelParams are the settings shared by every unit in one sweep
// leaf.
type modelParams struct {
	RStudy  *mat.Dense // S x S
	RPhen   *mat.Dense // K x K
	ErrCorr *mat.Dense // SK x SK
	RVar    string     // "independent" or "similar"
	Sigma   sigmaScheme
	Mean    float64
}

// unitModel holds everything the Bayes factor needs for one unit.
// U, VBeta, Beta and Mu are indexed by the surviving entries of the
// (study, phenotype, member) ordering, listed in Keep.
type unitModel struct {
	U     *mat.Dense
	VBeta *mat.Dense
	Beta  *mat.VecDense
	Mu    *mat.VecDense
	Keep  []int

	// UConverged is false if U could not be made positive
	// definite.
	UConverged bool

	NumMPC int
	NumPLI int
}

// N returns the number of effect sizes that survived missing-data
// removal.
func (um *unitModel) N() int { return len(um.Keep) }

// buildUnitModel computes U, beta, v_beta and mu for one unit.
func buildUnitModel(ds *Dataset, unit aggregationUnit, params modelParams) *unitModel {
	S, K, M := ds.S(), ds.K(), len(unit.Rows)
	um := &unitModel{}

	sigma := make([]float64, M)
	for m, row := range unit.Rows {
		meta := &ds.Meta[row]
		sigma[m] = params.Sigma.sigma(meta)
		if params.Sigma == sigmaMPCPLI {
			if meta.isPLIFlagged() {
				um.NumPLI++
			}
			if meta.isMPCFlagged() {
				um.NumMPC++
			}
		}
	}
	var rVar *mat.Dense
	if params.RVar == "similar" {
		rVar = ones(M)
	} else {
		rVar = identity(M)
	}
	rVar, _ = isPosDefFullRank(rVar, defaultRepairTol)
	rStudy, _ := isPosDefFullRank(params.RStudy, defaultRepairTol)
	rPhen, _ := isPosDefFullRank(params.RPhen, defaultRepairTol)

	diagSigma := diagonal(sigma)
	var sVar mat.Dense
	sVar.Product(diagSigma, rVar, diagSigma)
	u := kronecker(rStudy, rPhen, &sVar)
	omega := kronecker(params.ErrCorr, identity(M))

	beta := make([]float64, 0, S*K*M)
	se := make([]float64, 0, S*K*M)
	for s := 0; s < S; s++ {
		for k := 0; k < K; k++ {
			pc := ds.pairs[ds.pairIndex(s, k)]
			for _, row := range unit.Rows {
				if pc == nil {
					beta = append(beta, math.NaN())
					se = append(se, math.NaN())
				} else {
					beta = append(beta, pc.Beta[row])
					se = append(se, pc.SE[row])
				}
			}
		}
	}
	for i, b := range beta {
		if !math.IsNaN(b) {
			um.Keep = append(um.Keep, i)
		}
	}
	if len(um.Keep) == 0 {
		return um
	}
	u = keepRowsCols(u, um.Keep)
	omega = keepRowsCols(omega, um.Keep)
	beta = keepEntries(beta, um.Keep)
	se = keepEntries(se, um.Keep)

	um.U, um.UConverged = isPosDefFullRank(u, uTol)
	diagSE := diagonal(se)
	var vBeta mat.Dense
	vBeta.Product(diagSE, omega, diagSE)
	um.VBeta, _ = isPosDefFullRank(&vBeta, defaultRepairTol)
	um.Beta = mat.NewVecDense(len(beta), beta)
	mu := make([]float64, len(beta))
	for i := range mu {
		mu[i] = params.Mean
	}
	um.Mu = mat.NewVecDense(len(mu), mu)
	return um
}
