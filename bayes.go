// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Eigenvalues of I - A^-1 v_beta at or below this are treated as
// zero when computing p-values.
const minCharacteristicRoot = 0.01

type bfResult struct {
	Log10BF        float64
	PosteriorProbs []float64 // one per prior odds
	PValues        []float64 // one per p-value method
	Converged      bool
}

// bayesFactorEngine computes Bayes factors, posterior probabilities
// and p-values for unit models.
type bayesFactorEngine struct {
	PriorOdds []float64
	Methods   []string
	tails     []quadFormTail
}

func newBayesFactorEngine(priorOdds []float64, methods []string) (*bayesFactorEngine, error) {
	bfe := &bayesFactorEngine{PriorOdds: priorOdds, Methods: methods}
	for _, name := range methods {
		tail, err := lookupQuadFormTail(name)
		if err != nil {
			return nil, err
		}
		bfe.tails = append(bfe.tails, tail)
	}
	return bfe, nil
}

// failed returns a result with every value NaN.
func (bfe *bayesFactorEngine) failed() bfResult {
	return bfResult{
		Log10BF:        math.NaN(),
		PosteriorProbs: nanSlice(len(bfe.PriorOdds)),
		PValues:        nanSlice(len(bfe.Methods)),
	}
}

// Compute returns the log10 Bayes factor of the model with effects
// distributed N(mu, U) against the null. unit and agg only appear in
// log messages.
func (bfe *bayesFactorEngine) Compute(um *unitModel, unit, agg string) bfResult {
	if um.N() == 0 {
		return bfe.failed()
	}
	n := um.N()
	vInv, ok := safeInverse(um.VBeta, "v_beta", unit, agg)
	if !ok {
		return bfe.failed()
	}
	uInv, ok := safeInverse(um.U, "U", unit, agg)
	if !ok {
		return bfe.failed()
	}
	var sum mat.Dense
	sum.Add(uInv, vInv)
	sumInv, ok := safeInverse(&sum, "U_inv + v_beta_inv", unit, agg)
	if !ok {
		return bfe.failed()
	}

	// fat = vInv - vInv * sumInv * vInv
	var fat mat.Dense
	fat.Product(vInv, sumInv, vInv)
	fat.Sub(vInv, &fat)

	var vu mat.Dense
	vu.Mul(vInv, um.U)
	vu.Add(identity(n), &vu)
	logDet, _ := mat.LogDet(&vu)

	var centered mat.VecDense
	centered.SubVec(um.Beta, um.Mu)
	logBF := -0.5*logDet +
		0.5*mat.Inner(um.Beta, vInv, um.Beta) -
		0.5*mat.Inner(&centered, &fat, &centered)
	res := bfResult{
		Log10BF:   logBF / math.Ln10,
		Converged: true,
	}
	res.PosteriorProbs = posteriorProbs(res.Log10BF, bfe.PriorOdds)
	if len(bfe.tails) > 0 {
		res.PValues = bfe.pValues(um, vInv, unit, agg)
	}
	return res
}

// posteriorProbs converts a log10 Bayes factor to a posterior
// probability for each prior odds.
func posteriorProbs(log10BF float64, priorOdds []float64) []float64 {
	probs := make([]float64, len(priorOdds))
	bf := math.Pow(10, log10BF)
	for i, po := range priorOdds {
		odds := po * bf
		if math.IsInf(odds, 1) {
			probs[i] = 1
		} else {
			probs[i] = odds / (1 + odds)
		}
	}
	return probs
}

// pValues treats beta'(v_beta^-1 - A^-1)beta as a quadratic form in
// normal variables and evaluates its tail probability with each
// configured method.
func (bfe *bayesFactorEngine) pValues(um *unitModel, vInv *mat.Dense, unit, agg string) []float64 {
	pvals := nanSlice(len(bfe.tails))
	n := um.N()
	var a mat.Dense
	a.Add(um.VBeta, um.U)
	aRep, converged := isPosDefFullRank(&a, defaultRepairTol)
	if !converged {
		return pvals
	}
	aInv, ok := safeInverse(aRep, "v_beta + U", unit, agg)
	if !ok {
		return pvals
	}
	var diff mat.Dense
	diff.Sub(vInv, aInv)
	quadT := mat.Inner(um.Beta, &diff, um.Beta)

	var b mat.Dense
	b.Mul(aInv, um.VBeta)
	b.Sub(identity(n), &b)
	bRep, converged := isPosDefFullRank(&b, defaultRepairTol)
	if !converged {
		return pvals
	}
	eig, ok := realEigenvalues(bRep)
	if !ok {
		return pvals
	}
	var d []float64
	for _, x := range eig {
		if x > minCharacteristicRoot {
			d = append(d, x)
		}
	}
	for i, tail := range bfe.tails {
		p, err := tail(quadT, d)
		if err != nil {
			log.Warnf("%s p-value for %s %s: %s", bfe.Methods[i], agg, unit, err)
			continue
		}
		pvals[i] = math.Max(0, math.Min(1, p))
	}
	return pvals
}
