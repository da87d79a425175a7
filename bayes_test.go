// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

type bayesSuite struct{}

var _ = check.Suite(&bayesSuite{})

func scalarModel(u, v, beta, mu float64) *unitModel {
	return &unitModel{
		U:          mat.NewDense(1, 1, []float64{u}),
		VBeta:      mat.NewDense(1, 1, []float64{v}),
		Beta:       mat.NewVecDense(1, []float64{beta}),
		Mu:         mat.NewVecDense(1, []float64{mu}),
		Keep:       []int{0},
		UConverged: true,
	}
}

// With one effect size, the Bayes factor has a closed form:
// BF = sqrt(v/(v+u)) * exp(beta^2 u / (2 v (v+u)))
func closedFormLog10BF(u, v, beta float64) float64 {
	return (0.5*math.Log(v/(v+u)) + beta*beta*u/(2*v*(v+u))) / math.Ln10
}

func (s *bayesSuite) TestSingleEffect(c *check.C) {
	bfe, err := newBayesFactorEngine([]float64{0.0005, 0.5}, nil)
	c.Assert(err, check.IsNil)
	res := bfe.Compute(scalarModel(0.04, 0.01, 0.5, 0), "G1", "gene")
	c.Check(res.Converged, check.Equals, true)
	expect := (10 - 0.5*math.Log(5)) / math.Ln10
	c.Check(math.Abs(res.Log10BF-expect) < 1e-9, check.Equals, true, check.Commentf("got %v expect %v", res.Log10BF, expect))
	c.Check(math.Abs(res.Log10BF-closedFormLog10BF(0.04, 0.01, 0.5)) < 1e-9, check.Equals, true)
	c.Assert(res.PosteriorProbs, check.HasLen, 2)
	bf := math.Pow(10, expect)
	c.Check(math.Abs(res.PosteriorProbs[0]-0.0005*bf/(1+0.0005*bf)) < 1e-9, check.Equals, true)
	c.Check(res.PValues, check.HasLen, 0)

	for _, beta := range []float64{-0.3, 0, 0.01, 1.2} {
		res := bfe.Compute(scalarModel(0.02, 0.03, beta, 0), "G1", "gene")
		c.Check(math.Abs(res.Log10BF-closedFormLog10BF(0.02, 0.03, beta)) < 1e-9, check.Equals, true, check.Commentf("beta=%v", beta))
	}
}

func (s *bayesSuite) TestUninvertible(c *check.C) {
	bfe, err := newBayesFactorEngine([]float64{0.0005}, []string{"davies"})
	c.Assert(err, check.IsNil)
	res := bfe.Compute(scalarModel(0.04, 0, 0.5, 0), "G1", "gene")
	c.Check(res.Converged, check.Equals, false)
	c.Check(math.IsNaN(res.Log10BF), check.Equals, true)
	c.Assert(res.PosteriorProbs, check.HasLen, 1)
	c.Check(math.IsNaN(res.PosteriorProbs[0]), check.Equals, true)
	c.Assert(res.PValues, check.HasLen, 1)
	c.Check(math.IsNaN(res.PValues[0]), check.Equals, true)
}

func (s *bayesSuite) TestDeterministic(c *check.C) {
	ds := newTestDataset(2, 2, 3)
	for row := 0; row < 3; row++ {
		setPTV(ds, row, "G")
		for pair, pc := range ds.pairs {
			pc.Beta[row] = 0.1 * float64(row+pair)
		}
	}
	params := testParams(ds)
	params.ErrCorr = mat.NewDense(4, 4, []float64{
		1, 0.2, 0, 0,
		0.2, 1, 0, 0,
		0, 0, 1, 0.1,
		0, 0, 0.1, 1,
	})
	bfe, err := newBayesFactorEngine([]float64{0.01}, nil)
	c.Assert(err, check.IsNil)
	unit := aggregationUnit{Key: "G", Rows: []int{0, 1, 2}}
	res1 := bfe.Compute(buildUnitModel(ds, unit, params), "G", "gene")
	res2 := bfe.Compute(buildUnitModel(ds, unit, params), "G", "gene")
	c.Check(res1.Converged, check.Equals, true)
	c.Check(res1, check.DeepEquals, res2)
}

func (s *bayesSuite) TestPosteriorMonotonic(c *check.C) {
	odds := []float64{0.0001, 0.001, 0.01, 0.1, 1}
	for _, bf := range []float64{-3, 0, 2.5} {
		probs := posteriorProbs(bf, odds)
		for i := 1; i < len(probs); i++ {
			c.Check(probs[i] > probs[i-1], check.Equals, true)
		}
	}
	lo, hi := posteriorProbs(1, odds), posteriorProbs(2, odds)
	for i := range odds {
		c.Check(hi[i] > lo[i], check.Equals, true)
		c.Check(hi[i] > 0 && hi[i] < 1, check.Equals, true)
	}
	c.Check(posteriorProbs(400, []float64{0.5})[0], check.Equals, 1.0)
}

func (s *bayesSuite) TestPValues(c *check.C) {
	bfe, err := newBayesFactorEngine(nil, pValueMethods)
	c.Assert(err, check.IsNil)
	res := bfe.Compute(scalarModel(0.04, 0.01, 0.5, 0), "G1", "gene")
	c.Assert(res.PValues, check.HasLen, 3)
	// quad_T = 20, d = [0.8], so p = P(chi2_1 > 25)
	expect := distuv.ChiSquared{K: 1}.Survival(25)
	tolerance := map[string]float64{"davies": 1e-4, "farebrother": 1e-10, "imhof": 1e-10}
	for i, method := range bfe.Methods {
		c.Check(math.Abs(res.PValues[i]-expect) < tolerance[method], check.Equals, true, check.Commentf("%s: got %v expect %v", method, res.PValues[i], expect))
		c.Check(res.PValues[i] >= 0 && res.PValues[i] <= 1, check.Equals, true)
	}
}

func (s *bayesSuite) TestSignificantPValues(c *check.C) {
	bfe, err := newBayesFactorEngine(nil, pValueMethods)
	c.Assert(err, check.IsNil)
	res := bfe.Compute(scalarModel(0.04, 0.01, 1, 0), "G1", "gene")
	c.Assert(res.PValues, check.HasLen, 3)
	// quad_T = 80, d = [0.8], so p = P(chi2_1 > 100)
	expect := distuv.ChiSquared{K: 1}.Survival(100)
	for i, method := range bfe.Methods {
		p := res.PValues[i]
		c.Check(math.IsNaN(p), check.Equals, false, check.Commentf("%s", method))
		switch method {
		case "farebrother":
			c.Check(math.Abs(p/expect-1) < 1e-6, check.Equals, true, check.Commentf("got %v expect %v", p, expect))
		case "imhof":
			c.Check(p >= 0 && p < 1e-12, check.Equals, true, check.Commentf("got %v expect %v", p, expect))
		case "davies":
			c.Check(p >= 0 && p < 1e-4, check.Equals, true, check.Commentf("got %v expect %v", p, expect))
		}
	}
}

func (s *bayesSuite) TestUnknownMethod(c *check.C) {
	_, err := newBayesFactorEngine(nil, []string{"liu"})
	c.Check(err, check.ErrorMatches, `unknown p-value method "liu"`)
}
