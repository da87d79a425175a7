// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"bytes"
	"math"

	"gopkg.in/check.v1"
)

type tableSuite struct{}

var _ = check.Suite(&tableSuite{})

func (s *tableSuite) TestOuterMerge(c *check.C) {
	left := newResultTable([]string{"gene", "num_variants_ptv", "log_10_BF_a"})
	left.addRow("G1", []float64{2, 1.5})
	left.addRow("G2", []float64{1, -0.5})
	right := newResultTable([]string{"gene", "num_variants_ptv", "log_10_BF_b"})
	right.addRow("G2", []float64{1, 0.25})
	right.addRow("G3", []float64{4, 3})
	right.addRow("G1", []float64{3, 9})

	out, err := outerMerge(left, right, "num_variants_ptv")
	c.Assert(err, check.IsNil)
	c.Check(out.Columns, check.DeepEquals, []string{"gene", "num_variants_ptv", "log_10_BF_a", "log_10_BF_b"})
	c.Check(out.Keys, check.DeepEquals, []string{"G1", "G2", "G3", "G1"})
	c.Check(out.Values[0][0], check.Equals, 2.0)
	c.Check(out.Values[0][1], check.Equals, 1.5)
	c.Check(math.IsNaN(out.Values[0][2]), check.Equals, true)
	c.Check(out.Values[1], check.DeepEquals, []float64{1, -0.5, 0.25})
	c.Check(out.Values[2][0], check.Equals, 4.0)
	c.Check(math.IsNaN(out.Values[2][1]), check.Equals, true)
	c.Check(out.Values[2][2], check.Equals, 3.0)
	c.Check(out.Values[3][0], check.Equals, 3.0)
	c.Check(out.Values[3][2], check.Equals, 9.0)

	_, err = outerMerge(left, right, "num_variants_pav")
	c.Check(err, check.ErrorMatches, `merge column "num_variants_pav" missing`)

	other := newResultTable([]string{"variant", "log_10_BF_c"})
	_, err = outerMerge(left, other)
	c.Check(err, check.ErrorMatches, `cannot merge tables keyed on "gene" and "variant"`)
}

func (s *tableSuite) TestMergeAll(c *check.C) {
	var tables []*resultTable
	for _, col := range []string{"log_10_BF_a", "log_10_BF_b", "log_10_BF_c"} {
		t := newResultTable([]string{"variant", col})
		t.addRow("1:1:A:C", []float64{float64(len(tables))})
		tables = append(tables, t)
	}
	out, err := mergeAll(tables)
	c.Assert(err, check.IsNil)
	c.Check(out.Columns, check.HasLen, 4)
	c.Check(out.Keys, check.DeepEquals, []string{"1:1:A:C"})
	c.Check(out.Values[0], check.DeepEquals, []float64{0, 1, 2})

	_, err = mergeAll(nil)
	c.Check(err, check.NotNil)
}

func (s *tableSuite) TestSortAndWrite(c *check.C) {
	t := newResultTable([]string{"gene", "num_variants_ptv", "log_10_BF_x", "posterior_prob_w_prior_odds_0.0005_x"})
	t.addRow("G1", []float64{1, math.NaN(), math.NaN()})
	t.addRow("G2", []float64{2, 0.5, 0.001})
	t.addRow("G3", []float64{3, 4, 0.9})
	t.addRow("G4", []float64{4, -1, 1e-7})
	t.sortByFirstBF()
	c.Check(t.Keys, check.DeepEquals, []string{"G3", "G2", "G4", "G1"})

	var buf bytes.Buffer
	c.Assert(t.WriteTSV(&buf), check.IsNil)
	c.Check(buf.String(), check.Equals, `gene	num_variants_ptv	log_10_BF_x	posterior_prob_w_prior_odds_0.0005_x
G3	3	4	0.9
G2	2	0.5	0.001
G4	4	-1	1e-07
G1	1	NA	NA
`)
}

func (s *tableSuite) TestFormatParam(c *check.C) {
	for in, out := range map[float64]string{
		0.01:   "0.01",
		0.2:    "0.2",
		1:      "1.0",
		0:      "0.0",
		5e-05:  "5e-05",
		0.0005: "0.0005",
		10:     "10.0",
	} {
		c.Check(formatParam(in), check.Equals, out)
	}
}
