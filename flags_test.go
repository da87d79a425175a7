// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"flag"
	"io/ioutil"

	"gopkg.in/check.v1"
)

type flagsSuite struct{}

var _ = check.Suite(&flagsSuite{})

func (s *flagsSuite) newFlagSet() (*flag.FlagSet, *stringList, *floatList) {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(ioutil.Discard)
	aggs := newStringList([]string{"gene"}, aggregationTypes...)
	flags.Var(aggs, "M", "")
	mafs := newFloatList([]float64{0.01}, checkUnitInterval)
	flags.Var(mafs, "maf_thresh", "")
	flags.Float64("mean", 0, "")
	flags.Bool("filter_ld_indep", false, "")
	return flags, aggs, mafs
}

func (s *flagsSuite) TestDefaults(c *check.C) {
	flags, aggs, mafs := s.newFlagSet()
	c.Assert(flags.Parse(nil), check.IsNil)
	c.Check(aggs.Values(), check.DeepEquals, []string{"gene"})
	c.Check(mafs.Values(), check.DeepEquals, []float64{0.01})
}

func (s *flagsSuite) TestExpandListArgs(c *check.C) {
	flags, aggs, mafs := s.newFlagSet()
	args := expandListArgs(flags, []string{"--M", "variant", "gene", "variant", "--mean", "-0.5", "-maf_thresh", "0.05", "0.01", "--filter_ld_indep"})
	c.Check(args, check.DeepEquals, []string{"--M=variant,gene,variant", "--mean", "-0.5", "-maf_thresh=0.05,0.01", "--filter_ld_indep"})
	c.Assert(flags.Parse(args), check.IsNil)
	c.Check(aggs.Values(), check.DeepEquals, []string{"gene", "variant"})
	c.Check(mafs.Values(), check.DeepEquals, []float64{0.01, 0.05})
	c.Check(flags.Lookup("mean").Value.String(), check.Equals, "-0.5")
}

func (s *flagsSuite) TestRepeatedFlag(c *check.C) {
	flags, _, mafs := s.newFlagSet()
	c.Assert(flags.Parse([]string{"-maf_thresh=0.5", "-maf_thresh=0.1,0.5"}), check.IsNil)
	c.Check(mafs.Values(), check.DeepEquals, []float64{0.1, 0.5})
}

func (s *flagsSuite) TestInvalid(c *check.C) {
	for _, args := range [][]string{
		{"--M", "exon"},
		{"--maf_thresh", "0"},
		{"--maf_thresh", "1.5"},
		{"--maf_thresh", "abc"},
	} {
		flags, _, _ := s.newFlagSet()
		c.Check(flags.Parse(expandListArgs(flags, args)), check.NotNil, check.Commentf("%q", args))
	}
	c.Check(checkNonNegative(0), check.IsNil)
	c.Check(checkNonNegative(-0.1), check.NotNil)
	c.Check(checkUnitInterval(1), check.IsNil)
}

func (s *flagsSuite) TestIsFlagArg(c *check.C) {
	c.Check(isFlagArg("-x"), check.Equals, true)
	c.Check(isFlagArg("--M"), check.Equals, true)
	c.Check(isFlagArg("-1"), check.Equals, false)
	c.Check(isFlagArg("-1e-3"), check.Equals, false)
	c.Check(isFlagArg("-"), check.Equals, false)
	c.Check(isFlagArg("gene"), check.Equals, false)
}
