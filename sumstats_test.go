// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"math"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type sumstatsSuite struct{}

var _ = check.Suite(&sumstatsSuite{})

func (s *sumstatsSuite) TestRead(c *check.C) {
	ssr := &sumStatReader{Build: "hg19"}
	table, err := ssr.Read(strings.NewReader(`#CHROM	POS	REF	ALT	BETA	SE	P
1	1000	A	G	0.5	0.1	0.001
1	2000	C	T	-0.2	NA	0.3
chr6	30000000	G	A	0.1	0.1	0.5
6	40000000	G	A	0.1	0.2	NA
`))
	c.Assert(err, check.IsNil)
	c.Check(table, check.HasLen, 2)
	c.Check(table["1:1000:A:G"], check.Equals, sumStat{Beta: 0.5, SE: 0.1, P: 0.001})
	st, ok := table["6:40000000:G:A"]
	c.Check(ok, check.Equals, true)
	c.Check(math.IsNaN(st.P), check.Equals, true)
	_, ok = table["1:2000:C:T"]
	c.Check(ok, check.Equals, false)
}

func (s *sumstatsSuite) TestOddsRatio(c *check.C) {
	ssr := &sumStatReader{Build: "hg38"}
	table, err := ssr.Read(strings.NewReader(`#CHROM	POS	REF	ALT	OR	LOG(OR)_SE	P	ERRCODE
1	1000	A	G	2	0.1	0.01	.
1	1001	A	G	3	0.1	0.01	UNFINISHED
`))
	c.Assert(err, check.IsNil)
	c.Check(table, check.HasLen, 1)
	c.Check(math.Abs(table["1:1000:A:G"].Beta-math.Ln2) < 1e-12, check.Equals, true)
}

func (s *sumstatsSuite) TestChromFilter(c *check.C) {
	ssr := &sumStatReader{Build: "hg19", Chroms: []string{"2", "X"}}
	table, err := ssr.Read(strings.NewReader(`#CHROM	POS	REF	ALT	BETA	SE	P
1	1000	A	G	0.5	0.1	0.001
2	1000	A	G	0.5	0.1	0.001
chrX	1000	A	G	0.5	0.1	0.001
`))
	c.Assert(err, check.IsNil)
	c.Check(table, check.HasLen, 2)
	_, ok := table["chrX:1000:A:G"]
	c.Check(ok, check.Equals, true)
}

func (s *sumstatsSuite) TestMissingColumn(c *check.C) {
	ssr := &sumStatReader{Build: "hg19"}
	_, err := ssr.Read(strings.NewReader("#CHROM\tPOS\tREF\tALT\tSE\tP\n"))
	c.Check(err, check.ErrorMatches, `missing required column BETA/OR`)

	ssr = &sumStatReader{Build: "hg00"}
	_, err = ssr.Read(strings.NewReader("#CHROM\tPOS\tREF\tALT\tBETA\tSE\tP\n"))
	c.Check(err, check.ErrorMatches, `unknown genome build "hg00"`)
}

func (s *sumstatsSuite) TestHLAMask(c *check.C) {
	for _, trial := range []struct {
		build string
		chrom string
		pos   int
		in    bool
	}{
		{"hg19", "6", 25477797, true},
		{"hg19", "6", 25477796, false},
		{"hg19", "chr6", 36448354, true},
		{"hg19", "6", 36448355, false},
		{"hg38", "6", 36480577, true},
		{"hg38", "5", 30000000, false},
	} {
		mask, err := hlaMask(trial.build)
		c.Assert(err, check.IsNil)
		c.Check(mask.check(trial.chrom, trial.pos), check.Equals, trial.in, check.Commentf("%+v", trial))
	}
}

func (s *sumstatsSuite) TestReadGzipFile(c *check.C) {
	fnm := c.MkDir() + "/sub/sumstats.tsv.gz"
	w, err := zcreate(fnm)
	c.Assert(err, check.IsNil)
	_, err = w.Write([]byte("#CHROM\tPOS\tREF\tALT\tBETA\tSE\tP\n22\t500\tT\tC\t0.25\t0.05\t0.2\n"))
	c.Assert(err, check.IsNil)
	c.Assert(w.Close(), check.IsNil)

	ssr := &sumStatReader{Build: "hg38"}
	table, err := ssr.ReadFile(fnm)
	c.Assert(err, check.IsNil)
	c.Check(table, check.DeepEquals, sumStatTable{"22:500:T:C": {Beta: 0.25, SE: 0.05, P: 0.2}})
}

func (s *sumstatsSuite) TestReadSumStats(c *check.C) {
	tmpdir := c.MkDir()
	var mapText strings.Builder
	mapText.WriteString("path\tstudy\tpheno\tR_phen\n")
	for _, x := range []struct{ study, pheno, beta string }{
		{"S2", "P1", "0.1"},
		{"S1", "P2", "0.2"},
		{"S1", "P1", "0.3"},
	} {
		fnm := tmpdir + "/" + x.study + x.pheno + ".tsv"
		err := os.WriteFile(fnm, []byte("#CHROM\tPOS\tREF\tALT\tBETA\tSE\tP\n1\t10\tA\tC\t"+x.beta+"\t0.1\t0.5\n"), 0666)
		c.Assert(err, check.IsNil)
		mapText.WriteString(fnm + "\t" + x.study + "\t" + x.pheno + "\tTRUE\n")
	}
	mf, err := parseMapFile(strings.NewReader(mapText.String()))
	c.Assert(err, check.IsNil)
	ssr := &sumStatReader{Build: "hg19"}
	tables, err := ssr.readSumStats(mf, 2)
	c.Assert(err, check.IsNil)
	c.Check(tables, check.HasLen, 3)
	// pair index is study*K + pheno with sorted studies/phenos
	c.Check(tables[0]["1:10:A:C"].Beta, check.Equals, 0.3)
	c.Check(tables[1]["1:10:A:C"].Beta, check.Equals, 0.2)
	c.Check(tables[2]["1:10:A:C"].Beta, check.Equals, 0.1)
	_, ok := tables[3]
	c.Check(ok, check.Equals, false)

	mf.Entries[0].Path = tmpdir + "/missing.tsv"
	_, err = ssr.readSumStats(mf, 2)
	c.Check(err, check.NotNil)
}

func (s *sumstatsSuite) TestExcludeFile(c *check.C) {
	fnm := c.MkDir() + "/exclude.txt"
	err := os.WriteFile(fnm, []byte("1:1000:A:G\n\n 2:5:C:T \n"), 0666)
	c.Assert(err, check.IsNil)
	exclude, err := readExcludeFile(fnm)
	c.Assert(err, check.IsNil)
	c.Check(exclude, check.DeepEquals, map[VariantKey]bool{"1:1000:A:G": true, "2:5:C:T": true})
}
