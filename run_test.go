// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"bytes"
	"io/ioutil"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/check.v1"
)

type runSuite struct {
	tmpdir   string
	mapfile  string
	metadata string
}

var _ = check.Suite(&runSuite{})

func (s *runSuite) SetUpTest(c *check.C) {
	s.tmpdir = c.MkDir()
	sumstats := s.tmpdir + "/S1_P1.tsv"
	err := os.WriteFile(sumstats, []byte(`#CHROM	POS	REF	ALT	BETA	SE	P
1	100	A	G	0.5	0.1	1e-6
1	200	C	T	0.4	0.1	1e-4
2	300	G	A	0.01	0.1	0.9
3	400	T	C	0.02	0.1	0.8
`), 0666)
	c.Assert(err, check.IsNil)
	s.mapfile = s.tmpdir + "/map.tsv"
	err = os.WriteFile(s.mapfile, []byte("path\tstudy\tpheno\tR_phen\n"+sumstats+"\tS1\tP1\tTRUE\n"), 0666)
	c.Assert(err, check.IsNil)
	s.metadata = s.tmpdir + "/metadata.tsv"
	err = os.WriteFile(s.metadata, []byte(`V	gene_symbol	most_severe_consequence	maf	MPC	pLI	ld_indep
1:100:A:G	G1	stop_gained	0.001	NA	False	True
1:200:C:T	G1	frameshift_variant	0.001	NA	False	True
2:300:G:A	G2	stop_gained	0.001	NA	False	True
3:400:T:C	NA	intergenic_variant	0.2	NA	False	True
`), 0666)
	c.Assert(err, check.IsNil)
}

func (s *runSuite) run(c *check.C, args ...string) int {
	args = append([]string{"--file", s.mapfile, "--metadata_path", s.metadata, "--build", "hg38", "--out_folder", s.tmpdir + "/out", "--threads", "2"}, args...)
	return (&runCmd{}).RunCommand("mrp run", args, bytes.NewReader(nil), ioutil.Discard, os.Stderr)
}

func (s *runSuite) readOutput(c *check.C, name string) [][]string {
	rdr, err := zopen(s.tmpdir + "/out/" + name)
	c.Assert(err, check.IsNil)
	defer rdr.Close()
	buf, err := ioutil.ReadAll(rdr)
	c.Assert(err, check.IsNil)
	var lines [][]string
	for _, line := range strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n") {
		lines = append(lines, strings.Split(line, "\t"))
	}
	return lines
}

func (s *runSuite) TestGeneDefaults(c *check.C) {
	c.Assert(s.run(c), check.Equals, 0)
	lines := s.readOutput(c, "S1_P1_gene_maf_0.01_se_0.2_chrs_.tsv.gz")
	suffix := "_study_similar_var_independent_sigma_m_mpc_pli_ptv"
	c.Check(lines[0], check.DeepEquals, []string{
		"gene",
		"num_variants_ptv",
		"num_variants_mpc_ptv",
		"num_variants_pli_ptv",
		"log_10_BF" + suffix,
		"posterior_prob_w_prior_odds_0.0005" + suffix,
	})
	c.Assert(lines, check.HasLen, 3)
	c.Check(lines[1][:4], check.DeepEquals, []string{"G1", "2", "0", "0"})
	c.Check(lines[2][:4], check.DeepEquals, []string{"G2", "1", "0", "0"})

	bf, err := strconv.ParseFloat(lines[1][4], 64)
	c.Assert(err, check.IsNil)
	expect := (16.4 - math.Log(5)) / math.Ln10
	c.Check(math.Abs(bf-expect) < 1e-6, check.Equals, true, check.Commentf("got %v expect %v", bf, expect))
	bf, err = strconv.ParseFloat(lines[2][4], 64)
	c.Assert(err, check.IsNil)
	expect = (0.004 - 0.5*math.Log(5)) / math.Ln10
	c.Check(math.Abs(bf-expect) < 1e-6, check.Equals, true, check.Commentf("got %v expect %v", bf, expect))
}

func (s *runSuite) TestZeroSEUnitIsNA(c *check.C) {
	err := os.WriteFile(s.tmpdir+"/S1_P1.tsv", []byte(`#CHROM	POS	REF	ALT	BETA	SE	P
1	100	A	G	0.5	0.1	1e-6
1	200	C	T	0.4	0.1	1e-4
2	300	G	A	0.01	0	0.9
3	400	T	C	0.02	0.1	0.8
`), 0666)
	c.Assert(err, check.IsNil)
	c.Assert(s.run(c, "--M", "variant", "gene"), check.Equals, 0)

	lines := s.readOutput(c, "S1_P1_variant_maf_0.01_se_0.2_chrs_.tsv.gz")
	c.Assert(lines, check.HasLen, 4)
	c.Check(lines[1][0], check.Equals, "1:100:A:G")
	bf, err := strconv.ParseFloat(lines[1][1], 64)
	c.Assert(err, check.IsNil)
	expect := (10 - 0.5*math.Log(5)) / math.Ln10
	c.Check(math.Abs(bf-expect) < 1e-6, check.Equals, true, check.Commentf("got %v expect %v", bf, expect))
	c.Check(lines[2][0], check.Equals, "1:200:C:T")
	c.Check(lines[3], check.DeepEquals, []string{"2:300:G:A", "NA", "NA"})

	lines = s.readOutput(c, "S1_P1_gene_maf_0.01_se_0.2_chrs_.tsv.gz")
	c.Assert(lines, check.HasLen, 3)
	c.Check(lines[1][0], check.Equals, "G1")
	bf, err = strconv.ParseFloat(lines[1][4], 64)
	c.Assert(err, check.IsNil)
	expect = (16.4 - math.Log(5)) / math.Ln10
	c.Check(math.Abs(bf-expect) < 1e-6, check.Equals, true, check.Commentf("got %v expect %v", bf, expect))
	c.Check(lines[2][:4], check.DeepEquals, []string{"G2", "1", "0", "0"})
	c.Check(lines[2][4:], check.DeepEquals, []string{"NA", "NA"})
}

func (s *runSuite) TestSingleStudyCollapsesRStudy(c *check.C) {
	c.Assert(s.run(c, "--R_study", "independent", "similar", "--M", "gene", "variant", "--out_filename", "test"), check.Equals, 0)
	for _, name := range []string{
		"S1_test_gene_maf_0.01_se_0.2.tsv.gz",
		"S1_test_variant_maf_0.01_se_0.2.tsv.gz",
	} {
		lines := s.readOutput(c, name)
		for _, col := range lines[0][1:] {
			c.Check(strings.Contains(col, "study_similar"), check.Equals, true, check.Commentf("%s: %s", name, col))
		}
	}
	lines := s.readOutput(c, "S1_test_variant_maf_0.01_se_0.2.tsv.gz")
	c.Check(lines[0], check.HasLen, 3)
	c.Check(lines[0][0], check.Equals, "variant")
	c.Check(lines, check.HasLen, 4)
	c.Check(lines[1][0], check.Equals, "1:100:A:G")
}

func (s *runSuite) TestPValuesAndMatrices(c *check.C) {
	c.Assert(s.run(c, "--p_value", "farebrother", "--prior_odds", "0.0005", "0.5", "--output-matrices"), check.Equals, 0)
	lines := s.readOutput(c, "S1_P1_gene_maf_0.01_se_0.2_chrs_.tsv.gz")
	c.Check(lines[0], check.HasLen, 8)
	c.Check(lines[0][7], check.Equals, "p_value_farebrother_study_similar_var_independent_sigma_m_mpc_pli_ptv")
	p, err := strconv.ParseFloat(lines[1][7], 64)
	c.Assert(err, check.IsNil)
	c.Check(p > 0 && p < 1e-4, check.Equals, true, check.Commentf("p = %v", p))
	_, err = os.Stat(s.tmpdir + "/out/S1_P1_se_0.2_err_corr.npy")
	c.Check(err, check.IsNil)
	_, err = os.Stat(s.tmpdir + "/out/S1_P1_se_0.2_R_phen.npy")
	c.Check(err, check.IsNil)
}

func (s *runSuite) TestUsageErrors(c *check.C) {
	c.Check((&runCmd{}).RunCommand("mrp run", []string{"--file", s.mapfile}, bytes.NewReader(nil), ioutil.Discard, ioutil.Discard), check.Equals, 2)
	c.Check(s.run(c, "--M", "exon"), check.Equals, 2)
	c.Check(s.run(c, "--maf_thresh", "2"), check.Equals, 2)
	c.Check(s.run(c, "extra"), check.Equals, 2)
}

func (s *runSuite) TestCheckMap(c *check.C) {
	var stdout bytes.Buffer
	code := (&checkMapCmd{}).RunCommand("mrp check-map", []string{s.mapfile}, bytes.NewReader(nil), &stdout, os.Stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "1 entries, 1 studies [S1], 1 phenotypes [P1]\n")

	dup := s.tmpdir + "/dup.tsv"
	err := os.WriteFile(dup, []byte("path\tstudy\tpheno\tR_phen\n/nonexistent/x.tsv\tS1\tP1\tTRUE\n/nonexistent/x.tsv\tS1\tP2\tTRUE\n"), 0666)
	c.Assert(err, check.IsNil)
	var stderr bytes.Buffer
	code = (&checkMapCmd{}).RunCommand("mrp check-map", []string{dup}, bytes.NewReader(nil), ioutil.Discard, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*duplicate path entries.*`)
}

func (s *runSuite) TestCorr(c *check.C) {
	var stdout bytes.Buffer
	code := (&corrCmd{}).RunCommand("mrp corr", []string{"--file", s.mapfile, "--metadata_path", s.metadata, "--build", "hg19", "--se_thresh", "0.2", "0.5"}, bytes.NewReader(nil), &stdout, os.Stderr)
	c.Check(code, check.Equals, 0)
	c.Check(strings.Count(stdout.String(), "# SE threshold"), check.Equals, 2)
	c.Check(stdout.String(), check.Matches, `(?s)# SE threshold 0.2, 4 variants\nerr_corr \(\[S1_P1\]\):\n.*`)
}
