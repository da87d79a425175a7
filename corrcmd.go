// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// corrCmd estimates err_corr and R_phen without running the sweep.
type corrCmd struct{}

func (cmd *corrCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var dl datasetLoader
	chroms := newStringList(nil, chromosomes...)
	dl.registerFlags(flags, chroms)
	ses := newFloatList([]float64{0.2}, checkNonNegative)
	flags.Var(ses, "se_thresh", "SE threshold(s), each >= 0")
	outputDir := flags.String("output-dir", "", "write err_corr and R_phen as .npy files in `directory`")
	err = flags.Parse(expandListArgs(flags, args))
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("extra arguments: %q", flags.Args())
		return 2
	}
	if err = dl.check(); err != nil {
		return 2
	}
	dl.Chroms = chroms.Values()

	ds, rows, err := dl.Load()
	if err != nil {
		return 1
	}
	for _, se := range ses.Values() {
		seRows := ds.seFilter(rows, se)
		errCorr, rPhen := estimateCorrelations(ds, seRows)
		fmt.Fprintf(stdout, "# SE threshold %s, %d variants\n", formatParam(se), len(seRows))
		fmt.Fprintf(stdout, "err_corr (%v):\n%v\n", pairNames(ds), mat.Formatted(errCorr))
		fmt.Fprintf(stdout, "R_phen (%v):\n%v\n", ds.Phenos, mat.Formatted(rPhen))
		if *outputDir == "" {
			continue
		}
		prefix := filepath.Join(*outputDir, "se_"+formatParam(se))
		if err = writeNumpyFile(prefix+"_err_corr.npy", errCorr); err != nil {
			return 1
		}
		if err = writeNumpyFile(prefix+"_R_phen.npy", rPhen); err != nil {
			return 1
		}
	}
	return 0
}

func pairNames(ds *Dataset) []string {
	names := make([]string, ds.S()*ds.K())
	for pair := range names {
		names[pair] = ds.pairName(pair)
	}
	return names
}
