// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"flag"
	"fmt"
	"io"
)

// checkMapCmd validates a map file without reading any summary
// statistics.
type checkMapCmd struct{}

func (cmd *checkMapCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] mapfile\n", prog)
		flags.PrintDefaults()
	}
	skipExists := flags.Bool("skip-exists", false, "do not check that summary statistic files exist")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() != 1 {
		flags.Usage()
		err = fmt.Errorf("expected 1 argument, got %d", flags.NArg())
		return 2
	}
	mf, err := readMapFile(flags.Arg(0))
	if err != nil {
		return 1
	}
	exists := fileExists
	if *skipExists {
		exists = func(string) bool { return true }
	}
	if err = mf.validate(exists); err != nil {
		return 1
	}
	fmt.Fprintf(stdout, "%d entries, %d studies %v, %d phenotypes %v\n", len(mf.Entries), len(mf.studies()), mf.studies(), len(mf.phenos()), mf.phenos())
	return 0
}
