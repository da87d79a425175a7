// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
)

func init() {
	// All of our gocsv inputs are tab-separated.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.Comma = '\t'
		r.LazyQuotes = true
		return r
	})
}

// mapEntry is one row of the map file: a summary statistic file and
// the (study, phenotype) pair it belongs to.
type mapEntry struct {
	Path  string `csv:"path"`
	Study string `csv:"study"`
	Pheno string `csv:"pheno"`
	RPhen string `csv:"R_phen"`
}

func (ent mapEntry) rphen() bool {
	return strings.EqualFold(ent.RPhen, "TRUE")
}

type mapFile struct {
	Entries []mapEntry
}

var errMapFileEmpty = errors.New("map file has no entries")

func readMapFile(fnm string) (*mapFile, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, fmt.Errorf("file specified in --file does not exist: %w", err)
	}
	defer f.Close()
	mf, err := parseMapFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return mf, nil
}

func parseMapFile(r io.Reader) (*mapFile, error) {
	var entries []mapEntry
	if err := gocsv.Unmarshal(r, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errMapFileEmpty
	}
	return &mapFile{Entries: entries}, nil
}

// validate checks the map file for malformed input. Checks that need
// no I/O run first, so a malformed file is rejected before exists is
// called for any path.
func (mf *mapFile) validate(exists func(path string) bool) error {
	for i, ent := range mf.Entries {
		for _, v := range []string{ent.Path, ent.Study, ent.Pheno, ent.RPhen} {
			if v == "" || v == "NA" {
				return fmt.Errorf("missing value in map file row %d", i+1)
			}
		}
	}
	paths := map[string]bool{}
	for _, ent := range mf.Entries {
		if paths[ent.Path] {
			return fmt.Errorf("map file contains duplicate path entries: %s", ent.Path)
		}
		paths[ent.Path] = true
	}
	pairs := map[[2]string]bool{}
	for _, ent := range mf.Entries {
		pair := [2]string{ent.Study, ent.Pheno}
		if pairs[pair] {
			return fmt.Errorf("multiple summary statistic files specified for study %q phenotype %q", ent.Study, ent.Pheno)
		}
		pairs[pair] = true
	}
	for _, ent := range mf.Entries {
		if b := strings.ToUpper(ent.RPhen); b != "TRUE" && b != "FALSE" {
			return fmt.Errorf("R_phen value %q in map file is not a case-insensitive TRUE/FALSE", ent.RPhen)
		}
	}
	for _, ent := range mf.Entries {
		if !exists(ent.Path) {
			return fmt.Errorf("file %s, listed in map file, does not exist", ent.Path)
		}
	}
	return nil
}

func (mf *mapFile) studies() []string {
	return mf.uniqueSorted(func(ent mapEntry) string { return ent.Study })
}

func (mf *mapFile) phenos() []string {
	return mf.uniqueSorted(func(ent mapEntry) string { return ent.Pheno })
}

func (mf *mapFile) uniqueSorted(field func(mapEntry) string) []string {
	seen := map[string]bool{}
	var out []string
	for _, ent := range mf.Entries {
		if v := field(ent); !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
