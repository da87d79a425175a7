// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/biogo/store/interval"
	log "github.com/sirupsen/logrus"
)

type sumStat struct {
	Beta float64
	SE   float64
	P    float64
}

// sumStatTable holds the rows of one summary statistic file that
// survived the read-time filters.
type sumStatTable map[VariantKey]sumStat

// hlaRegions gives the HLA region on chromosome 6 for each genome
// build, inclusive at both ends.
var hlaRegions = map[string]genomeInterval{
	"hg19": {Start: 25477797, End: 36448354},
	"hg38": {Start: 25477569, End: 36480577},
}

var builds = []string{"hg19", "hg38"}

type genomeInterval struct {
	Start, End int
	UID        uintptr
}

func (iv genomeInterval) Overlap(b interval.IntRange) bool {
	return iv.End >= b.Start && iv.Start <= b.End
}

func (iv genomeInterval) ID() uintptr { return iv.UID }

func (iv genomeInterval) Range() interval.IntRange {
	return interval.IntRange{Start: iv.Start, End: iv.End}
}

// regionMask reports whether a position falls in any of a set of
// excluded regions, per chromosome.
type regionMask map[string]*interval.IntTree

func (rm regionMask) add(chrom string, iv genomeInterval) error {
	tree, ok := rm[chrom]
	if !ok {
		tree = &interval.IntTree{}
		rm[chrom] = tree
	}
	iv.UID = uintptr(tree.Len() + 1)
	return tree.Insert(iv, false)
}

func (rm regionMask) check(chrom string, pos int) bool {
	tree, ok := rm[normalizeChrom(chrom)]
	if !ok {
		return false
	}
	return len(tree.Get(genomeInterval{Start: pos, End: pos})) > 0
}

func hlaMask(build string) (regionMask, error) {
	iv, ok := hlaRegions[build]
	if !ok {
		return nil, fmt.Errorf("unknown genome build %q", build)
	}
	rm := regionMask{}
	if err := rm.add("6", iv); err != nil {
		return nil, err
	}
	return rm, nil
}

func normalizeChrom(chrom string) string {
	return strings.TrimPrefix(chrom, "chr")
}

type sumStatReader struct {
	Build  string
	Chroms []string // if non-empty, keep only these chromosomes
	mask   regionMask
}

var errMissingColumn = errors.New("missing required column")

func (ssr *sumStatReader) init() error {
	if ssr.mask != nil {
		return nil
	}
	mask, err := hlaMask(ssr.Build)
	if err != nil {
		return err
	}
	ssr.mask = mask
	return nil
}

// ReadFile reads one summary statistic file. Files whose names end
// in ".gz" are decompressed.
func (ssr *sumStatReader) ReadFile(fnm string) (sumStatTable, error) {
	rdr, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	table, err := ssr.Read(rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return table, nil
}

// Read parses tab-separated summary statistics. BETA (or OR, which
// is converted to log odds) and SE (or LOG(OR)_SE) are required. If
// there is an ERRCODE column, only rows with ERRCODE "." are kept.
// Rows without a standard error, outside the requested chromosomes,
// or in the HLA region are dropped.
func (ssr *sumStatReader) Read(r io.Reader) (sumStatTable, error) {
	if err := ssr.init(); err != nil {
		return nil, err
	}
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	idx := func(names ...string) (int, error) {
		for _, name := range names {
			if i, ok := col[name]; ok {
				return i, nil
			}
		}
		return -1, fmt.Errorf("%w %s", errMissingColumn, strings.Join(names, "/"))
	}
	var cChrom, cPos, cRef, cAlt, cBeta, cSE, cP int
	for _, x := range []struct {
		dst   *int
		names []string
	}{
		{&cChrom, []string{"#CHROM"}},
		{&cPos, []string{"POS"}},
		{&cRef, []string{"REF"}},
		{&cAlt, []string{"ALT"}},
		{&cBeta, []string{"BETA", "OR"}},
		{&cSE, []string{"LOG(OR)_SE", "SE"}},
		{&cP, []string{"P"}},
	} {
		if *x.dst, err = idx(x.names...); err != nil {
			return nil, err
		}
	}
	oddsRatio := header[cBeta] == "OR"
	cErrCode, hasErrCode := col["ERRCODE"]
	wantChrom := map[string]bool{}
	for _, chrom := range ssr.Chroms {
		wantChrom[normalizeChrom(chrom)] = true
	}

	table := sumStatTable{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if len(rec) < len(header) {
			return nil, fmt.Errorf("line %d: expected %d fields, found %d", line, len(header), len(rec))
		}
		if hasErrCode && rec[cErrCode] != "." {
			continue
		}
		chrom := rec[cChrom]
		if len(wantChrom) > 0 && !wantChrom[normalizeChrom(chrom)] {
			continue
		}
		se, err := parseFloat64NaN(rec[cSE])
		if err != nil {
			return nil, fmt.Errorf("line %d: SE: %w", line, err)
		}
		if math.IsNaN(se) {
			continue
		}
		pos, err := strconv.Atoi(rec[cPos])
		if err != nil {
			return nil, fmt.Errorf("line %d: POS: %w", line, err)
		}
		if ssr.mask.check(chrom, pos) {
			continue
		}
		beta, err := parseFloat64NaN(rec[cBeta])
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, header[cBeta], err)
		}
		if oddsRatio {
			beta = math.Log(beta)
		}
		p, err := parseFloat64NaN(rec[cP])
		if err != nil {
			return nil, fmt.Errorf("line %d: P: %w", line, err)
		}
		key := makeVariantKey(chrom, rec[cPos], rec[cRef], rec[cAlt])
		table[key] = sumStat{Beta: beta, SE: se, P: p}
	}
	return table, nil
}

// parseFloat64NaN parses a float, accepting "NA" and the empty string
// as NaN.
func parseFloat64NaN(s string) (float64, error) {
	if s == "NA" || s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// readSumStats reads the summary statistic file of every map file
// entry, at most threads at a time. The returned map is keyed by
// pair index in a Dataset with the map file's studies and
// phenotypes.
func (ssr *sumStatReader) readSumStats(mf *mapFile, threads int) (map[int]sumStatTable, error) {
	if err := ssr.init(); err != nil {
		return nil, err
	}
	studies, phenos := mf.studies(), mf.phenos()
	tables := make(map[int]sumStatTable, len(mf.Entries))
	var mtx sync.Mutex
	throttle := &throttle{Max: threads}
	for _, ent := range mf.Entries {
		ent := ent
		pair := indexOf(studies, ent.Study)*len(phenos) + indexOf(phenos, ent.Pheno)
		throttle.Go(func() error {
			table, err := ssr.ReadFile(ent.Path)
			if err != nil {
				return err
			}
			log.Infof("%s %s: %d variants from %s", ent.Study, ent.Pheno, len(table), ent.Path)
			mtx.Lock()
			tables[pair] = table
			mtx.Unlock()
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}
