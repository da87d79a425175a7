// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// VariantKey identifies a variant as "chrom:pos:ref:alt".
type VariantKey string

func makeVariantKey(chrom, pos, ref, alt string) VariantKey {
	return VariantKey(chrom + ":" + pos + ":" + ref + ":" + alt)
}

type variantMeta struct {
	Gene        string
	Consequence string
	Category    string // "" if the consequence is not in any category
	MAF         float64
	MPC         float64
	PLI         bool
	LDIndep     bool
}

func (meta *variantMeta) isPLIFlagged() bool {
	return meta.Category == "ptv" && meta.PLI
}

func (meta *variantMeta) isMPCFlagged() bool {
	return meta.Category == "pav" && meta.MPC >= 1
}

// pairColumns holds the summary statistics of one (study,
// phenotype) pair, indexed by dataset row. Absent variants are NaN.
type pairColumns struct {
	Beta []float64
	SE   []float64
	P    []float64
}

// Dataset is the outer join of all summary statistic files,
// annotated with variant metadata.
//
// Rows are never removed after construction. Filters return row
// index views, so one Dataset can be shared by concurrent sweeps.
type Dataset struct {
	Studies  []string
	Phenos   []string
	Variants []VariantKey
	Meta     []variantMeta

	// pairs[s*K+k] is nil if the map file lists no summary
	// statistics for (Studies[s], Phenos[k]).
	pairs []*pairColumns

	// rphen[s*K+k] is true if the pair contributes to R_phen
	// estimation.
	rphen []bool
}

func (ds *Dataset) S() int { return len(ds.Studies) }
func (ds *Dataset) K() int { return len(ds.Phenos) }

func (ds *Dataset) pairIndex(s, k int) int { return s*len(ds.Phenos) + k }

func (ds *Dataset) pairName(pair int) string {
	return ds.Studies[pair/len(ds.Phenos)] + "_" + ds.Phenos[pair%len(ds.Phenos)]
}

func (ds *Dataset) allRows() []int {
	rows := make([]int, len(ds.Variants))
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// filter returns the subset of rows for which keep returns true. The
// input slice is not modified.
func (ds *Dataset) filter(rows []int, keep func(row int) bool) []int {
	out := make([]int, 0, len(rows))
	for _, row := range rows {
		if keep(row) {
			out = append(out, row)
		}
	}
	return out
}

// minSE returns the smallest non-NaN standard error of a row across
// all pairs, or NaN if there is none.
func (ds *Dataset) minSE(row int) float64 {
	min := math.NaN()
	for _, pc := range ds.pairs {
		if pc == nil {
			continue
		}
		if se := pc.SE[row]; !math.IsNaN(se) && (math.IsNaN(min) || se < min) {
			min = se
		}
	}
	return min
}

func (ds *Dataset) seFilter(rows []int, thresh float64) []int {
	return ds.filter(rows, func(row int) bool {
		return ds.minSE(row) <= thresh
	})
}

func (ds *Dataset) mafFilter(rows []int, thresh float64) []int {
	return ds.filter(rows, func(row int) bool {
		maf := ds.Meta[row].MAF
		return maf >= 0 && maf <= thresh
	})
}

func (ds *Dataset) ldIndepFilter(rows []int) []int {
	return ds.filter(rows, func(row int) bool {
		return ds.Meta[row].LDIndep
	})
}

// Consequence categories included by each variant filter. "all"
// keeps every row.
var variantFilterCategories = map[string][]string{
	"ptv": {"ptv"},
	"pav": {"ptv", "pav"},
	"pcv": {"ptv", "pav", "pcv"},
}

var variantFilters = []string{"pcv", "pav", "ptv", "all"}

func (ds *Dataset) categoryFilter(rows []int, analysis string) []int {
	cats, ok := variantFilterCategories[analysis]
	if !ok {
		return append([]int(nil), rows...)
	}
	return ds.filter(rows, func(row int) bool {
		for _, cat := range cats {
			if ds.Meta[row].Category == cat {
				return true
			}
		}
		return false
	})
}

func (ds *Dataset) excludeFilter(rows []int, exclude map[VariantKey]bool) []int {
	return ds.filter(rows, func(row int) bool {
		return !exclude[ds.Variants[row]]
	})
}

// mergeDataset outer-joins per-pair summary statistics on variant
// key and inner-joins the result with metadata: variants without a
// metadata record are dropped.
func mergeDataset(mf *mapFile, tables map[int]sumStatTable, meta map[VariantKey]variantMeta) (*Dataset, error) {
	studies, phenos := mf.studies(), mf.phenos()
	ds := &Dataset{
		Studies: studies,
		Phenos:  phenos,
		pairs:   make([]*pairColumns, len(studies)*len(phenos)),
		rphen:   make([]bool, len(studies)*len(phenos)),
	}
	for _, ent := range mf.Entries {
		pair := ds.pairIndex(indexOf(studies, ent.Study), indexOf(phenos, ent.Pheno))
		ds.rphen[pair] = ent.rphen()
	}

	seen := map[VariantKey]bool{}
	for _, table := range tables {
		for key := range table {
			if _, ok := meta[key]; ok {
				seen[key] = true
			}
		}
	}
	for key := range seen {
		ds.Variants = append(ds.Variants, key)
	}
	sort.Slice(ds.Variants, func(i, j int) bool { return ds.Variants[i] < ds.Variants[j] })
	ds.Meta = make([]variantMeta, len(ds.Variants))
	for row, key := range ds.Variants {
		ds.Meta[row] = meta[key]
	}

	for pair, table := range tables {
		if pair < 0 || pair >= len(ds.pairs) {
			return nil, fmt.Errorf("bug: pair index %d out of range", pair)
		}
		pc := &pairColumns{
			Beta: nanSlice(len(ds.Variants)),
			SE:   nanSlice(len(ds.Variants)),
			P:    nanSlice(len(ds.Variants)),
		}
		for row, key := range ds.Variants {
			if st, ok := table[key]; ok {
				pc.Beta[row] = st.Beta
				pc.SE[row] = st.SE
				pc.P[row] = st.P
			}
		}
		ds.pairs[pair] = pc
	}
	return ds, nil
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func indexOf(list []string, s string) int {
	for i, x := range list {
		if x == s {
			return i
		}
	}
	return -1
}

func (ds *Dataset) String() string {
	var present []string
	for pair, pc := range ds.pairs {
		if pc != nil {
			present = append(present, ds.pairName(pair))
		}
	}
	return fmt.Sprintf("%d variants, %d studies, %d phenotypes, pairs [%s]", len(ds.Variants), ds.S(), ds.K(), strings.Join(present, " "))
}
