// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

var (
	aggregationTypes  = []string{"gene", "variant"}
	correlationModels = []string{"independent", "similar"}
)

// sweepConfig lists the values of every parameter axis.
type sweepConfig struct {
	MAFThresholds  []float64
	SEThresholds   []float64
	Aggregations   []string
	Analyses       []string
	SigmaSchemes   []sigmaScheme
	RStudyModels   []string
	RVarModels     []string
	PriorOdds      []float64
	PValueMethods  []string
	Mean           float64
	Threads        int
	OutFolder      string
	OutFilename    string
	Chroms         []string
	OutputMatrices bool
}

// sweeper runs every combination of parameters over a dataset and
// writes one result file per (MAF threshold, SE threshold,
// aggregation type).
type sweeper struct {
	Config  sweepConfig
	Dataset *Dataset
	Rows    []int // dataset rows to use; nil means all
	bfe     *bayesFactorEngine
}

// leaf identifies one innermost combination of sweep parameters.
type leaf struct {
	Agg      string
	Analysis string
	Sigma    sigmaScheme
	RStudy   string
	RVar     string
}

func (l leaf) suffix() string {
	return fmt.Sprintf("study_%s_var_%s_%s_%s", l.RStudy, l.RVar, l.Sigma, l.Analysis)
}

func (sw *sweeper) Run() error {
	var err error
	sw.bfe, err = newBayesFactorEngine(sw.Config.PriorOdds, sw.Config.PValueMethods)
	if err != nil {
		return err
	}
	if len(sw.Config.PValueMethods) > 0 {
		log.Warn("p-value generation can slow the analysis down considerably; consider --prior_odds instead")
	}
	ds := sw.Dataset
	base := sw.Rows
	if base == nil {
		base = ds.allRows()
	}
	for _, se := range sw.Config.SEThresholds {
		rows := ds.seFilter(base, se)
		log.Infof("SE threshold %s: %d variants", formatParam(se), len(rows))
		errCorr, rPhen := estimateCorrelations(ds, rows)
		log.Infof("correlation of errors, SE threshold = %s:\n%v", formatParam(se), mat.Formatted(errCorr))
		log.Infof("R_phen:\n%v", mat.Formatted(rPhen))
		if sw.Config.OutputMatrices {
			if err := sw.writeMatrices(se, errCorr, rPhen); err != nil {
				return err
			}
		}
		for _, maf := range sw.Config.MAFThresholds {
			log.Infof("running MRP across parameters for MAF threshold %s and SE threshold %s", formatParam(maf), formatParam(se))
			mafRows := ds.mafFilter(rows, maf)
			for _, agg := range sw.Config.Aggregations {
				table, err := sw.runAggregation(agg, mafRows, errCorr, rPhen)
				if err != nil {
					return err
				}
				if err := sw.writeTable(table, agg, maf, se); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (sw *sweeper) studyModels() []string {
	if sw.Dataset.S() == 1 && len(sw.Config.RStudyModels) > 1 {
		log.Info("not meta-analyzing, so R_study is just [1]")
		return []string{"similar"}
	}
	return sw.Config.RStudyModels
}

func (sw *sweeper) varModels(agg string) []string {
	if agg == "variant" && len(sw.Config.RVarModels) > 1 {
		log.Info("not aggregating, so R_var is just [1]")
		return []string{"independent"}
	}
	return sw.Config.RVarModels
}

func studyCorrelation(model string, S int) *mat.Dense {
	if model == "similar" {
		return ones(S)
	}
	return identity(S)
}

// runAggregation runs every leaf for one aggregation type and merges
// the results into a single table sorted by Bayes factor.
func (sw *sweeper) runAggregation(agg string, rows []int, errCorr, rPhen *mat.Dense) (*resultTable, error) {
	ds := sw.Dataset
	rStudyModels := sw.studyModels()
	rVarModels := sw.varModels(agg)
	var analysisTables []*resultTable
	for _, analysis := range sw.Config.Analyses {
		analysisRows := ds.categoryFilter(rows, analysis)
		units, err := groupUnits(ds, analysisRows, agg)
		if err != nil {
			return nil, err
		}
		var sigmaTables []*resultTable
		for _, sigma := range sw.Config.SigmaSchemes {
			var leafTables []*resultTable
			for _, rStudy := range rStudyModels {
				for _, rVar := range rVarModels {
					l := leaf{Agg: agg, Analysis: analysis, Sigma: sigma, RStudy: rStudy, RVar: rVar}
					params := modelParams{
						RStudy:  studyCorrelation(rStudy, ds.S()),
						RPhen:   rPhen,
						ErrCorr: errCorr,
						RVar:    rVar,
						Sigma:   sigma,
						Mean:    sw.Config.Mean,
					}
					leafTables = append(leafTables, sw.runLeaf(l, units, params))
				}
			}
			on := countColumns(agg, analysis, sigma)
			t, err := mergeAll(leafTables, on...)
			if err != nil {
				return nil, err
			}
			sigmaTables = append(sigmaTables, t)
		}
		on := countColumns(agg, analysis, "")
		t, err := mergeAll(sigmaTables, on...)
		if err != nil {
			return nil, err
		}
		analysisTables = append(analysisTables, t)
	}
	out, err := mergeAll(analysisTables)
	if err != nil {
		return nil, err
	}
	out.sortByFirstBF()
	return out, nil
}

// countColumns returns the per-unit count columns of a leaf table.
// They follow the key column and identify a row together with it.
func countColumns(agg, analysis string, sigma sigmaScheme) []string {
	if agg != "gene" {
		return nil
	}
	cols := []string{"num_variants_" + analysis}
	if sigma == sigmaMPCPLI {
		cols = append(cols, "num_variants_mpc_"+analysis, "num_variants_pli_"+analysis)
	}
	return cols
}

func (sw *sweeper) leafColumns(l leaf) []string {
	cols := append([]string{l.Agg}, countColumns(l.Agg, l.Analysis, l.Sigma)...)
	cols = append(cols, "log_10_BF_"+l.suffix())
	for _, po := range sw.Config.PriorOdds {
		cols = append(cols, "posterior_prob_w_prior_odds_"+formatParam(po)+"_"+l.suffix())
	}
	for _, method := range sw.Config.PValueMethods {
		cols = append(cols, "p_value_"+method+"_"+l.suffix())
	}
	return cols
}

// runLeaf computes the Bayes factor of every unit on a pool of
// worker goroutines. Rows of the returned table are in unit order.
func (sw *sweeper) runLeaf(l leaf, units []aggregationUnit, params modelParams) *resultTable {
	log.Infof("analysis %s, R_study %s, R_var %s, aggregation %s, %s, prior odds %v, p-value methods %v, mean %g",
		l.Analysis, l.RStudy, l.RVar, l.Agg, l.Sigma, sw.Config.PriorOdds, sw.Config.PValueMethods, params.Mean)
	rows := make([][]float64, len(units))
	var converged int64
	throttle := &throttle{Max: sw.Config.Threads}
	for i, unit := range units {
		if i%1000 == 0 {
			log.Infof("done %d %ss out of %d", i, l.Agg, len(units))
			runtime.GC()
		}
		i, unit := i, unit
		throttle.Go(func() error {
			um := buildUnitModel(sw.Dataset, unit, params)
			res := sw.bfe.Compute(um, unit.Key, l.Agg)
			if res.Converged {
				atomic.AddInt64(&converged, 1)
			}
			var row []float64
			if l.Agg == "gene" {
				row = append(row, float64(um.N()))
				if l.Sigma == sigmaMPCPLI {
					row = append(row, float64(um.NumMPC), float64(um.NumPLI))
				}
			}
			row = append(row, res.Log10BF)
			row = append(row, res.PosteriorProbs...)
			row = append(row, res.PValues...)
			rows[i] = row
			return nil
		})
	}
	throttle.Wait()
	log.Infof("%d/%d genes' matrices had well-behaved eigenvalues.", converged, len(units))

	t := newResultTable(sw.leafColumns(l))
	for i, unit := range units {
		t.addRow(unit.Key, rows[i])
	}
	return t
}

func (sw *sweeper) outputFilename(agg string, maf, se float64) string {
	studies := strings.Join(sw.Dataset.Studies, "_")
	var name string
	if sw.Config.OutFilename == "" {
		name = fmt.Sprintf("%s_%s_%s_maf_%s_se_%s_chrs_%s.tsv.gz",
			studies, strings.Join(sw.Dataset.Phenos, "_"), agg,
			formatParam(maf), formatParam(se), strings.Join(sw.Config.Chroms, "_"))
	} else {
		name = fmt.Sprintf("%s_%s_%s_maf_%s_se_%s.tsv.gz",
			studies, sw.Config.OutFilename, agg, formatParam(maf), formatParam(se))
	}
	return filepath.Join(sw.Config.OutFolder, name)
}

func (sw *sweeper) writeTable(t *resultTable, agg string, maf, se float64) error {
	fnm := sw.outputFilename(agg, maf, se)
	f, err := zcreate(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := t.WriteTSV(f); err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	log.Infof("results written to %s", fnm)
	return nil
}

func (sw *sweeper) writeMatrices(se float64, errCorr, rPhen mat.Matrix) error {
	prefix := filepath.Join(sw.Config.OutFolder, strings.Join(sw.Dataset.Studies, "_")+"_"+strings.Join(sw.Dataset.Phenos, "_")+"_se_"+formatParam(se))
	if err := writeNumpyFile(prefix+"_err_corr.npy", errCorr); err != nil {
		return err
	}
	return writeNumpyFile(prefix+"_R_phen.npy", rPhen)
}
