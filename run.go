// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

var chromosomes = []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12", "13", "14", "15", "16", "17", "18", "19", "20", "21", "22", "X", "Y"}

// datasetLoader holds the input options shared by the subcommands
// that read summary statistics.
type datasetLoader struct {
	MapFile       string
	MetadataPath  string
	Build         string
	Chroms        []string
	Exclude       string
	FilterLDIndep bool
	Threads       int
}

func (dl *datasetLoader) registerFlags(flags *flag.FlagSet, chroms *stringList) {
	flags.StringVar(&dl.MapFile, "file", "", "tab-separated map `file` listing summary statistic paths, study, pheno, and R_phen (TRUE/FALSE)")
	flags.StringVar(&dl.MetadataPath, "metadata_path", "", "tab-separated variant metadata `file` (V, gene_symbol, most_severe_consequence, maf, MPC, pLI, ld_indep)")
	flags.StringVar(&dl.Build, "build", "", "genome build: hg19 or hg38")
	flags.Var(chroms, "chrom", "chromosome filter: any of 1-22, X, Y (default: all)")
	flags.StringVar(&dl.Exclude, "exclude", "", "`file` listing variants to exclude, one chrom:pos:ref:alt per line")
	flags.BoolVar(&dl.FilterLDIndep, "filter_ld_indep", false, "keep only LD-independent variants")
	flags.IntVar(&dl.Threads, "threads", runtime.GOMAXPROCS(0), "number of concurrent workers")
}

func (dl *datasetLoader) check() error {
	if dl.MapFile == "" {
		return errors.New("--file is required")
	}
	if dl.MetadataPath == "" {
		return errors.New("--metadata_path is required")
	}
	if _, ok := hlaRegions[dl.Build]; !ok {
		return fmt.Errorf("--build must be one of %v", builds)
	}
	return nil
}

// Load reads, validates and merges all inputs. The returned rows are
// the dataset rows that pass the exclude and LD-independence filters.
func (dl *datasetLoader) Load() (*Dataset, []int, error) {
	mf, err := readMapFile(dl.MapFile)
	if err != nil {
		return nil, nil, err
	}
	if err := mf.validate(fileExists); err != nil {
		return nil, nil, err
	}
	log.Infof("map file passes initial checks; studies %v, phenotypes %v", mf.studies(), mf.phenos())

	var exclude map[VariantKey]bool
	if dl.Exclude != "" {
		exclude, err = readExcludeFile(dl.Exclude)
		if err != nil {
			return nil, nil, err
		}
	}

	ssr := &sumStatReader{Build: dl.Build, Chroms: dl.Chroms}
	tables, err := ssr.readSumStats(mf, dl.Threads)
	if err != nil {
		return nil, nil, err
	}
	log.Info("merging with metadata")
	meta, err := readMetadataFile(dl.MetadataPath, func(key VariantKey) bool {
		for _, table := range tables {
			if _, ok := table[key]; ok {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, nil, err
	}
	ds, err := mergeDataset(mf, tables, meta)
	if err != nil {
		return nil, nil, err
	}
	rows := ds.allRows()
	if exclude != nil {
		rows = ds.excludeFilter(rows, exclude)
	}
	if dl.FilterLDIndep {
		rows = ds.ldIndepFilter(rows)
	}
	log.Infof("summary statistics: %s; %d rows after filtering", ds, len(rows))
	return ds, rows, nil
}

type runCmd struct{}

func (cmd *runCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", true, "run on local host (if false, run in an Arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data (required with -local=false)")
	priority := flags.Int("priority", 500, "container request priority")
	preemptible := flags.Bool("preemptible", true, "request preemptible instance")
	vcpus := flags.Int("vcpus", 8, "number of VCPUs for the container")
	ram := flags.Int64("ram", 64<<30, "container RAM in `bytes`")
	var dl datasetLoader
	chroms := newStringList(nil, chromosomes...)
	dl.registerFlags(flags, chroms)
	mean := flags.Float64("mean", 0, "prior mean of genetic effects")
	rStudy := newStringList([]string{"similar"}, correlationModels...)
	flags.Var(rStudy, "R_study", "model(s) across studies: independent, similar")
	rVar := newStringList([]string{"independent"}, correlationModels...)
	flags.Var(rVar, "R_var", "model(s) across variants: independent, similar")
	aggs := newStringList([]string{"gene"}, aggregationTypes...)
	flags.Var(aggs, "M", "unit(s) of aggregation: variant, gene")
	sigmas := newStringList([]string{string(sigmaMPCPLI)}, sigmaSchemes...)
	flags.Var(sigmas, "sigma_m_types", "scaling factor(s) for variants: sigma_m_mpc_pli, sigma_m_var, sigma_m_1, sigma_m_005")
	analyses := newStringList([]string{"ptv"}, variantFilters...)
	flags.Var(analyses, "variants", "variant set(s) to consider: pcv, pav, ptv, all")
	mafs := newFloatList([]float64{0.01}, checkUnitInterval)
	flags.Var(mafs, "maf_thresh", "MAF threshold(s), each in (0, 1]")
	ses := newFloatList([]float64{0.2}, checkNonNegative)
	flags.Var(ses, "se_thresh", "SE threshold(s), each >= 0; the default suits binary traits, quantitative traits may need a higher threshold")
	priorOdds := newFloatList([]float64{0.0005}, checkUnitInterval)
	flags.Var(priorOdds, "prior_odds", "prior odds used to compute posterior probabilities, each in (0, 1]")
	pvalues := newStringList(nil, pValueMethods...)
	flags.Var(pvalues, "p_value", "method(s) for converting Bayes factors to p-values: farebrother, davies, imhof (default: none)")
	outFolder := flags.String("out_folder", "", "output `directory`, created if needed (default: current directory)")
	outFilename := flags.String("out_filename", "", "output file name `prefix` (default: underscore-delimited phenotypes)")
	outputMatrices := flags.Bool("output-matrices", false, "also write err_corr and R_phen for each SE threshold as .npy files")
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

	if !*runlocal {
		runner := containerRunner{
			Name:        "mrp run",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			VCPUs:       *vcpus,
			RAM:         *ram,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		mapFile, metadataPath, exclude := dl.MapFile, dl.MetadataPath, dl.Exclude
		err = runner.TranslatePaths(&mapFile, &metadataPath, &exclude)
		if err != nil {
			return 1
		}
		runner.Args = remoteArgs(args, map[string]string{
			"file":          mapFile,
			"metadata_path": metadataPath,
			"exclude":       exclude,
		})
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	cfg := sweepConfig{
		MAFThresholds:  mafs.Values(),
		SEThresholds:   ses.Values(),
		Aggregations:   aggs.Values(),
		Analyses:       analyses.Values(),
		RStudyModels:   rStudy.Values(),
		RVarModels:     rVar.Values(),
		PriorOdds:      priorOdds.Values(),
		PValueMethods:  pvalues.Values(),
		Mean:           *mean,
		Threads:        dl.Threads,
		OutFolder:      *outFolder,
		OutFilename:    *outFilename,
		Chroms:         dl.Chroms,
		OutputMatrices: *outputMatrices,
	}
	for _, s := range sigmas.Values() {
		var scheme sigmaScheme
		scheme, err = parseSigmaScheme(s)
		if err != nil {
			return 2
		}
		cfg.SigmaSchemes = append(cfg.SigmaSchemes, scheme)
	}
	if cfg.OutFolder == "" {
		cfg.OutFolder, err = os.Getwd()
		if err != nil {
			return 1
		}
	}

	ds, rows, err := dl.Load()
	if err != nil {
		return 1
	}
	sw := &sweeper{Config: cfg, Dataset: ds, Rows: rows}
	err = sw.Run()
	if err != nil {
		return 1
	}
	log.Info("MRP analysis finished")
	return 0
}
