// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
)

// metadataRecord is one row of the variant metadata file. Numeric
// columns may contain "NA", so they are parsed after unmarshaling.
type metadataRecord struct {
	V           string `csv:"V"`
	Gene        string `csv:"gene_symbol"`
	Consequence string `csv:"most_severe_consequence"`
	MAF         string `csv:"maf"`
	MPC         string `csv:"MPC"`
	PLI         string `csv:"pLI"`
	LDIndep     string `csv:"ld_indep"`
}

func (rec *metadataRecord) variantMeta() (variantMeta, error) {
	meta := variantMeta{
		Gene:        rec.Gene,
		Consequence: rec.Consequence,
		PLI:         rec.PLI == "True",
		LDIndep:     rec.LDIndep == "True",
	}
	if meta.Gene == "NA" {
		meta.Gene = ""
	}
	if meta.Consequence == "" {
		meta.Consequence = "NA"
	}
	meta.Category = categoryOfConsequence[meta.Consequence]
	var err error
	if meta.MAF, err = parseFloat64NaN(rec.MAF); err != nil {
		return meta, fmt.Errorf("variant %s: maf: %w", rec.V, err)
	}
	if meta.MPC, err = parseFloat64NaN(rec.MPC); err != nil {
		return meta, fmt.Errorf("variant %s: MPC: %w", rec.V, err)
	}
	return meta, nil
}

func readMetadataFile(fnm string, want func(VariantKey) bool) (map[VariantKey]variantMeta, error) {
	rdr, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	meta, err := readMetadata(rdr, want)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return meta, nil
}

// readMetadata returns the metadata of every variant for which want
// returns true. Other rows are skipped without being parsed.
func readMetadata(r io.Reader, want func(VariantKey) bool) (map[VariantKey]variantMeta, error) {
	out := map[VariantKey]variantMeta{}
	var parseErr error
	err := gocsv.UnmarshalToCallback(r, func(rec metadataRecord) {
		if parseErr != nil {
			return
		}
		key := VariantKey(rec.V)
		if !want(key) {
			return
		}
		meta, err := rec.variantMeta()
		if err != nil {
			parseErr = err
			return
		}
		out[key] = meta
	})
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}
	log.Infof("metadata: %d variants", len(out))
	return out, nil
}
