// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"fmt"
	"math"
)

// Prior effect-size scale for each consequence category.
var sigmaByCategory = map[string]float64{
	"ptv":    0.2,
	"pav":    0.05,
	"pcv":    0.03,
	"intron": 0.03,
	"utr":    0.03,
	"others": 0.02,
}

var consequenceCategories = map[string][]string{
	"ptv": {
		"splice_acceptor_variant",
		"splice_donor_variant",
		"stop_lost",
		"stop_gained",
		"frameshift_variant",
		"transcript_ablation",
		"start_lost",
		"pLoF",
	},
	"pav": {
		"missense_variant",
		"splice_region_variant",
		"protein_altering_variant",
		"inframe_insertion",
		"inframe_deletion",
		"missense",
		"LC",
	},
	"pcv": {
		"stop_retained_variant",
		"coding_sequence_variant",
		"incomplete_terminal_codon_variant",
		"synonymous_variant",
		"start_retained_variant",
	},
	"intron": {
		"intron_variant",
	},
	"utr": {
		"5_prime_UTR_variant",
		"3_prime_UTR_variant",
	},
	"others": {
		"regulatory_region_variant",
		"non_coding_transcript_variant",
		"mature_miRNA_variant",
		"NMD_transcript_variant",
		"intergenic_variant",
		"upstream_gene_variant",
		"downstream_gene_variant",
		"TF_binding_site_variant",
		"non_coding_transcript_exon_variant",
		"regulatory_region_ablation",
		"TFBS_ablation",
		"NA",
	},
}

var categoryOfConsequence = func() map[string]string {
	m := map[string]string{}
	for category, csqs := range consequenceCategories {
		for _, csq := range csqs {
			m[csq] = category
		}
	}
	return m
}()

// Consequences of variants treated as null when estimating the
// correlation of errors.
var nullConsequences = map[string]bool{
	"regulatory_region_variant":          true,
	"non_coding_transcript_variant":      true,
	"mature_miRNA_variant":               true,
	"NMD_transcript_variant":             true,
	"intergenic_variant":                 true,
	"upstream_gene_variant":              true,
	"downstream_gene_variant":            true,
	"TF_binding_site_variant":            true,
	"non_coding_transcript_exon_variant": true,
	"regulatory_region_ablation":         true,
	"TFBS_ablation":                      true,
	"NA":                                 true,
}

type sigmaScheme string

const (
	sigmaMPCPLI sigmaScheme = "sigma_m_mpc_pli"
	sigmaVar    sigmaScheme = "sigma_m_var"
	sigmaOne    sigmaScheme = "sigma_m_1"
	sigma005    sigmaScheme = "sigma_m_005"
)

var sigmaSchemes = []string{string(sigmaMPCPLI), string(sigmaVar), string(sigmaOne), string(sigma005)}

// sigma returns the scaling factor of one variant. Variants whose
// consequence has no category get NaN under the annotation-based
// schemes.
func (scheme sigmaScheme) sigma(meta *variantMeta) float64 {
	switch scheme {
	case sigmaOne:
		return 1
	case sigma005:
		return 0.05
	}
	s, ok := sigmaByCategory[meta.Category]
	if !ok {
		return math.NaN()
	}
	if scheme == sigmaVar {
		return s
	}
	switch {
	case meta.isPLIFlagged():
		return 2 * s
	case meta.isMPCFlagged():
		return meta.MPC * s
	default:
		return s
	}
}

func parseSigmaScheme(s string) (sigmaScheme, error) {
	for _, name := range sigmaSchemes {
		if s == name {
			return sigmaScheme(s), nil
		}
	}
	return "", fmt.Errorf("unknown sigma_m type %q", s)
}
