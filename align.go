// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"fmt"

	"github.com/james-bowman/sparse"
	log "github.com/sirupsen/logrus"
)

// alignedModel is the single-gene view of a null model after sample
// alignment: identifiers, residuals, weights, and kinship all ordered
// identically to the aligned genotype matrix rows. Built fresh per
// invocation; the loaded NullModel artifact is never modified.
type alignedModel struct {
	Phenotype   string
	Family      string
	IDs         []string
	Residuals   []float64
	Weights     []float64
	ZeroCases   bool
	Relatedness bool
	Tau         float64
	Kinship     *sparse.CSR // nil when Relatedness is false
}

// labelRows establishes the genotype matrix's row labels. When the matrix
// row count equals the sample table length, table order is trusted
// directly. Otherwise the matrix was built over a superset of samples and
// the table's positional row column selects and reorders matrix rows
// before any label is trusted. Without that column the correspondence
// cannot be recovered.
func labelRows(m *sparse.CSR, samples []sampleInfo, hasRow bool, indexBase int) (*sparse.CSR, []string, error) {
	rows, _ := m.Dims()
	ids := make([]string, len(samples))
	for i, s := range samples {
		ids[i] = s.id
	}
	if rows == len(samples) {
		return m, ids, nil
	}
	if !hasRow {
		return nil, nil, fmt.Errorf("%w: matrix has %d rows, sample table has %d rows and no positional row column", ErrUnrecoverableSchemaMismatch, rows, len(samples))
	}
	log.WithFields(log.Fields{
		"matrixRows": rows,
		"samples":    len(samples),
	}).Info("matrix/sample row counts differ, recovering rows by positional index")
	idx := make([]int, len(samples))
	for i, s := range samples {
		r := s.row - indexBase
		if r < 0 || r >= rows {
			return nil, nil, fmt.Errorf("%w: sample %s positional row %d outside matrix with %d rows (index base %d)", ErrUnrecoverableSchemaMismatch, s.id, s.row, rows, indexBase)
		}
		idx[i] = r
	}
	return selectRows(m, idx), ids, nil
}

// align reconciles sample identity across the genotype matrix rows, the
// null model's included-sample list, and (when relatedness correction is
// active) the kinship sample list. The returned genotype matrix and model
// view enumerate the same samples in the same order: the null model's
// included-sample order restricted to the intersection. The kinship matrix
// is permuted to that order exactly once.
func align(g *genoMatrix, model *NullModel) (*genoMatrix, *alignedModel, error) {
	matrixRow := make(map[string]int, len(g.Rows))
	for i, id := range g.Rows {
		if _, dup := matrixRow[id]; dup {
			return nil, nil, fmt.Errorf("duplicate sample ID %q in sample table", id)
		}
		matrixRow[id] = i
	}

	kinIDs := model.KinshipIDs
	if model.Relatedness && len(kinIDs) == 0 {
		// kinship rows follow the fit ordering when no separate
		// sample list was stored
		kinIDs = model.IDInclude
	}
	kinRow := make(map[string]int, len(kinIDs))
	if model.Relatedness {
		for i, id := range kinIDs {
			if _, dup := kinRow[id]; dup {
				return nil, nil, fmt.Errorf("duplicate sample ID %q in kinship sample list", id)
			}
			kinRow[id] = i
		}
	}

	// canonical order: the null model's included-sample list,
	// restricted to samples present everywhere
	fitRow := make(map[string]int, len(model.IDInclude))
	var order []string
	for i, id := range model.IDInclude {
		if _, dup := fitRow[id]; dup {
			return nil, nil, fmt.Errorf("duplicate sample ID %q in null model", id)
		}
		fitRow[id] = i
		if _, ok := matrixRow[id]; !ok {
			continue
		}
		if model.Relatedness {
			if _, ok := kinRow[id]; !ok {
				continue
			}
		}
		order = append(order, id)
	}
	if len(order) == 0 {
		if model.Relatedness {
			return nil, nil, fmt.Errorf("%w: no samples shared by genotype matrix (%d), null model (%d), and kinship matrix (%d)", ErrNoOverlap, len(g.Rows), len(model.IDInclude), len(kinIDs))
		}
		return nil, nil, fmt.Errorf("%w: no samples shared by genotype matrix (%d) and null model (%d)", ErrNoOverlap, len(g.Rows), len(model.IDInclude))
	}

	genoIdx := make([]int, len(order))
	for i, id := range order {
		genoIdx[i] = matrixRow[id]
	}
	aligned := &genoMatrix{
		Dosage: selectRows(g.Dosage, genoIdx),
		Rows:   order,
		Cols:   g.Cols,
	}

	view := &alignedModel{
		Phenotype:   model.Phenotype,
		Family:      model.Family,
		IDs:         order,
		Residuals:   make([]float64, len(order)),
		Weights:     make([]float64, len(order)),
		ZeroCases:   model.ZeroCases,
		Relatedness: model.Relatedness,
		Tau:         model.Tau,
	}
	for i, id := range order {
		view.Residuals[i] = model.Residuals[fitRow[id]]
		view.Weights[i] = model.Weights[fitRow[id]]
	}
	if model.Relatedness {
		kinIdx := make([]int, len(order))
		for i, id := range order {
			kinIdx[i] = kinRow[id]
		}
		view.Kinship = symmetricPermute(model.KinshipMatrix(), kinIdx)
	}

	log.WithFields(log.Fields{
		"matrixSamples": len(g.Rows),
		"modelSamples":  len(model.IDInclude),
		"aligned":       len(order),
	}).Debug("sample alignment done")
	return aligned, view, nil
}
