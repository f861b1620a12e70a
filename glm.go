// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
)

var glmFamilies = map[string]*glm.Config{
	"gaussian": {
		Family:         glm.NewFamily(glm.GaussianFamily),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		Log:            log.New(io.Discard, "", 0),
	},
	"binomial": {
		Family:         glm.NewFamily(glm.BinomialFamily),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		Log:            log.New(io.Discard, "", 0),
	},
}

// fitGLM fits outcome ~ predictors and returns the fitted coefficients in
// names[1:] order plus the log-likelihood. statmodel panics on some
// degenerate designs, so failures surface as errors here.
func fitGLM(data [][]statmodel.Dtype, names []string, config *glm.Config) (params []float64, loglike float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			params, loglike, err = nil, 0, fmt.Errorf("GLM fit failed: %v", r)
		}
	}()
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], config)
	if err != nil {
		return nil, 0, err
	}
	result := model.Fit()
	params = result.Params()
	loglike = result.LogLike()
	// IRLS diverges on separated data and hands back NaN coefficients
	// instead of failing; non-finite estimates must never be persisted
	for _, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, 0, fmt.Errorf("GLM fit did not converge (separated data?)")
		}
	}
	if math.IsNaN(loglike) || math.IsInf(loglike, 0) {
		return nil, 0, fmt.Errorf("GLM fit did not converge (separated data?)")
	}
	return params, loglike, nil
}
