// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package staar computes gene-level rare-variant aggregation tests:
// burden, SKAT, ACAT-V, and their omnibus combination.
//
// All tests are score tests against an already-fitted null model. The
// caller supplies response residuals and per-sample variance weights from
// that fit, plus (optionally) a kinship matrix and variance component tau
// describing relatedness among samples; variance computations then use
// V = diag(weights) + 2*tau*K. Sample order must be identical across the
// genotype matrix rows, the residual and weight vectors, and the kinship
// matrix.
package staar

import (
	"fmt"
	"math"

	"github.com/james-bowman/sparse"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Result holds the four gene-level p-values.
type Result struct {
	Omnibus float64
	SKAT    float64
	Burden  float64
	ACAT    float64
}

// afWeight is the Beta(1,25) allele-frequency weight density standard in
// the rare-variant literature: 25 at frequency 0, near 0 above 0.1.
var afWeight = distuv.Beta{Alpha: 1, Beta: 25}

var chisq1 = distuv.ChiSquared{K: 1, Src: rand.NewSource(rand.Uint64())}

func chisqSurvival(x, df float64) float64 {
	if df == 1 {
		return chisq1.Survival(x)
	}
	return distuv.ChiSquared{K: df}.Survival(x)
}

type entry struct {
	col int
	val float64
}

// Test computes the aggregation tests for one gene.
//
// geno is the aligned dosage matrix (samples x variants); resid and
// weights are the null model's response residuals and variance weights in
// the same sample order; tau and kinship describe the relatedness
// correction (kinship may be nil). Variants with observed allele frequency
// above maxAF, or with no observed alleles at all, are excluded; maxAF = 1
// excludes nothing observed.
func Test(geno *sparse.CSR, resid, weights []float64, tau float64, kinship *sparse.CSR, maxAF float64) (Result, error) {
	n, m := geno.Dims()
	if n == 0 || m == 0 {
		return Result{}, fmt.Errorf("empty genotype matrix (%d samples, %d variants)", n, m)
	}
	if len(resid) != n || len(weights) != n {
		return Result{}, fmt.Errorf("genotype matrix has %d rows but null model has %d residuals and %d weights", n, len(resid), len(weights))
	}
	if kinship != nil {
		kr, kc := kinship.Dims()
		if kr != n || kc != n {
			return Result{}, fmt.Errorf("kinship matrix is %d x %d, want %d x %d", kr, kc, n, n)
		}
	}

	// one pass over the matrix: per-row entry lists, per-variant score
	// statistics and allele counts
	rowNZ := make([][]entry, n)
	rawScore := make([]float64, m)
	colSum := make([]float64, m)
	geno.DoNonZero(func(i, j int, v float64) {
		rowNZ[i] = append(rowNZ[i], entry{j, v})
		rawScore[j] += v * resid[i]
		colSum[j] += v
	})

	colKeep := make([]int, m)
	var kept []int
	for j := 0; j < m; j++ {
		colKeep[j] = -1
		if colSum[j] > 0 && colSum[j]/float64(2*n) <= maxAF {
			colKeep[j] = len(kept)
			kept = append(kept, j)
		}
	}
	mm := len(kept)
	if mm == 0 {
		return Result{}, fmt.Errorf("no variants observed at or below frequency cutoff %g", maxAF)
	}
	af := make([]float64, mm)
	score := make([]float64, mm)
	u := make([]float64, mm)
	for cj, j := range kept {
		af[cj] = colSum[j] / float64(2*n)
		score[cj] = rawScore[j]
		u[cj] = afWeight.Prob(af[cj])
	}
	for i := range rowNZ {
		nz := rowNZ[i][:0]
		for _, e := range rowNZ[i] {
			if cj := colKeep[e.col]; cj >= 0 {
				nz = append(nz, entry{cj, e.val})
			}
		}
		rowNZ[i] = nz
	}

	// C = G' V G restricted to kept variants, built from the sparse
	// structure: diag(weights) term from per-row entry pairs, kinship
	// term from carrier rows only
	C := make([]float64, mm*mm)
	for i := 0; i < n; i++ {
		w := weights[i]
		if w == 0 || len(rowNZ[i]) == 0 {
			continue
		}
		for _, e1 := range rowNZ[i] {
			for _, e2 := range rowNZ[i] {
				C[e1.col*mm+e2.col] += w * e1.val * e2.val
			}
		}
	}
	if kinship != nil && tau > 0 {
		addKinshipCovariance(C, rowNZ, kinship, tau, mm)
	}
	for a := 0; a < mm; a++ {
		for b := a + 1; b < mm; b++ {
			avg := (C[a*mm+b] + C[b*mm+a]) / 2
			C[a*mm+b] = avg
			C[b*mm+a] = avg
		}
	}

	var res Result

	// burden: weighted sum of scores against its variance
	cmat := mat.NewDense(mm, mm, C)
	uvec := mat.NewVecDense(mm, u)
	svec := mat.NewVecDense(mm, score)
	burdenScore := mat.Dot(uvec, svec)
	burdenVar := mat.Inner(uvec, cmat, uvec)
	if !(burdenVar > 0) {
		return Result{}, fmt.Errorf("burden score has zero variance (%d samples, %d variants)", n, mm)
	}
	res.Burden = chisqSurvival(burdenScore*burdenScore/burdenVar, 1)

	// SKAT: Q = sum of squared weighted scores, null distribution
	// approximated by moment matching on a scaled chi-squared
	var q, c1, c2 float64
	for a := 0; a < mm; a++ {
		q += u[a] * u[a] * score[a] * score[a]
		c1 += u[a] * u[a] * C[a*mm+a]
		for b := 0; b < mm; b++ {
			x := u[a] * u[b] * C[a*mm+b]
			c2 += x * x
		}
	}
	if c1 <= 0 || c2 <= 0 {
		return Result{}, fmt.Errorf("SKAT statistic has zero variance (%d samples, %d variants)", n, mm)
	}
	res.SKAT = chisqSurvival(q*c1/c2, c1*c1/c2)

	// ACAT-V: Cauchy combination of per-variant score test p-values
	var acatP, acatW []float64
	for a := 0; a < mm; a++ {
		caa := C[a*mm+a]
		w := u[a] * u[a] * af[a] * (1 - af[a])
		if caa <= 0 || w <= 0 {
			continue
		}
		acatP = append(acatP, chisqSurvival(score[a]*score[a]/caa, 1))
		acatW = append(acatW, w)
	}
	if len(acatP) == 0 {
		return Result{}, fmt.Errorf("no testable variants after weighting (%d samples, %d variants)", n, mm)
	}
	res.ACAT = cauchyCombine(acatP, acatW)

	res.Omnibus = cauchyCombine([]float64{res.SKAT, res.Burden, res.ACAT}, nil)
	return res, nil
}

// addKinshipCovariance adds 2*tau*(G' K G) to C. The intermediate product
// K G is computed for carrier rows only; all other rows contribute nothing
// to the final product.
func addKinshipCovariance(C []float64, rowNZ [][]entry, kinship *sparse.CSR, tau float64, mm int) {
	carrier := make([]int, len(rowNZ))
	var carriers int
	for i := range rowNZ {
		if len(rowNZ[i]) > 0 {
			carrier[i] = carriers
			carriers++
		} else {
			carrier[i] = -1
		}
	}
	B := make([]float64, carriers*mm)
	kinship.DoNonZero(func(i, k int, v float64) {
		ci := carrier[i]
		if ci < 0 {
			return
		}
		for _, e := range rowNZ[k] {
			B[ci*mm+e.col] += v * e.val
		}
	})
	for i := range rowNZ {
		ci := carrier[i]
		if ci < 0 {
			continue
		}
		for _, e := range rowNZ[i] {
			for j := 0; j < mm; j++ {
				C[e.col*mm+j] += 2 * tau * e.val * B[ci*mm+j]
			}
		}
	}
}

// cauchyCombine merges p-values by the Cauchy combination rule. Inputs at
// the extremes are handled with tail approximations so the tangent cannot
// overflow. nil weights means equal weights.
func cauchyCombine(ps, weights []float64) float64 {
	var t, wsum float64
	for i, p := range ps {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		if w <= 0 {
			continue
		}
		if p > 1-1e-10 {
			p = 1 - 1e-10
		}
		if p < 1e-16 {
			t += w / (p * math.Pi)
		} else {
			t += w * math.Tan((0.5-p)*math.Pi)
		}
		wsum += w
	}
	if wsum == 0 {
		return math.NaN()
	}
	t /= wsum
	var p float64
	if t > 1e15 {
		p = 1 / t / math.Pi
	} else {
		p = 0.5 - math.Atan(t)/math.Pi
	}
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
