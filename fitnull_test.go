// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"bufio"
	"bytes"
	"io/ioutil"
	"math"
	"os"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type fitNullSuite struct{}

var _ = check.Suite(&fitNullSuite{})

func (s *fitNullSuite) TestLoadPhenoTable(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/pheno.tsv"
	err := ioutil.WriteFile(fnm, []byte(""+
		"FID\tbmi\tage\tbatch\n"+
		"s1\t21.5\t40\tA\n"+
		"s2\tNA\t41\tB\n"+
		"s3\t23\t42\tA\n"+
		"s4\t24\tnan\tB\n"), 0644)
	c.Assert(err, check.IsNil)

	tbl, err := loadPhenoTable(fnm, "FID", []string{"bmi", "age", "bmi"})
	c.Assert(err, check.IsNil)
	c.Check(tbl.ids, check.DeepEquals, []string{"s1", "s3"})
	c.Check(tbl.dropped, check.Equals, 2)
	c.Check(tbl.cols["bmi"], check.DeepEquals, []string{"21.5", "23"})
	c.Check(tbl.cols["age"], check.DeepEquals, []string{"40", "42"})

	_, err = loadPhenoTable(fnm, "FID", []string{"height"})
	c.Check(err, check.ErrorMatches, `.*: no "height" column \(header: .*\)`)

	_, err = loadPhenoTable(fnm, "IID", []string{"bmi"})
	c.Check(err, check.ErrorMatches, `.*: no "IID" column \(header: .*\)`)
}

func (s *fitNullSuite) TestLoadPhenoTableNoUsableRows(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/pheno.tsv"
	c.Assert(ioutil.WriteFile(fnm, []byte("FID\tbmi\ns1\tNA\n"), 0644), check.IsNil)
	_, err := loadPhenoTable(fnm, "FID", []string{"bmi"})
	c.Check(err, check.ErrorMatches, `.*: no usable rows after dropping 1 with missing values`)
}

func (s *fitNullSuite) TestLoadSampleList(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/samples.txt"
	c.Assert(ioutil.WriteFile(fnm, []byte("s1\ns2\n\ns3\n"), 0644), check.IsNil)
	ids, err := loadSampleList(fnm)
	c.Assert(err, check.IsNil)
	c.Check(ids, check.DeepEquals, []string{"s1", "s2", "s3"})

	c.Assert(ioutil.WriteFile(fnm, []byte("\n"), 0644), check.IsNil)
	_, err = loadSampleList(fnm)
	c.Check(err, check.ErrorMatches, `.*: empty sample list`)
}

func (s *fitNullSuite) TestLoadKinshipEntriesMatrixMarket(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/kinship.mtx"
	c.Assert(ioutil.WriteFile(fnm, []byte(`%%MatrixMarket matrix coordinate real symmetric
3 3 4
2 2 0.5
1 1 0.5
2 1 0.25
3 3 0.5
`), 0644), check.IsNil)

	entries, err := loadKinshipEntries(fnm, 3)
	c.Assert(err, check.IsNil)
	c.Check(entries, check.DeepEquals, []KinshipEntry{
		{Row: 0, Col: 0, Value: 0.5},
		{Row: 0, Col: 1, Value: 0.25},
		{Row: 1, Col: 1, Value: 0.5},
		{Row: 2, Col: 2, Value: 0.5},
	})

	_, err = loadKinshipEntries(fnm, 4)
	c.Check(err, check.ErrorMatches, `.*: kinship matrix has 3 rows but sample list has 4`)
}

func (s *fitNullSuite) TestLoadKinshipEntriesNumpy(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/kinship.npy"
	f, err := os.Create(fnm)
	c.Assert(err, check.IsNil)
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	c.Assert(err, check.IsNil)
	npw.Shape = []int{2, 2}
	c.Assert(npw.WriteFloat64([]float64{0.5, 0.25, 0.25, 0.5}), check.IsNil)
	c.Assert(bufw.Flush(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)

	entries, err := loadKinshipEntries(fnm, 2)
	c.Assert(err, check.IsNil)
	c.Check(entries, check.DeepEquals, []KinshipEntry{
		{Row: 0, Col: 0, Value: 0.5},
		{Row: 0, Col: 1, Value: 0.25},
		{Row: 1, Col: 1, Value: 0.5},
	})

	_, err = loadKinshipEntries(fnm, 5)
	c.Check(err, check.ErrorMatches, `.*: kinship matrix has 2 rows but sample list has 5`)
}

func (s *fitNullSuite) TestEstimateTau(c *check.C) {
	kinIDs := []string{"a", "b"}
	fitIdx := map[string]int{"a": 0, "b": 1}
	entries := []KinshipEntry{{Row: 0, Col: 1, Value: 0.25}}

	c.Check(estimateTau(entries, kinIDs, fitIdx, []float64{2, 3}), check.Equals, 12.0)
	// negative moment estimates clamp to zero
	c.Check(estimateTau(entries, kinIDs, fitIdx, []float64{2, -3}), check.Equals, 0.0)
	// diagonal entries carry no pair information
	c.Check(estimateTau([]KinshipEntry{{Row: 0, Col: 0, Value: 0.5}}, kinIDs, fitIdx, []float64{2, 3}), check.Equals, 0.0)
	// pairs outside the fitted sample set are ignored
	c.Check(estimateTau(entries, kinIDs, map[string]int{"a": 0}, []float64{2}), check.Equals, 0.0)
}

func (s *fitNullSuite) TestNullModelGaussian(c *check.C) {
	tmpdir := c.MkDir()
	pheno := tmpdir + "/pheno.tsv"
	c.Assert(ioutil.WriteFile(pheno, []byte(""+
		"FID\tbmi\n"+
		"s1\t1\n"+
		"s2\t2\n"+
		"s3\t3\n"+
		"s4\t4\n"+
		"s5\t10\n"+
		"s6\tNA\n"), 0644), check.IsNil)
	out := tmpdir + "/null.gob"

	var stdout, stderr bytes.Buffer
	exited := (&nullModelCmd{}).RunCommand("genetest null-model",
		[]string{"-phenotype", "bmi", "-family", "gaussian", pheno, out},
		&bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	model, err := LoadNullModel(out)
	c.Assert(err, check.IsNil)
	c.Check(model.Phenotype, check.Equals, "bmi")
	c.Check(model.Family, check.Equals, "gaussian")
	c.Check(model.IDInclude, check.DeepEquals, []string{"s1", "s2", "s3", "s4", "s5"})
	c.Check(model.ZeroCases, check.Equals, false)
	c.Check(model.Relatedness, check.Equals, false)

	// intercept-only fit: residuals are y minus the mean, weights are
	// the residual variance estimate
	want := []float64{-3, -2, -1, 0, 6}
	c.Assert(model.Residuals, check.HasLen, 5)
	for i, r := range model.Residuals {
		c.Check(math.Abs(r-want[i]) < 1e-6, check.Equals, true, check.Commentf("i=%d r=%g", i, r))
	}
	for i, w := range model.Weights {
		c.Check(math.Abs(w-12.5) < 1e-6, check.Equals, true, check.Commentf("i=%d w=%g", i, w))
	}
}

func (s *fitNullSuite) TestNullModelZeroCases(c *check.C) {
	tmpdir := c.MkDir()
	pheno := tmpdir + "/pheno.tsv"
	c.Assert(ioutil.WriteFile(pheno, []byte("FID\tstatus\ns1\t0\ns2\t0\ns3\t0\n"), 0644), check.IsNil)
	out := tmpdir + "/null.gob"

	var stdout, stderr bytes.Buffer
	exited := (&nullModelCmd{}).RunCommand("genetest null-model",
		[]string{"-phenotype", "status", pheno, out},
		&bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	model, err := LoadNullModel(out)
	c.Assert(err, check.IsNil)
	c.Check(model.Family, check.Equals, "binomial")
	c.Check(model.ZeroCases, check.Equals, true)
	c.Check(model.Residuals, check.DeepEquals, []float64{0, 0, 0})
	c.Check(model.Weights, check.DeepEquals, []float64{1, 1, 1})
}

func (s *fitNullSuite) TestNullModelBinomial(c *check.C) {
	tmpdir := c.MkDir()
	pheno := tmpdir + "/pheno.tsv"
	// every covariate pattern appears with both outcomes, so the data
	// cannot be separated and the MLE is finite
	c.Assert(ioutil.WriteFile(pheno, []byte(""+
		"FID\tstatus\tage\tbatch\n"+
		"s1\t0\t1\tA\n"+
		"s2\t1\t1\tA\n"+
		"s3\t0\t2\tB\n"+
		"s4\t1\t2\tB\n"+
		"s5\t0\t3\tA\n"+
		"s6\t1\t3\tA\n"+
		"s7\t1\t4\tB\n"+
		"s8\t0\t4\tB\n"), 0644), check.IsNil)
	out := tmpdir + "/null.gob"

	var stdout, stderr bytes.Buffer
	exited := (&nullModelCmd{}).RunCommand("genetest null-model",
		[]string{"-phenotype", "status", "-quantitative-covariates", "age", "-categorical-covariates", "batch", pheno, out},
		&bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	model, err := LoadNullModel(out)
	c.Assert(err, check.IsNil)
	c.Check(model.ZeroCases, check.Equals, false)
	c.Assert(model.Residuals, check.HasLen, 8)
	// the intercept score equation makes fitted residuals sum to zero
	var sum float64
	for _, r := range model.Residuals {
		sum += r
	}
	c.Check(math.Abs(sum) < 1e-6, check.Equals, true, check.Commentf("sum=%g", sum))
	for i, w := range model.Weights {
		c.Check(w > 0 && w <= 0.25, check.Equals, true, check.Commentf("i=%d w=%g", i, w))
	}
}

func (s *fitNullSuite) TestNullModelSeparatedData(c *check.C) {
	// age and batch jointly separate cases from controls, so IRLS
	// diverges; the command must fail instead of persisting NaN
	// residuals and weights
	tmpdir := c.MkDir()
	pheno := tmpdir + "/pheno.tsv"
	c.Assert(ioutil.WriteFile(pheno, []byte(""+
		"FID\tstatus\tage\tbatch\n"+
		"s1\t0\t1\tA\n"+
		"s2\t0\t2\tB\n"+
		"s3\t0\t3\tA\n"+
		"s4\t1\t4\tB\n"+
		"s5\t0\t5\tA\n"+
		"s6\t1\t6\tB\n"+
		"s7\t1\t7\tA\n"+
		"s8\t1\t8\tB\n"), 0644), check.IsNil)
	out := tmpdir + "/null.gob"

	var stdout, stderr bytes.Buffer
	exited := (&nullModelCmd{}).RunCommand("genetest null-model",
		[]string{"-phenotype", "status", "-quantitative-covariates", "age", "-categorical-covariates", "batch", pheno, out},
		&bytes.Buffer{}, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `.*: fitting binomial null model: GLM fit did not converge \(separated data\?\)\n`)
	_, err := os.Stat(out)
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *fitNullSuite) TestNullModelKinship(c *check.C) {
	tmpdir := c.MkDir()
	pheno := tmpdir + "/pheno.tsv"
	c.Assert(ioutil.WriteFile(pheno, []byte(""+
		"FID\tbmi\n"+
		"s1\t1\n"+
		"s2\t2\n"+
		"s3\t3\n"+
		"s4\t4\n"+
		"s5\t10\n"), 0644), check.IsNil)
	kinship := tmpdir + "/kinship.mtx"
	c.Assert(ioutil.WriteFile(kinship, []byte(`%%MatrixMarket matrix coordinate real symmetric
3 3 4
1 1 0.5
2 2 0.5
3 3 0.5
2 1 0.25
`), 0644), check.IsNil)
	kinSamples := tmpdir + "/kinship.samples"
	c.Assert(ioutil.WriteFile(kinSamples, []byte("s1\ns2\ns5\n"), 0644), check.IsNil)
	out := tmpdir + "/null.gob"

	var stdout, stderr bytes.Buffer
	exited := (&nullModelCmd{}).RunCommand("genetest null-model",
		[]string{"-phenotype", "bmi", "-family", "gaussian", "-kinship", kinship, "-kinship-samples", kinSamples, pheno, out},
		&bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	model, err := LoadNullModel(out)
	c.Assert(err, check.IsNil)
	c.Check(model.Relatedness, check.Equals, true)
	c.Check(model.KinshipIDs, check.DeepEquals, []string{"s1", "s2", "s5"})
	c.Assert(model.Kinship, check.HasLen, 4)
	c.Check(model.Kinship[0], check.Equals, KinshipEntry{Row: 0, Col: 0, Value: 0.5})
	c.Check(model.Kinship[1], check.Equals, KinshipEntry{Row: 0, Col: 1, Value: 0.25})
	// s1 and s2 residuals are -3 and -2: tau = (0.5*6)/(0.5*0.5) = 12
	c.Check(math.Abs(model.Tau-12) < 1e-6, check.Equals, true, check.Commentf("tau=%g", model.Tau))
}

func (s *fitNullSuite) TestNullModelArgumentErrors(c *check.C) {
	tmpdir := c.MkDir()
	pheno := tmpdir + "/pheno.tsv"
	c.Assert(ioutil.WriteFile(pheno, []byte("FID\tstatus\ns1\t2\n"), 0644), check.IsNil)

	for _, trial := range []struct {
		args   []string
		expect string
	}{
		{[]string{pheno, tmpdir + "/x.gob"}, `cannot fit a null model without -phenotype argument\n`},
		{[]string{"-phenotype", "status", pheno}, `usage: .* \[options\] phenotypes\.tsv nullmodel\.gob\n`},
		{[]string{"-phenotype", "status", "-family", "poisson", pheno, tmpdir + "/x.gob"}, `unsupported family "poisson" \(gaussian or binomial\)\n`},
		{[]string{"-phenotype", "status", "-kinship", "k.mtx", pheno, tmpdir + "/x.gob"}, `-kinship and -kinship-samples must be used together\n`},
		{[]string{"-phenotype", "status", pheno, tmpdir + "/x.gob"}, `.*: binomial phenotype status must be 0/1, got "2" for sample s1\n`},
	} {
		var stdout, stderr bytes.Buffer
		exited := (&nullModelCmd{}).RunCommand("genetest null-model", trial.args, &bytes.Buffer{}, &stdout, &stderr)
		c.Check(exited, check.Equals, 1, check.Commentf("args: %v", trial.args))
		c.Check(stderr.String(), check.Matches, trial.expect, check.Commentf("args: %v", trial.args))
	}
}
