// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"sort"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
)

type nullModelCmd struct {
	phenotype  string
	family     string
	idColumn   string
	quantCovs  string
	categCovs  string
	kinship    string
	kinSamples string
}

func (cmd *nullModelCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *nullModelCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprofAddr := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	flags.StringVar(&cmd.phenotype, "phenotype", "", "phenotype column `name` (required)")
	flags.StringVar(&cmd.family, "family", "binomial", "model `family` (gaussian or binomial)")
	flags.StringVar(&cmd.idColumn, "id-column", "FID", "sample identifier column `name`")
	flags.StringVar(&cmd.quantCovs, "quantitative-covariates", "", "comma-separated quantitative covariate column `names`")
	flags.StringVar(&cmd.categCovs, "categorical-covariates", "", "comma-separated categorical covariate column `names`")
	flags.StringVar(&cmd.kinship, "kinship", "", "kinship matrix `file` (.mtx or .npy)")
	flags.StringVar(&cmd.kinSamples, "kinship-samples", "", "kinship sample list `file`, one ID per line (required with -kinship)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() != 2 {
		return fmt.Errorf("usage: %s [options] phenotypes.tsv nullmodel.gob", prog)
	}
	if cmd.phenotype == "" {
		return fmt.Errorf("cannot fit a null model without -phenotype argument")
	}
	config, ok := glmFamilies[cmd.family]
	if !ok {
		return fmt.Errorf("unsupported family %q (gaussian or binomial)", cmd.family)
	}
	if (cmd.kinship == "") != (cmd.kinSamples == "") {
		return fmt.Errorf("-kinship and -kinship-samples must be used together")
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)

	phenoFile, outputFile := flags.Arg(0), flags.Arg(1)

	var quant, categ []string
	if cmd.quantCovs != "" {
		quant = strings.Split(cmd.quantCovs, ",")
	}
	if cmd.categCovs != "" {
		categ = strings.Split(cmd.categCovs, ",")
	}
	needed := append(append([]string{cmd.phenotype}, quant...), categ...)
	tbl, err := loadPhenoTable(phenoFile, cmd.idColumn, needed)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"phenotypes": phenoFile,
		"samples":    len(tbl.ids),
		"dropped":    tbl.dropped,
	}).Info("loaded phenotype table")

	n := len(tbl.ids)
	y := make([]statmodel.Dtype, n)
	constants := make([]statmodel.Dtype, n)
	var cases int
	for i, s := range tbl.cols[cmd.phenotype] {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid %s value %q for sample %s", phenoFile, cmd.phenotype, s, tbl.ids[i])
		}
		if cmd.family == "binomial" {
			if v != 0 && v != 1 {
				return fmt.Errorf("%s: binomial phenotype %s must be 0/1, got %q for sample %s", phenoFile, cmd.phenotype, s, tbl.ids[i])
			}
			if v == 1 {
				cases++
			}
		}
		y[i] = statmodel.Dtype(v)
		constants[i] = 1
	}

	data := [][]statmodel.Dtype{y, constants}
	names := []string{"outcome", "constants"}
	for _, name := range quant {
		series := make([]statmodel.Dtype, n)
		for i, s := range tbl.cols[name] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("%s: invalid %s value %q for sample %s", phenoFile, name, s, tbl.ids[i])
			}
			series[i] = statmodel.Dtype(v)
		}
		data = append(data, series)
		names = append(names, name)
	}
	for _, name := range categ {
		seen := map[string]bool{}
		var levels []string
		for _, s := range tbl.cols[name] {
			if !seen[s] {
				seen[s] = true
				levels = append(levels, s)
			}
		}
		sort.Strings(levels)
		// first level is the reference
		for _, level := range levels[1:] {
			series := make([]statmodel.Dtype, n)
			for i, s := range tbl.cols[name] {
				if s == level {
					series[i] = 1
				}
			}
			data = append(data, series)
			names = append(names, name+"="+level)
		}
	}

	model := &NullModel{
		Phenotype: cmd.phenotype,
		Family:    cmd.family,
		IDInclude: tbl.ids,
		ZeroCases: cmd.family == "binomial" && cases == 0,
	}
	if cmd.kinship != "" {
		model.Relatedness = true
		model.KinshipIDs, err = loadSampleList(cmd.kinSamples)
		if err != nil {
			return err
		}
		model.Kinship, err = loadKinshipEntries(cmd.kinship, len(model.KinshipIDs))
		if err != nil {
			return err
		}
	}

	if model.ZeroCases {
		log.WithFields(log.Fields{
			"phenotype": cmd.phenotype,
			"samples":   n,
		}).Warn("phenotype has zero cases, writing null model without a fit")
		model.Residuals = make([]float64, n)
		model.Weights = make([]float64, n)
		for i := range model.Weights {
			model.Weights[i] = 1
		}
	} else {
		params, loglike, err := fitGLM(data, names, config)
		if err != nil {
			return fmt.Errorf("%s: fitting %s null model: %w", phenoFile, cmd.family, err)
		}
		log.WithFields(log.Fields{
			"phenotype":  cmd.phenotype,
			"family":     cmd.family,
			"samples":    n,
			"predictors": len(params),
			"loglike":    loglike,
		}).Info("null model fitted")

		model.Residuals = make([]float64, n)
		model.Weights = make([]float64, n)
		predictors := data[1:]
		for i := 0; i < n; i++ {
			var eta float64
			for k, p := range params {
				eta += p * float64(predictors[k][i])
			}
			if cmd.family == "binomial" {
				mu := 1 / (1 + math.Exp(-eta))
				model.Residuals[i] = float64(y[i]) - mu
				model.Weights[i] = mu * (1 - mu)
			} else {
				model.Residuals[i] = float64(y[i]) - eta
			}
		}
		if cmd.family == "gaussian" {
			var rss float64
			for _, r := range model.Residuals {
				rss += r * r
			}
			dof := n - len(params)
			if dof < 1 {
				dof = 1
			}
			sigma2 := rss / float64(dof)
			for i := range model.Weights {
				model.Weights[i] = sigma2
			}
		}
		if model.Relatedness {
			fitIdx := make(map[string]int, n)
			for i, id := range tbl.ids {
				fitIdx[id] = i
			}
			model.Tau = estimateTau(model.Kinship, model.KinshipIDs, fitIdx, model.Residuals)
			log.WithFields(log.Fields{
				"tau":            model.Tau,
				"kinshipSamples": len(model.KinshipIDs),
			}).Info("kinship variance component estimated")
		}
	}

	err = SaveNullModel(outputFile, model)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"output":  outputFile,
		"samples": len(model.IDInclude),
		"digest":  fmt.Sprintf("%x", model.Blake2b[:8]),
	}).Info("null model written")
	return nil
}

// phenoTable is a phenotype/covariate table restricted to the columns a
// null model fit needs. Rows missing a value in any needed column are
// dropped on load, so ids is the included-sample list in file order.
type phenoTable struct {
	ids     []string
	cols    map[string][]string
	dropped int
}

// loadPhenoTable reads a whitespace-delimited phenotype table.
func loadPhenoTable(fnm, idColumn string, needed []string) (*phenoTable, error) {
	var cols []string
	seen := map[string]bool{}
	for _, name := range needed {
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}

	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		return nil, fmt.Errorf("%s: empty phenotype table", fnm)
	}
	header := strings.Fields(scanner.Text())
	colIdx := map[string]int{}
	for i, name := range header {
		colIdx[name] = i
	}
	if _, ok := colIdx[idColumn]; !ok {
		return nil, fmt.Errorf("%s: no %q column (header: %v)", fnm, idColumn, header)
	}
	for _, name := range cols {
		if _, ok := colIdx[name]; !ok {
			return nil, fmt.Errorf("%s: no %q column (header: %v)", fnm, name, header)
		}
	}
	tbl := &phenoTable{cols: map[string][]string{}}
	lineno := 1
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != len(header) {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", fnm, lineno, len(header), len(fields))
		}
		missing := false
		for _, name := range cols {
			if isMissing(fields[colIdx[name]]) {
				missing = true
				break
			}
		}
		if missing {
			tbl.dropped++
			continue
		}
		tbl.ids = append(tbl.ids, fields[colIdx[idColumn]])
		for _, name := range cols {
			tbl.cols[name] = append(tbl.cols[name], fields[colIdx[name]])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if len(tbl.ids) == 0 {
		return nil, fmt.Errorf("%s: no usable rows after dropping %d with missing values", fnm, tbl.dropped)
	}
	return tbl, nil
}

func isMissing(s string) bool {
	switch s {
	case "", "NA", "na", "N/A", "NaN", "nan":
		return true
	}
	return false
}

func loadSampleList(fnm string) ([]string, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	var ids []string
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id != "" {
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s: empty sample list", fnm)
	}
	return ids, nil
}

// loadKinshipEntries reads a kinship matrix into canonical upper-triangle
// entries sorted by (row, col). Matrix Market and dense .npy layouts are
// accepted; either way the matrix must be square and sized to the sample
// list.
func loadKinshipEntries(fnm string, nsamples int) ([]KinshipEntry, error) {
	var entries []KinshipEntry
	if strings.HasSuffix(fnm, ".npy") {
		rdr, err := gonpy.NewFileReader(fnm)
		if err != nil {
			return nil, err
		}
		if len(rdr.Shape) != 2 || rdr.Shape[0] != rdr.Shape[1] {
			return nil, fmt.Errorf("%s: kinship matrix must be square, got shape %v", fnm, rdr.Shape)
		}
		n := rdr.Shape[0]
		if n != nsamples {
			return nil, fmt.Errorf("%s: kinship matrix has %d rows but sample list has %d", fnm, n, nsamples)
		}
		data, err := rdr.GetFloat64()
		if err != nil {
			return nil, err
		}
		at := func(i, j int) float64 { return data[i*n+j] }
		if rdr.ColumnMajor {
			at = func(i, j int) float64 { return data[j*n+i] }
		}
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				if v := at(i, j); v != 0 {
					entries = append(entries, KinshipEntry{Row: int32(i), Col: int32(j), Value: v})
				}
			}
		}
	} else {
		csr, err := readMatrixMarketFile(fnm)
		if err != nil {
			return nil, err
		}
		rows, cols := csr.Dims()
		if rows != cols {
			return nil, fmt.Errorf("%s: kinship matrix must be square, got %d x %d", fnm, rows, cols)
		}
		if rows != nsamples {
			return nil, fmt.Errorf("%s: kinship matrix has %d rows but sample list has %d", fnm, rows, nsamples)
		}
		csr.DoNonZero(func(i, j int, v float64) {
			if i <= j {
				entries = append(entries, KinshipEntry{Row: int32(i), Col: int32(j), Value: v})
			}
		})
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].Row != entries[b].Row {
			return entries[a].Row < entries[b].Row
		}
		return entries[a].Col < entries[b].Col
	})
	return entries, nil
}

// estimateTau estimates the kinship variance component by method of
// moments: regress residual cross-products on twice the kinship
// coefficient, over off-diagonal pairs where both samples were fit.
// Negative estimates clamp to zero.
func estimateTau(kin []KinshipEntry, kinIDs []string, fitIdx map[string]int, resid []float64) float64 {
	var num, den float64
	for _, e := range kin {
		if e.Row == e.Col {
			continue
		}
		i, ok := fitIdx[kinIDs[e.Row]]
		if !ok {
			continue
		}
		j, ok := fitIdx[kinIDs[e.Col]]
		if !ok {
			continue
		}
		k := 2 * e.Value
		num += k * resid[i] * resid[j]
		den += k * k
	}
	if den == 0 {
		return 0
	}
	tau := num / den
	if tau < 0 {
		return 0
	}
	return tau
}
