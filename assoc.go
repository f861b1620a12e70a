// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/epistat/genetest/staar"
	"github.com/james-bowman/sparse"
	log "github.com/sirupsen/logrus"
)

// Fatal per-gene error classes. Each aborts the invocation with no result
// record written; recording failed genes and retrying across genes is the
// calling scheduler's concern.
var (
	// ErrSchemaMismatch: the gene-filtered variant table row count does
	// not equal the matrix column count, so column labels are invalid.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrUnrecoverableSchemaMismatch: matrix and sample table row counts
	// differ and the table has no positional recovery column.
	ErrUnrecoverableSchemaMismatch = errors.New("unrecoverable schema mismatch")
	// ErrNoOverlap: no sample is common to the genotype matrix, the null
	// model, and the kinship structure.
	ErrNoOverlap = errors.New("no sample overlap")
	// ErrAggregationTest: the statistical routine failed. Never retried;
	// numerical failures are not transient.
	ErrAggregationTest = errors.New("aggregation test failed")
)

// aggregationTester is the numerical routine that turns an aligned
// genotype matrix and null-model view into gene-level p-values.
type aggregationTester interface {
	Test(geno *sparse.CSR, model *alignedModel, maxAF float64) (staar.Result, error)
}

type staarTester struct{}

func (staarTester) Test(geno *sparse.CSR, model *alignedModel, maxAF float64) (staar.Result, error) {
	return staar.Test(geno, model.Residuals, model.Weights, model.Tau, model.Kinship, maxAF)
}

type assoc struct {
	rowIndexBase int
	dumpNumpy    string

	tester aggregationTester // default staarTester, replaced in tests
}

func (cmd *assoc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *assoc) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprofAddr := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	flags.IntVar(&cmd.rowIndexBase, "row-index-base", 1, "index `base` of the sample table's positional row column")
	flags.StringVar(&cmd.dumpNumpy, "dump-numpy", "", "write the aligned genotype matrix and its labels to `directory`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() != 6 {
		return fmt.Errorf("usage: %s [options] matrix.mtx variants.tsv samples.tsv nullmodel.gob gene output.tsv", prog)
	}
	if cmd.rowIndexBase != 0 && cmd.rowIndexBase != 1 {
		return fmt.Errorf("-row-index-base must be 0 or 1, got %d", cmd.rowIndexBase)
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

	matrixFile := flags.Arg(0)
	variantsFile := flags.Arg(1)
	samplesFile := flags.Arg(2)
	modelFile := flags.Arg(3)
	gene := flags.Arg(4)
	outputFile := flags.Arg(5)

	raw, err := readMatrixMarketFile(matrixFile)
	if err != nil {
		return err
	}
	rows, cols := raw.Dims()
	log.WithFields(log.Fields{
		"matrix": matrixFile,
		"rows":   rows,
		"cols":   cols,
	}).Info("loaded genotype matrix")

	variants, err := loadVariants(variantsFile, gene)
	if err != nil {
		return err
	}
	if len(variants) != cols {
		return fmt.Errorf("%w: gene %s has %d variant records but matrix has %d columns", ErrSchemaMismatch, gene, len(variants), cols)
	}
	varIDs := make([]string, len(variants))
	for i, v := range variants {
		varIDs[i] = v.id
	}

	samples, hasRow, err := loadSamples(samplesFile)
	if err != nil {
		return err
	}

	model, err := LoadNullModel(modelFile)
	if err != nil {
		return err
	}

	dosage, rowIDs, err := labelRows(raw, samples, hasRow, cmd.rowIndexBase)
	if err != nil {
		return err
	}
	aligned, view, err := align(&genoMatrix{Dosage: dosage, Rows: rowIDs, Cols: varIDs}, model)
	if err != nil {
		return err
	}

	summary := summarize(aligned.Dosage)
	log.WithFields(log.Fields{
		"gene":             gene,
		"samples":          len(aligned.Rows),
		"variantsWithData": summary.VariantsWithData,
		"carriers":         summary.Carriers,
		"cMAC":             summary.CMAC,
	}).Info("aligned")

	if cmd.dumpNumpy != "" {
		err = os.MkdirAll(cmd.dumpNumpy, 0777)
		if err != nil {
			return err
		}
		err = writeNumpyFloat64(filepath.Join(cmd.dumpNumpy, "matrix.npy"), aligned.Dosage)
		if err != nil {
			return err
		}
		err = writeMatrixLabels(filepath.Join(cmd.dumpNumpy, "matrix.labels.csv"), aligned.Rows, aligned.Cols)
		if err != nil {
			return err
		}
	}

	result := geneResult{
		Gene:        gene,
		NSamples:    len(aligned.Rows),
		Phenotype:   view.Phenotype,
		Relatedness: view.Relatedness,
		POmnibus:    math.NaN(),
		PSKAT:       math.NaN(),
		PBurden:     math.NaN(),
		PACAT:       math.NaN(),
		NVariants:   summary.VariantsWithData,
		CMAC:        summary.CMAC,
	}
	// genes with no affected cases or at most 2 carried alleles are
	// underpowered and must not be tested
	if view.ZeroCases || summary.CMAC <= 2 {
		log.WithFields(log.Fields{
			"gene":      gene,
			"zeroCases": view.ZeroCases,
			"cMAC":      summary.CMAC,
		}).Info("skipping aggregation test")
	} else {
		tester := cmd.tester
		if tester == nil {
			tester = staarTester{}
		}
		// frequency filtering happened upstream in variant selection,
		// so the cutoff excludes nothing here
		res, err := tester.Test(aligned.Dosage, view, 1)
		if err != nil {
			return fmt.Errorf("%w: gene %s: %s", ErrAggregationTest, gene, err)
		}
		result.POmnibus = res.Omnibus
		result.PSKAT = res.SKAT
		result.PBurden = res.Burden
		result.PACAT = res.ACAT
		result.TestRan = true
	}

	var output io.WriteCloser
	if outputFile == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return err
		}
	}
	bufw := bufio.NewWriter(output)
	err = result.writeTSV(bufw)
	if err == nil {
		err = bufw.Flush()
	}
	if err != nil {
		output.Close()
		return err
	}
	return output.Close()
}

// geneResult is the one-record output of a gene invocation. Column names
// match the per-gene stats tables consumed downstream; missing p-values
// serialize as NaN, never blank.
type geneResult struct {
	Gene        string
	NSamples    int
	Phenotype   string
	Relatedness bool
	POmnibus    float64
	PSKAT       float64
	PBurden     float64
	PACAT       float64
	NVariants   int
	CMAC        float64
	TestRan     bool
}

var geneResultHeader = strings.Join([]string{
	"SNP", "n.samps", "pheno_name", "relatedness.correction",
	"staar.O.p", "staar.SKAT.p", "staar.burden.p", "staar.ACAT.p",
	"n_var", "cMAC", "test_ran",
}, "\t")

func (r *geneResult) writeTSV(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s\n%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
		geneResultHeader,
		r.Gene, r.NSamples, r.Phenotype, tsvBool(r.Relatedness),
		tsvFloat(r.POmnibus), tsvFloat(r.PSKAT), tsvFloat(r.PBurden), tsvFloat(r.PACAT),
		r.NVariants, tsvFloat(r.CMAC), tsvBool(r.TestRan))
	return err
}

func tsvBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func tsvFloat(x float64) string {
	if math.IsNaN(x) {
		return "NaN"
	}
	return strconv.FormatFloat(x, 'g', -1, 64)
}
