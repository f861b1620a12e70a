// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/james-bowman/nlp"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type pcaCmd struct {
	rowIndexBase int
}

func (cmd *pcaCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	outputFilename := flags.String("o", "-", "output `file`")
	components := flags.Int("components", 10, "number of components")
	dumpNumpy := flags.String("dump-numpy", "", "also write the component matrix to `file` in numpy format")
	flags.IntVar(&cmd.rowIndexBase, "row-index-base", 1, "index base of the sample table's row column (0 or 1)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() != 2 {
		err = fmt.Errorf("usage: %s [options] matrix.mtx samples.tsv", prog)
		return 2
	}
	if cmd.rowIndexBase != 0 && cmd.rowIndexBase != 1 {
		err = fmt.Errorf("invalid -row-index-base %d (0 or 1)", cmd.rowIndexBase)
		return 2
	}
	if *components < 1 {
		err = fmt.Errorf("invalid -components %d", *components)
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	var lvl log.Level
	lvl, err = log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	matrixFile, samplesFile := flags.Arg(0), flags.Arg(1)

	log.Print("reading")
	dosage, err := readMatrixMarketFile(matrixFile)
	if err != nil {
		return 1
	}
	var samples []sampleInfo
	var hasRow bool
	samples, hasRow, err = loadSamples(samplesFile)
	if err != nil {
		return 1
	}
	var ids []string
	dosage, ids, err = labelRows(dosage, samples, hasRow, cmd.rowIndexBase)
	if err != nil {
		return 1
	}
	rows, cols := dosage.Dims()
	log.Printf("creating matrix backed by array: %d rows, %d cols", rows, cols)
	if *components > cols {
		err = fmt.Errorf("cannot extract %d components from %d variants", *components, cols)
		return 1
	}

	dense := mat.NewDense(rows, cols, nil)
	dosage.DoNonZero(func(i, j int, v float64) {
		dense.Set(i, j, v)
	})
	for j := 0; j < cols; j++ {
		var sum float64
		for i := 0; i < rows; i++ {
			sum += dense.At(i, j)
		}
		mean := sum / float64(rows)
		if mean == 0 {
			continue
		}
		for i := 0; i < rows; i++ {
			dense.Set(i, j, dense.At(i, j)-mean)
		}
	}

	var mtx mat.Matrix = dense.T()
	log.Print("fitting")
	transformer := nlp.NewPCA(*components)
	transformer.Fit(mtx)
	log.Printf("transforming")
	mtx, err = transformer.Transform(mtx)
	if err != nil {
		return 1
	}
	mtx = mtx.T()

	rows, cols = mtx.Dims()
	if *dumpNumpy != "" {
		err = writeDenseNumpy(*dumpNumpy, mtx)
		if err != nil {
			return 1
		}
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	fmt.Fprintf(bufw, "FID")
	for j := 0; j < cols; j++ {
		fmt.Fprintf(bufw, "\tPC%d", j+1)
	}
	fmt.Fprintf(bufw, "\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(bufw, "%s", ids[i])
		for j := 0; j < cols; j++ {
			fmt.Fprintf(bufw, "\t%s", tsvFloat(mtx.At(i, j)))
		}
		fmt.Fprintf(bufw, "\n")
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	log.Print("done")
	return 0
}

func writeDenseNumpy(fnm string, mtx mat.Matrix) error {
	rows, cols := mtx.Dims()
	log.Printf("writing numpy: %d rows, %d cols", rows, cols)
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = mtx.At(i, j)
		}
	}
	output, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}
