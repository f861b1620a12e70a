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

	log "github.com/sirupsen/logrus"
)

type dumpGob struct{}

func (cmd *dumpGob) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() != 1 {
		err = fmt.Errorf("usage: %s [options] nullmodel.gob", prog)
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	m, err := LoadNullModel(flags.Arg(0))
	if err != nil {
		return 1
	}
	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriterSize(output, 8*1024*1024)

	fmt.Fprintf(bufw, "phenotype: %q\n", m.Phenotype)
	fmt.Fprintf(bufw, "family: %q\n", m.Family)
	fmt.Fprintf(bufw, "samples: %d\n", len(m.IDInclude))
	fmt.Fprintf(bufw, "zero_cases: %v\n", m.ZeroCases)
	fmt.Fprintf(bufw, "relatedness: %v\n", m.Relatedness)
	fmt.Fprintf(bufw, "tau: %g\n", m.Tau)
	fmt.Fprintf(bufw, "kinship_samples: %d\n", len(m.KinshipIDs))
	fmt.Fprintf(bufw, "kinship_entries: %d\n", len(m.Kinship))
	fmt.Fprintf(bufw, "digest: %x\n", m.Blake2b)
	for i, id := range m.IDInclude {
		if i%1000000 == 0 {
			fmt.Fprintf(stderr, "sample %d\n", i)
		}
		fmt.Fprintf(bufw, "sample %d: %q, residual %g, weight %g\n", i, id, m.Residuals[i], m.Weights[i])
	}
	kinIDs := m.KinshipIDs
	if len(kinIDs) == 0 {
		kinIDs = m.IDInclude
	}
	for i, e := range m.Kinship {
		fmt.Fprintf(bufw, "kinship %d: %q x %q, value %g\n", i, kinIDs[e.Row], kinIDs[e.Col], e.Value)
	}
	fmt.Fprintf(bufw, "total: samples %d, kinship entries %d\n", len(m.IDInclude), len(m.Kinship))
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
