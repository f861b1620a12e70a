// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

type mergeStats struct {
	stdin  io.Reader
	inputs []string
	output io.WriteCloser
	header string
}

func (cmd *mergeStats) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	} else if flags.NArg() < 1 {
		err = fmt.Errorf("usage: %s [options] stats.tsv [...]", prog)
		return 2
	}
	cmd.stdin = stdin
	cmd.inputs = flags.Args()

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if *outputFilename == "-" {
		cmd.output = nopCloser{stdout}
	} else {
		cmd.output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return 1
		}
		defer cmd.output.Close()
	}

	err = cmd.doMerge(*outputFilename)
	if err != nil {
		return 1
	}
	err = cmd.output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *mergeStats) doMerge(outputFilename string) error {
	bufw := bufio.NewWriter(cmd.output)
	var w io.Writer = bufw
	var gzw *pgzip.Writer
	if strings.HasSuffix(outputFilename, ".gz") {
		gzw = pgzip.NewWriter(bufw)
		w = gzw
	}

	var records int
	for _, input := range cmd.inputs {
		var infile io.ReadCloser
		if input == "-" {
			infile = ioutil.NopCloser(cmd.stdin)
		} else {
			var err error
			infile, err = zopen(input)
			if err != nil {
				return err
			}
			defer infile.Close()
		}
		log.Printf("%s: reading", input)
		n, err := cmd.mergeFile(w, infile, input)
		if err != nil {
			return err
		}
		err = infile.Close()
		if err != nil {
			return fmt.Errorf("%s: close: %w", input, err)
		}
		records += n
		log.Printf("%s: done", input)
	}
	if cmd.header == "" {
		return fmt.Errorf("no header found in any input")
	}

	if gzw != nil {
		err := gzw.Close()
		if err != nil {
			return err
		}
	}
	err := bufw.Flush()
	if err != nil {
		return err
	}
	log.Printf("merged %d records from %d files", records, len(cmd.inputs))
	return nil
}

// mergeFile copies one stats file's records to w. The first input's
// header line is kept and all other inputs must carry an identical one,
// so concatenating results from different pipeline versions fails
// instead of producing a ragged table.
func (cmd *mergeStats) mergeFile(w io.Writer, r io.Reader, fnm string) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	var records int
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first {
			first = false
			if cmd.header == "" {
				cmd.header = line
				_, err := fmt.Fprintln(w, line)
				if err != nil {
					return records, err
				}
			} else if line != cmd.header {
				return records, fmt.Errorf("%s: cannot merge stats files with differing headers", fnm)
			}
			continue
		}
		records++
		_, err := fmt.Fprintln(w, line)
		if err != nil {
			return records, err
		}
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("%s: %w", fnm, err)
	}
	if first {
		return records, fmt.Errorf("%s: empty stats file", fnm)
	}
	return records, nil
}
