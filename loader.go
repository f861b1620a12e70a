// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

type variantInfo struct {
	id   string
	gene string
	pos  int64   // 0 if the table has no POS column
	maf  float64 // 0 if the table has no MAF column
}

type sampleInfo struct {
	id  string
	row int // position in the upstream unfiltered matrix, or -1
}

// loadVariants reads a tab-delimited variant table and returns the records
// whose gene column matches gene, preserving file order. The header must
// name ENST (gene identifier) and varID (variant identifier) columns; POS
// and MAF are optional annotation columns.
func loadVariants(fnm, gene string) ([]variantInfo, error) {
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
		return nil, fmt.Errorf("%s: empty variant table", fnm)
	}
	hdr := strings.Split(scanner.Text(), "\t")
	geneCol, idCol, posCol, mafCol := -1, -1, -1, -1
	for i, name := range hdr {
		switch name {
		case "ENST":
			geneCol = i
		case "varID":
			idCol = i
		case "POS":
			posCol = i
		case "MAF":
			mafCol = i
		}
	}
	if geneCol < 0 || idCol < 0 {
		return nil, fmt.Errorf("%s: header must name ENST and varID columns, found %q", fnm, hdr)
	}
	var variants []variantInfo
	lineno := 1
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(hdr) {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", fnm, lineno, len(hdr), len(fields))
		}
		if fields[geneCol] != gene {
			continue
		}
		v := variantInfo{id: fields[idCol], gene: fields[geneCol]}
		if posCol >= 0 {
			v.pos, err = strconv.ParseInt(fields[posCol], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: invalid POS %q", fnm, lineno, fields[posCol])
			}
		}
		if mafCol >= 0 {
			v.maf, err = strconv.ParseFloat(fields[mafCol], 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: invalid MAF %q", fnm, lineno, fields[mafCol])
			}
		}
		variants = append(variants, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return variants, nil
}

// loadSamples reads a tab-delimited sample table in file order. The header
// must name an FID column; a row column, when present, records each
// sample's row position in the upstream unfiltered genotype matrix and
// enables dimension-mismatch recovery.
func loadSamples(fnm string) (samples []sampleInfo, hasRow bool, err error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, false, fmt.Errorf("%s: %w", fnm, err)
		}
		return nil, false, fmt.Errorf("%s: empty sample table", fnm)
	}
	hdr := strings.Split(scanner.Text(), "\t")
	idCol, rowCol := -1, -1
	for i, name := range hdr {
		switch name {
		case "FID":
			idCol = i
		case "row":
			rowCol = i
		}
	}
	if idCol < 0 {
		return nil, false, fmt.Errorf("%s: header must name an FID column, found %q", fnm, hdr)
	}
	lineno := 1
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(hdr) {
			return nil, false, fmt.Errorf("%s line %d: expected %d fields, got %d", fnm, lineno, len(hdr), len(fields))
		}
		s := sampleInfo{id: fields[idCol], row: -1}
		if rowCol >= 0 {
			s.row, err = strconv.Atoi(fields[rowCol])
			if err != nil {
				return nil, false, fmt.Errorf("%s line %d: invalid row index %q", fnm, lineno, fields[rowCol])
			}
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("%s: %w", fnm, err)
	}
	return samples, rowCol >= 0, nil
}
