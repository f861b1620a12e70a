// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/james-bowman/sparse"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// genoMatrix is a genotype dosage matrix labeled with sample and variant
// identifiers. Rows are samples, columns are variants.
type genoMatrix struct {
	Dosage *sparse.CSR
	Rows   []string
	Cols   []string
}

// readMatrixMarketFile reads a sparse matrix in Matrix Market coordinate
// format, decompressing transparently if fnm ends in ".gz".
func readMatrixMarketFile(fnm string) (*sparse.CSR, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readMatrixMarket(f, fnm)
}

func readMatrixMarket(rdr io.Reader, fnm string) (*sparse.CSR, error) {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		return nil, fmt.Errorf("%s: empty file", fnm)
	}
	banner := strings.Fields(strings.ToLower(scanner.Text()))
	if len(banner) != 5 || banner[0] != "%%matrixmarket" || banner[1] != "matrix" {
		return nil, fmt.Errorf("%s: not a Matrix Market file", fnm)
	}
	if banner[2] != "coordinate" {
		return nil, fmt.Errorf("%s: unsupported Matrix Market layout %q", fnm, banner[2])
	}
	field, symmetry := banner[3], banner[4]
	switch field {
	case "real", "integer", "pattern":
	default:
		return nil, fmt.Errorf("%s: unsupported Matrix Market field %q", fnm, field)
	}
	switch symmetry {
	case "general", "symmetric":
	default:
		return nil, fmt.Errorf("%s: unsupported Matrix Market symmetry %q", fnm, symmetry)
	}
	var dok *sparse.DOK
	var rows, cols, nnz, got int
	lineno := 1
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if dok == nil {
			// size line
			if len(fields) != 3 {
				return nil, fmt.Errorf("%s line %d: expected \"rows cols entries\", got %q", fnm, lineno, line)
			}
			var err error
			rows, err = strconv.Atoi(fields[0])
			if err == nil {
				cols, err = strconv.Atoi(fields[1])
			}
			if err == nil {
				nnz, err = strconv.Atoi(fields[2])
			}
			if err != nil || rows < 0 || cols < 0 || nnz < 0 {
				return nil, fmt.Errorf("%s line %d: invalid size line %q", fnm, lineno, line)
			}
			dok = sparse.NewDOK(rows, cols)
			continue
		}
		want := 3
		if field == "pattern" {
			want = 2
		}
		if len(fields) != want {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", fnm, lineno, want, len(fields))
		}
		i, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid row index %q", fnm, lineno, fields[0])
		}
		j, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid column index %q", fnm, lineno, fields[1])
		}
		if i < 1 || i > rows || j < 1 || j > cols {
			return nil, fmt.Errorf("%s line %d: entry (%d,%d) outside %d x %d matrix", fnm, lineno, i, j, rows, cols)
		}
		v := 1.0
		if field != "pattern" {
			v, err = strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: invalid value %q", fnm, lineno, fields[2])
			}
		}
		got++
		if v == 0 {
			continue
		}
		dok.Set(i-1, j-1, v)
		if symmetry == "symmetric" && i != j {
			dok.Set(j-1, i-1, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if dok == nil {
		return nil, fmt.Errorf("%s: missing size line", fnm)
	}
	if got != nnz {
		return nil, fmt.Errorf("%s: size line promises %d entries, file has %d", fnm, nnz, got)
	}
	return dok.ToCSR(), nil
}

// geneSummary holds the per-gene aggregate statistics computed from the
// aligned genotype matrix.
type geneSummary struct {
	VariantsWithData int
	Carriers         int
	CMAC             float64
}

// summarize tallies column sums, row sums, and total dosage in one pass.
// A matrix with no rows or no columns summarizes to all zeros.
func summarize(m *sparse.CSR) geneSummary {
	rows, cols := m.Dims()
	rowSum := make([]float64, rows)
	colSum := make([]float64, cols)
	var summary geneSummary
	m.DoNonZero(func(i, j int, v float64) {
		rowSum[i] += v
		colSum[j] += v
		summary.CMAC += v
	})
	for _, s := range colSum {
		if s > 0 {
			summary.VariantsWithData++
		}
	}
	for _, s := range rowSum {
		if s > 0 {
			summary.Carriers++
		}
	}
	return summary
}

// selectRows returns a new matrix whose row r is the source's row idx[r].
// Column count and order are unchanged.
func selectRows(m *sparse.CSR, idx []int) *sparse.CSR {
	_, cols := m.Dims()
	keep := make(map[int][]int, len(idx))
	for newi, oldi := range idx {
		keep[oldi] = append(keep[oldi], newi)
	}
	out := sparse.NewDOK(len(idx), cols)
	m.DoNonZero(func(i, j int, v float64) {
		for _, newi := range keep[i] {
			out.Set(newi, j, v)
		}
	})
	return out.ToCSR()
}

// symmetricPermute applies the same index selection to rows and columns,
// so out[a][b] == m[idx[a]][idx[b]]. Values are never changed.
func symmetricPermute(m *sparse.CSR, idx []int) *sparse.CSR {
	keep := make(map[int][]int, len(idx))
	for newi, oldi := range idx {
		keep[oldi] = append(keep[oldi], newi)
	}
	out := sparse.NewDOK(len(idx), len(idx))
	m.DoNonZero(func(i, j int, v float64) {
		for _, newi := range keep[i] {
			for _, newj := range keep[j] {
				out.Set(newi, newj, v)
			}
		}
	})
	return out.ToCSR()
}

func writeNumpyFloat64(fnm string, m *sparse.CSR) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	rows, cols := m.Dims()
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     rows,
		"cols":     cols,
	}).Infof("writing numpy: %s", fnm)
	bufw := bufio.NewWriterSize(output, 1<<26)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	out := make([]float64, rows*cols)
	m.DoNonZero(func(i, j int, v float64) {
		out[i*cols+j] = v
	})
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

func writeMatrixLabels(fnm string, rowIDs, colIDs []string) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	for i, id := range rowIDs {
		fmt.Fprintf(bufw, "row,%d,%s\n", i, id)
	}
	for j, id := range colIDs {
		fmt.Fprintf(bufw, "col,%d,%s\n", j, id)
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}
