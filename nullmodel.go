// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// KinshipEntry is one stored entry of the symmetric relatedness matrix.
// Entries are stored once with Row <= Col; the mirrored half is implied.
type KinshipEntry struct {
	Row, Col int32
	Value    float64
}

// NullModel is the fitted phenotype model artifact produced by the
// null-model command and consumed by assoc. Loaded models are read-only;
// alignment produces a separate per-gene view and never modifies the
// loaded artifact.
type NullModel struct {
	Phenotype   string
	Family      string   // "gaussian" or "binomial"
	IDInclude   []string // samples used in the fit, in fit order
	Residuals   []float64
	Weights     []float64
	ZeroCases   bool
	Relatedness bool
	Tau         float64 // kinship variance component
	KinshipIDs  []string
	Kinship     []KinshipEntry
	Blake2b     [blake2b.Size256]byte // digest of the relatedness block
}

// relatednessDigest hashes the kinship sample list together with the
// kinship entries, so a matrix paired with the wrong sample list is
// detected at load time instead of producing silently misaligned tests.
func (m *NullModel) relatednessDigest() (sum [blake2b.Size256]byte) {
	h, _ := blake2b.New256(nil)
	for _, id := range m.KinshipIDs {
		io.WriteString(h, id)
		h.Write([]byte{0})
	}
	var buf [16]byte
	for _, e := range m.Kinship {
		binary.BigEndian.PutUint32(buf[0:4], uint32(e.Row))
		binary.BigEndian.PutUint32(buf[4:8], uint32(e.Col))
		binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(e.Value))
		h.Write(buf[:])
	}
	h.Sum(sum[:0])
	return
}

// KinshipMatrix expands the stored entries into a symmetric CSR matrix in
// KinshipIDs order (or IDInclude order, when no separate kinship sample
// list was stored). Returns nil when no relatedness correction is present.
func (m *NullModel) KinshipMatrix() *sparse.CSR {
	if !m.Relatedness {
		return nil
	}
	n := len(m.KinshipIDs)
	if n == 0 {
		n = len(m.IDInclude)
	}
	dok := sparse.NewDOK(n, n)
	for _, e := range m.Kinship {
		dok.Set(int(e.Row), int(e.Col), e.Value)
		if e.Row != e.Col {
			dok.Set(int(e.Col), int(e.Row), e.Value)
		}
	}
	return dok.ToCSR()
}

// SaveNullModel writes m to the named file as a gob stream, compressing if
// fnm ends in ".gz". The relatedness digest is stamped before writing.
func SaveNullModel(fnm string, m *NullModel) error {
	m.Blake2b = m.relatednessDigest()
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriterSize(f, 1<<20)
	var w io.Writer = bufw
	var gzw *pgzip.Writer
	if strings.HasSuffix(fnm, ".gz") {
		gzw = pgzip.NewWriter(bufw)
		w = gzw
	}
	err = gob.NewEncoder(w).Encode(m)
	if err == nil && gzw != nil {
		err = gzw.Close()
	}
	if err == nil {
		err = bufw.Flush()
	}
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadNullModel reads a null model artifact and verifies the digest of its
// relatedness block.
func LoadNullModel(fnm string) (*NullModel, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m NullModel
	err = gob.NewDecoder(bufio.NewReaderSize(f, 1<<20)).Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("%s: decoding null model: %w", fnm, err)
	}
	if got := m.relatednessDigest(); got != m.Blake2b {
		return nil, fmt.Errorf("%s: relatedness block digest mismatch (stored %x..., computed %x...)", fnm, m.Blake2b[:4], got[:4])
	}
	if len(m.Residuals) != len(m.IDInclude) || len(m.Weights) != len(m.IDInclude) {
		return nil, fmt.Errorf("%s: null model has %d samples but %d residuals and %d weights", fnm, len(m.IDInclude), len(m.Residuals), len(m.Weights))
	}
	if m.Relatedness {
		n := int32(len(m.KinshipIDs))
		if n == 0 {
			n = int32(len(m.IDInclude))
		}
		for _, e := range m.Kinship {
			if e.Row < 0 || e.Row >= n || e.Col < 0 || e.Col >= n {
				return nil, fmt.Errorf("%s: kinship entry (%d,%d) outside %d-sample list", fnm, e.Row, e.Col, n)
			}
		}
	}
	return &m, nil
}
