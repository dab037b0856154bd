// Package matrix implements fixed-width integer matrices over Z_q with
// q = 2^32. Elements are stored as uint32, so additions and multiplications
// reduce modulo q by machine wraparound; products are accumulated in 64 bits
// before truncation, which keeps every operation exact and deterministic.
package matrix

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Matrix is a dense row-major matrix with entries in Z_{2^32}.
type Matrix struct {
	Rows uint64
	Cols uint64
	Data []uint32
}

// New allocates a zero rows-by-cols matrix.
func New(rows, cols uint64) *Matrix {
	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: make([]uint32, rows*cols),
	}
}

// NewVec allocates a zero column vector of the given length.
func NewVec(n uint64) *Matrix {
	return New(n, 1)
}

// FromData builds a matrix over an existing row-major slice.
// The slice is not copied; len(data) must equal rows*cols.
func FromData(rows, cols uint64, data []uint32) *Matrix {
	if uint64(len(data)) != rows*cols {
		panic(fmt.Sprintf("matrix: %d values for a %d-by-%d matrix", len(data), rows, cols))
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}
}

// Rand fills a rows-by-cols matrix with entries drawn uniformly from Z_{2^32}.
// The source is an explicit reader so callers control determinism; four bytes
// are consumed per entry, so the same source always yields the same matrix.
func Rand(src io.Reader, rows, cols uint64) *Matrix {
	out := New(rows, cols)
	buf := make([]byte, 4*len(out.Data))
	if _, err := io.ReadFull(src, buf); err != nil {
		panic(fmt.Sprintf("matrix: randomness source failed: %v", err))
	}
	for i := range out.Data {
		out.Data[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return out
}

// Gaussian fills a rows-by-cols matrix with entries sampled from the discrete
// Gaussian error distribution, represented mod 2^32.
func Gaussian(src io.Reader, rows, cols uint64) *Matrix {
	out := New(rows, cols)
	for i := range out.Data {
		out.Data[i] = uint32(GaussSample(src))
	}
	return out
}

func (m *Matrix) Copy() *Matrix {
	out := &Matrix{
		Rows: m.Rows,
		Cols: m.Cols,
		Data: make([]uint32, len(m.Data)),
	}
	copy(out.Data, m.Data)
	return out
}

func (m *Matrix) Size() uint64 {
	return m.Rows * m.Cols
}

func (m *Matrix) Get(i, j uint64) uint64 {
	if i >= m.Rows || j >= m.Cols {
		panic(fmt.Sprintf("matrix: index (%d,%d) out of range for %d-by-%d", i, j, m.Rows, m.Cols))
	}
	return uint64(m.Data[i*m.Cols+j])
}

func (m *Matrix) Set(val, i, j uint64) {
	if i >= m.Rows || j >= m.Cols {
		panic(fmt.Sprintf("matrix: index (%d,%d) out of range for %d-by-%d", i, j, m.Rows, m.Cols))
	}
	m.Data[i*m.Cols+j] = uint32(val)
}

// AddAt adds val to entry (i, j) mod 2^32.
func (m *Matrix) AddAt(val, i, j uint64) {
	m.Set(m.Get(i, j)+val, i, j)
}

// Add accumulates b into a entrywise mod 2^32.
func (a *Matrix) Add(b *Matrix) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(dimensionPanic("Add", a, b))
	}
	for i := range a.Data {
		a.Data[i] += b.Data[i]
	}
}

// Sub subtracts b from a entrywise mod 2^32.
func (a *Matrix) Sub(b *Matrix) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(dimensionPanic("Sub", a, b))
	}
	for i := range a.Data {
		a.Data[i] -= b.Data[i]
	}
}

// Equal reports whether two matrices have identical shape and entries.
func (a *Matrix) Equal(b *Matrix) bool {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// Bytes returns the row-major little-endian encoding of the matrix entries.
// Used for content digests; the shape is hashed separately by callers.
func (m *Matrix) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(4 * len(m.Data))
	b := make([]byte, 4)
	for _, v := range m.Data {
		binary.LittleEndian.PutUint32(b, v)
		buf.Write(b)
	}
	return buf.Bytes()
}

func dimensionPanic(op string, a, b *Matrix) string {
	return fmt.Sprintf("matrix: %s dimension mismatch: %d-by-%d vs. %d-by-%d",
		op, a.Rows, a.Cols, b.Rows, b.Cols)
}
