package pir

import (
	"fmt"

	"github.com/0xWOLAND/tiptoe/pkg/lwe"
	"github.com/0xWOLAND/tiptoe/pkg/matrix"
)

// Database is one retrievable dataset: records quantized into Z_p, stored
// one per column so the server's answer is a single matrix-vector product.
// Immutable once built; a refresh builds a new Database and swaps it in.
//
// Entries are stored recentered: a plaintext value v in [0, P) is kept as
// v - P/2 mod Q, so every stored magnitude is at most P/2 and the noise
// ceiling's P/2 factor holds for saturated records too. Recover adds P/2
// back after rounding.
type Database struct {
	Params *lwe.Params
	Data   *matrix.Matrix // recordLen-by-numRecords; record i is column i
}

// NewDatabase builds a database from equal-length records with entries in
// [0, Params.P).
func NewDatabase(params *lwe.Params, records [][]uint64) (*Database, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("pir: empty database")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if uint64(len(records)) > params.M {
		return nil, fmt.Errorf("pir: %d records exceed parameter budget of %d samples: %w",
			len(records), params.M, ErrDimensionMismatch)
	}

	recordLen := len(records[0])
	if recordLen == 0 {
		return nil, fmt.Errorf("pir: zero-length record")
	}

	half := params.P / 2
	data := matrix.New(uint64(recordLen), uint64(len(records)))
	for j, rec := range records {
		if len(rec) != recordLen {
			return nil, fmt.Errorf("pir: record %d has length %d, want %d: %w",
				j, len(rec), recordLen, ErrDimensionMismatch)
		}
		for i, v := range rec {
			if v >= params.P {
				return nil, fmt.Errorf("pir: record %d entry %d = %d outside plaintext range [0, %d)",
					j, i, v, params.P)
			}
			data.Set(v-half, uint64(i), uint64(j))
		}
	}

	return &Database{Params: params, Data: data}, nil
}

// NumRecords returns the number of retrievable records.
func (db *Database) NumRecords() uint64 {
	return db.Data.Cols
}

// RecordLen returns the length of each record.
func (db *Database) RecordLen() uint64 {
	return db.Data.Rows
}

// Record reads record i in the clear, undoing the recentering. Server-side
// use only.
func (db *Database) Record(i uint64) []uint64 {
	half := int64(db.Params.P / 2)
	out := make([]uint64, db.Data.Rows)
	for r := uint64(0); r < db.Data.Rows; r++ {
		centered := int64(int32(uint32(db.Data.Get(r, i))))
		out[r] = uint64(centered + half)
	}
	return out
}
