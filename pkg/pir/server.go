package pir

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/tuneinsight/lattigo/v5/utils/sampling"

	"github.com/0xWOLAND/tiptoe/pkg/matrix"
)

// snapshot is one epoch's immutable (D, A, H) triple. Answer computations
// hold the snapshot they loaded, so a concurrent Refresh never exposes a
// mix of old and new state.
type snapshot struct {
	db      *Database
	matrixA *matrix.Matrix
	hint    *matrix.Matrix
	epoch   Epoch
}

// Server owns the dataset for the current epoch and answers query
// ciphertexts. All methods are safe for concurrent use; Refresh swaps the
// whole snapshot atomically.
type Server struct {
	seed []byte
	cur  atomic.Pointer[snapshot]
}

// NewServer sets up a server for the given database. The seed is public and
// fully determines the matrix A, so clients expand A locally instead of
// downloading it.
func NewServer(db *Database, seed []byte) (*Server, error) {
	return NewServerAtEpoch(db, seed, 1)
}

// NewServerAtEpoch sets up a server whose first epoch carries the given id.
// Used when a rebuilt corpus must continue a previous server's epoch
// sequence so clients still observe monotonic ids.
func NewServerAtEpoch(db *Database, seed []byte, epochID uint64) (*Server, error) {
	if epochID == 0 {
		return nil, fmt.Errorf("pir: epoch ids start at 1")
	}
	s := &Server{seed: seed}
	snap, err := s.buildSnapshot(db, epochID)
	if err != nil {
		return nil, err
	}
	s.cur.Store(snap)
	return s, nil
}

// ExpandA deterministically expands the public matrix A from a seed. The
// expansion reads a keyed blake2b XOF, so the same seed and dimensions give
// the same matrix on every machine.
func ExpandA(seed []byte, rows, cols uint64) (*matrix.Matrix, error) {
	prng, err := sampling.NewKeyedPRNG(seed)
	if err != nil {
		return nil, fmt.Errorf("pir: expanding public matrix: %w", err)
	}
	return matrix.Rand(prng, rows, cols), nil
}

func (s *Server) buildSnapshot(db *Database, epochID uint64) (*snapshot, error) {
	a, err := ExpandA(s.seed, db.NumRecords(), db.Params.N)
	if err != nil {
		return nil, err
	}

	var dims [16]byte
	binary.LittleEndian.PutUint64(dims[0:], db.Data.Rows)
	binary.LittleEndian.PutUint64(dims[8:], db.Data.Cols)

	return &snapshot{
		db:      db,
		matrixA: a,
		hint:    matrix.Mul(db.Data, a),
		epoch: Epoch{
			ID:     epochID,
			Digest: digest(s.seed, dims[:], db.Data.Bytes()),
		},
	}, nil
}

// Refresh replaces the dataset wholesale, bumping the epoch. In-flight
// answers keep the snapshot they started with.
func (s *Server) Refresh(db *Database) (Epoch, error) {
	prev := s.cur.Load()
	snap, err := s.buildSnapshot(db, prev.epoch.ID+1)
	if err != nil {
		return Epoch{}, err
	}
	s.cur.Store(snap)
	return snap.epoch, nil
}

// Answer computes D*query for the current epoch. The computation is a single
// dense matrix-vector product over the whole dataset: its cost, memory
// access pattern, and output size depend only on the dataset dimensions,
// never on which index the ciphertext encodes.
func (s *Server) Answer(query *matrix.Matrix) (*matrix.Matrix, Epoch, error) {
	snap := s.cur.Load()
	if query.Cols != 1 || query.Rows != snap.db.NumRecords() {
		return nil, snap.epoch, fmt.Errorf("pir: query length %d, database has %d columns: %w",
			query.Rows, snap.db.NumRecords(), ErrDimensionMismatch)
	}
	return matrix.MulVec(snap.db.Data, query), snap.epoch, nil
}

// Snapshot returns the current dataset, hint, and epoch from a single
// atomic load, so the three always belong to the same epoch even while a
// concurrent Refresh is swapping snapshots. Callers composing more than one
// of these must use Snapshot rather than the individual accessors.
func (s *Server) Snapshot() (*Database, *matrix.Matrix, Epoch) {
	snap := s.cur.Load()
	return snap.db, snap.hint, snap.epoch
}

// Epoch returns the current epoch identifier.
func (s *Server) Epoch() Epoch {
	return s.cur.Load().epoch
}

// Hint returns the current epoch's hint H = D*A. Computed once per epoch at
// snapshot build time and served from cache.
func (s *Server) Hint() *matrix.Matrix {
	return s.cur.Load().hint
}

// Seed returns the public seed for the matrix A.
func (s *Server) Seed() []byte {
	return s.seed
}

// Database returns the current epoch's dataset.
func (s *Server) Database() *Database {
	return s.cur.Load().db
}
