package pir

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/utils/sampling"

	"github.com/0xWOLAND/tiptoe/pkg/lwe"
	"github.com/0xWOLAND/tiptoe/pkg/matrix"
)

// Client decodes one database's answers for one epoch. It caches the hint
// and the expanded public matrix; when the server's epoch moves, the client
// is discarded wholesale and rebuilt from fresh parameters.
//
// Client is safe for concurrent use. Each Query draws its own secret and
// noise under an internal lock; all other state is immutable after
// construction.
type Client struct {
	params     *lwe.Params
	matrixA    *matrix.Matrix
	hint       *matrix.Matrix
	epoch      Epoch
	numRecords uint64
	recordLen  uint64
	noiseBound int64

	mu   sync.Mutex // guards prng
	prng sampling.PRNG
}

// Secret is the per-query ephemeral state: the LWE secret vector, the target
// index, and the epoch the query was built under. It never leaves client
// memory and is never reused across queries.
type Secret struct {
	secret *matrix.Matrix
	index  uint64
	epoch  Epoch
}

// Index returns the record index this secret was drawn for.
func (s *Secret) Index() uint64 { return s.index }

// Equal reports whether two secrets hold identical secret vectors.
// Exists so tests can assert secrets are never reused.
func (s *Secret) Equal(o *Secret) bool { return s.secret.Equal(o.secret) }

// NewClient builds a client from one epoch's public parameters: the seed
// (expanded locally into A), the hint, and the epoch tag. prng supplies the
// query secrets and noise; pass nil for a cryptographically random source,
// or a keyed source for reproducible tests.
func NewClient(params *lwe.Params, seed []byte, hint *matrix.Matrix, epoch Epoch, numRecords uint64, prng sampling.PRNG) (*Client, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if numRecords == 0 || numRecords > params.M {
		return nil, fmt.Errorf("pir: %d records under %s: %w", numRecords, params, ErrDimensionMismatch)
	}
	if hint.Cols != params.N {
		return nil, fmt.Errorf("pir: hint has %d columns, secret dimension is %d: %w",
			hint.Cols, params.N, ErrDimensionMismatch)
	}
	if epoch.IsZero() {
		return nil, fmt.Errorf("pir: client requires a non-zero epoch")
	}

	a, err := ExpandA(seed, numRecords, params.N)
	if err != nil {
		return nil, err
	}
	if prng == nil {
		prng, err = sampling.NewPRNG()
		if err != nil {
			return nil, fmt.Errorf("pir: creating client prng: %w", err)
		}
	}

	return &Client{
		params:     params,
		matrixA:    a,
		hint:       hint.Copy(),
		epoch:      epoch,
		numRecords: numRecords,
		recordLen:  hint.Rows,
		noiseBound: int64(params.NoiseCeiling()),
		prng:       prng,
	}, nil
}

// Epoch returns the epoch this client's hint belongs to.
func (c *Client) Epoch() Epoch { return c.epoch }

// NumRecords returns the number of retrievable records.
func (c *Client) NumRecords() uint64 { return c.numRecords }

// Query builds a ciphertext for record index. Every call draws a fresh
// secret and fresh noise; reusing a secret across two indices would let the
// server correlate the queries, so there is deliberately no way to supply
// one.
func (c *Client) Query(index uint64) (*Secret, *matrix.Matrix, error) {
	if index >= c.numRecords {
		return nil, nil, fmt.Errorf("pir: index %d, database has %d records: %w",
			index, c.numRecords, ErrIndexOutOfRange)
	}

	c.mu.Lock()
	secret := matrix.Rand(c.prng, c.params.N, 1)
	noise := matrix.Gaussian(c.prng, c.numRecords, 1)
	c.mu.Unlock()

	query := matrix.MulVec(c.matrixA, secret)
	query.Add(noise)
	query.AddAt(c.params.Delta(), index, 0)

	return &Secret{secret: secret, index: index, epoch: c.epoch}, query, nil
}

// Recover decodes a server answer into the requested record. answerEpoch is
// the epoch the server reported alongside the answer; if it differs from the
// hint's epoch the answer is rejected with ErrEpochStale before any decode
// is attempted. A coordinate whose residual noise exceeds the parameter
// noise ceiling fails with ErrDecodeFailure; partial results are never
// returned.
func (c *Client) Recover(sec *Secret, answer *matrix.Matrix, answerEpoch Epoch) ([]uint64, error) {
	if answerEpoch != c.epoch || sec.epoch != c.epoch {
		return nil, fmt.Errorf("pir: hint epoch %d/%s, answer epoch %d/%s: %w",
			c.epoch.ID, c.epoch.Digest, answerEpoch.ID, answerEpoch.Digest, ErrEpochStale)
	}
	if answer.Cols != 1 || answer.Rows != c.recordLen {
		return nil, fmt.Errorf("pir: answer length %d, record length %d: %w",
			answer.Rows, c.recordLen, ErrDimensionMismatch)
	}

	plain := answer.Copy()
	plain.Sub(matrix.MulVec(c.hint, sec.secret))

	delta := c.params.Delta()
	half := c.params.P / 2
	record := make([]uint64, c.recordLen)
	for i := range record {
		x := uint64(plain.Data[i])
		rounded := (x + delta/2) / delta
		// Residual noise above the ceiling means the answer does not
		// correspond to this hint: stale epoch slipping past the tag check,
		// corruption, or parameters out of budget. Fail rather than guess.
		residual := int64(int32(uint32(x - rounded*delta)))
		if residual > c.noiseBound || residual < -c.noiseBound {
			return nil, fmt.Errorf("pir: coordinate %d residual %d exceeds noise ceiling %d: %w",
				i, residual, c.noiseBound, ErrDecodeFailure)
		}
		// The database stores entries recentered by P/2; add it back.
		record[i] = (rounded%c.params.P + half) % c.params.P
	}
	return record, nil
}
