// Package pir implements single-server private information retrieval from
// the learning-with-errors assumption.
//
// The server holds a dataset matrix D (one record per column) and derives a
// public matrix A pseudorandomly from a seed, so both parties can expand A
// without ever sending it. Once per epoch the server computes the hint
// H = D*A and hands it to the client. To fetch record i the client draws a
// fresh secret s and Gaussian noise e and sends the ciphertext
//
//	query = A*s + e + Delta*u_i   (mod 2^32)
//
// where u_i is the one-hot selector for record i. The server answers with
// D*query, which equals H*s + D*e + Delta*D[i]; the client subtracts H*s and
// rounds each coordinate to the nearest multiple of Delta to recover the
// record. The query is indistinguishable from uniform under LWE, so the
// server learns nothing about i.
//
// Epochs bind a dataset snapshot to its hint: every answer carries the
// server's current epoch, and decoding rejects answers from any epoch other
// than the one the client's hint was computed for.
package pir

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrDimensionMismatch reports a ciphertext or answer whose shape
	// disagrees with the database dimensions. Configuration error; never
	// retried.
	ErrDimensionMismatch = errors.New("pir: dimension mismatch")

	// ErrIndexOutOfRange reports a record index outside [0, NumRecords).
	ErrIndexOutOfRange = errors.New("pir: record index out of range")

	// ErrDecodeFailure reports a decoded coordinate whose residual noise
	// exceeds the parameter noise ceiling. The result is garbage and is
	// never clamped or approximated.
	ErrDecodeFailure = errors.New("pir: decode failure")

	// ErrEpochStale reports an answer produced under a different epoch than
	// the client's hint. Callers refetch the hint and retry with fresh
	// randomness.
	ErrEpochStale = errors.New("pir: epoch mismatch between hint and answer")
)

// Epoch identifies one immutable (D, A, H) snapshot. ID increases
// monotonically across refreshes of the same database; Digest commits to the
// seed and dataset contents.
type Epoch struct {
	ID     uint64 `json:"id"`
	Digest string `json:"digest"`
}

// IsZero reports whether the epoch is unset.
func (e Epoch) IsZero() bool {
	return e.ID == 0 && e.Digest == ""
}

// DeriveSeed derives a per-database seed from a master seed and a label,
// so every cluster database expands a distinct public matrix.
func DeriveSeed(master []byte, label string) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(master)
	h.Write([]byte(label))
	return h.Sum(nil)
}

func digest(seed []byte, parts ...[]byte) string {
	h, _ := blake2b.New256(nil)
	h.Write(seed)
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
