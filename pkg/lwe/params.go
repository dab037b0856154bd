// Package lwe holds the learning-with-errors parameter sets used by the
// retrieval engine: secret dimension, ciphertext and plaintext moduli, the
// quantization step Delta, and the noise-budget check that keeps decoding
// unambiguous.
package lwe

import (
	"fmt"
	"math"

	"github.com/0xWOLAND/tiptoe/pkg/matrix"
)

// LogQ is the (logarithm of the) ciphertext modulus. Fixed at 32 so that
// ciphertext entries are machine words; see pkg/matrix.
const LogQ = 32

// SecretDimension is the default LWE secret dimension, sized for 128-bit
// security at LogQ = 32 with the sampler's error distribution.
const SecretDimension = 1024

// plaintextModulus maps the number of supported LWE samples (database
// columns a single ciphertext multiplies against) to the largest plaintext
// modulus that keeps the accumulated error below Delta/2 except with
// negligible probability.
var plaintextModulus = map[uint64]uint64{
	1 << 13: 991,
	1 << 14: 833,
	1 << 15: 701,
	1 << 16: 589,
	1 << 17: 495,
	1 << 18: 416,
	1 << 19: 350,
	1 << 20: 294,
	1 << 21: 247,
}

// Params fixes one epoch's arithmetic. Changing any field invalidates every
// matrix derived under it.
type Params struct {
	N     uint64  // secret dimension
	M     uint64  // number of LWE samples (database columns)
	LogQ  uint64  // log2 of the ciphertext modulus
	P     uint64  // plaintext modulus
	Sigma float64 // error distribution stddev
}

// NewParams picks the tightest known parameter set supporting at least
// nSamples homomorphic additions. It returns an error when nSamples exceeds
// every known set.
func NewParams(nSamples uint64) (*Params, error) {
	best := uint64(math.MaxUint64)
	pmod := uint64(0)
	for m, p := range plaintextModulus {
		if m < best && nSamples <= m {
			best = m
			pmod = p
		}
	}
	if pmod == 0 {
		return nil, fmt.Errorf("lwe: no parameter set supports %d samples", nSamples)
	}

	return &Params{
		N:     SecretDimension,
		M:     nSamples,
		LogQ:  LogQ,
		P:     pmod,
		Sigma: matrix.ErrorStdDev,
	}, nil
}

// NewParamsFixedP builds a parameter set with an explicit plaintext modulus.
// The caller owns the noise budget; Validate reports whether it holds.
func NewParamsFixedP(nSamples, p uint64) *Params {
	return &Params{
		N:     SecretDimension,
		M:     nSamples,
		LogQ:  LogQ,
		P:     p,
		Sigma: matrix.ErrorStdDev,
	}
}

// noiseDeviations is the tail cutoff on the accumulated error, in standard
// deviations: sqrt(2 * 40 * ln 2), putting the mass beyond the cutoff at
// 2^-40.
var noiseDeviations = math.Sqrt(2 * 40 * math.Ln2)

// Delta is the quantization step separating plaintext values in Z_q.
func (p *Params) Delta() uint64 {
	return (uint64(1) << p.LogQ) / p.P
}

// NoiseCeiling bounds the absolute accumulated error of one answer
// coordinate, except with probability 2^-40. The error is a sum of M
// products of a stored entry with a Gaussian error term; databases store
// entries recentered into [-P/2, P/2], so the sum's standard deviation is
// at most Sigma * sqrt(M) * P/2 even for saturated records. Decoding treats
// any residual above the ceiling as a failure.
func (p *Params) NoiseCeiling() float64 {
	return noiseDeviations * p.Sigma * math.Sqrt(float64(p.M)) * float64(p.P) / 2
}

// Round maps a noisy Z_q value to the nearest multiple of Delta and divides
// Delta out, recovering a plaintext in [0, P).
func (p *Params) Round(x uint64) uint64 {
	delta := p.Delta()
	return ((x + delta/2) / delta) % p.P
}

// Validate checks the decoding invariant: the noise ceiling must stay below
// Delta/2, so a noisy coordinate always rounds back to the plaintext it
// encodes.
func (p *Params) Validate() error {
	if p.N == 0 || p.M == 0 || p.P < 2 {
		return fmt.Errorf("lwe: degenerate parameters n=%d m=%d p=%d", p.N, p.M, p.P)
	}
	if p.LogQ != LogQ {
		return fmt.Errorf("lwe: unsupported ciphertext modulus 2^%d", p.LogQ)
	}
	if ceiling := p.NoiseCeiling(); ceiling >= float64(p.Delta())/2 {
		return fmt.Errorf("lwe: noise ceiling %.0f exceeds delta/2 = %d (m=%d p=%d)",
			ceiling, p.Delta()/2, p.M, p.P)
	}
	return nil
}

func (p *Params) String() string {
	return fmt.Sprintf("lwe(n=%d m=%d logq=%d p=%d sigma=%.1f)", p.N, p.M, p.LogQ, p.P, p.Sigma)
}
