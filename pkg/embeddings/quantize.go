package embeddings

import (
	"fmt"
	"math"
)

// Quantizer maps float embedding coordinates in [-1, 1] to plaintext values
// in [0, P) and back. The mapping is affine and symmetric, so ranking on
// dequantized vectors approximates ranking on the originals; quantization
// error per coordinate is at most 1/(P-1).
type Quantizer struct {
	P uint64
}

// NewQuantizer builds a quantizer for plaintext modulus p.
func NewQuantizer(p uint64) (*Quantizer, error) {
	if p < 2 {
		return nil, fmt.Errorf("embeddings: plaintext modulus %d too small to quantize", p)
	}
	return &Quantizer{P: p}, nil
}

// Quantize maps a vector with coordinates in [-1, 1] into [0, P).
// Coordinates outside the range are saturated, not wrapped.
func (q *Quantizer) Quantize(v []float64) []uint64 {
	out := make([]uint64, len(v))
	scale := float64(q.P - 1)
	for i, x := range v {
		x = math.Max(-1, math.Min(1, x))
		out[i] = uint64(math.Round((x + 1) / 2 * scale))
	}
	return out
}

// Dequantize inverts Quantize up to quantization error.
func (q *Quantizer) Dequantize(v []uint64) []float64 {
	out := make([]float64, len(v))
	scale := float64(q.P - 1)
	for i, x := range v {
		out[i] = float64(x)/scale*2 - 1
	}
	return out
}
