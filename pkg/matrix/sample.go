package matrix

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// ErrorStdDev is the standard deviation of the LWE error distribution.
const ErrorStdDev = 6.4

// The sampler cuts the Gaussian tail at ±gaussTail, ten standard deviations
// out; the mass beyond that is far below 2^-64 and unobservable.
const gaussTail = 64

var gaussCDT [2*gaussTail + 1]uint64

func init() {
	weights := make([]float64, 2*gaussTail+1)
	total := 0.0
	for i := range weights {
		x := float64(i - gaussTail)
		weights[i] = math.Exp(-x * x / (2 * ErrorStdDev * ErrorStdDev))
		total += weights[i]
	}

	acc := 0.0
	for i := range weights {
		acc += weights[i]
		gaussCDT[i] = uint64(math.Round(acc / total * float64(math.MaxUint64)))
	}
	gaussCDT[2*gaussTail] = math.MaxUint64
}

// GaussSample draws one value from the discrete Gaussian with standard
// deviation ErrorStdDev, by inverting a precomputed cumulative table with
// 64 bits of uniform input. Two calls with the same source state agree.
func GaussSample(src io.Reader) int64 {
	var buf [8]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		panic(fmt.Sprintf("matrix: randomness source failed: %v", err))
	}
	r := binary.LittleEndian.Uint64(buf[:])

	i := sort.Search(len(gaussCDT), func(i int) bool { return r <= gaussCDT[i] })
	return int64(i - gaussTail)
}
