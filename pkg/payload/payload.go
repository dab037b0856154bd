// Package payload packs document text into retrieval-database records so the
// text of a matched document can itself be fetched privately. A document is
// zlib-compressed and the compressed bytes are spread over Z_p entries of a
// fixed bit width, prefixed with the byte length; padding limbs decode to
// nothing.
package payload

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"

	"github.com/klauspost/compress/zlib"
)

// headerLimbs is the number of leading limbs holding the compressed byte
// length, little-endian in base 2^width.
const headerLimbs = 8

// Codec packs byte streams into records with entries in [0, 2^width), where
// width is the largest bit count that still fits the plaintext modulus.
type Codec struct {
	p     uint64
	width uint
}

// NewCodec builds a codec for plaintext modulus p.
func NewCodec(p uint64) (*Codec, error) {
	if p < 16 {
		return nil, fmt.Errorf("payload: plaintext modulus %d too small to carry bytes", p)
	}
	return &Codec{p: p, width: uint(bits.Len64(p)) - 1}, nil
}

// Encode compresses the document and packs it into record entries.
func (c *Codec) Encode(text string) ([]uint64, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write([]byte(text)); err != nil {
		return nil, fmt.Errorf("payload: compressing document: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("payload: compressing document: %w", err)
	}
	data := buf.Bytes()

	mask := uint64(1)<<c.width - 1
	rec := make([]uint64, headerLimbs, headerLimbs+(uint64(len(data))*8+uint64(c.width)-1)/uint64(c.width))
	n := uint64(len(data))
	for i := 0; i < headerLimbs; i++ {
		rec[i] = n & mask
		n >>= c.width
	}
	if n != 0 {
		return nil, fmt.Errorf("payload: document of %d compressed bytes exceeds record capacity", len(data))
	}

	var acc uint64
	var nbits uint
	for _, b := range data {
		acc |= uint64(b) << nbits
		nbits += 8
		for nbits >= c.width {
			rec = append(rec, acc&mask)
			acc >>= c.width
			nbits -= c.width
		}
	}
	if nbits > 0 {
		rec = append(rec, acc&mask)
	}
	return rec, nil
}

// Decode reverses Encode. Trailing padding limbs beyond the encoded length
// are ignored, so records padded to a common database width decode cleanly.
func (c *Codec) Decode(record []uint64) (string, error) {
	if len(record) < headerLimbs {
		return "", fmt.Errorf("payload: record of %d entries has no length header", len(record))
	}

	mask := uint64(1)<<c.width - 1
	var byteLen uint64
	for i := headerLimbs - 1; i >= 0; i-- {
		if record[i] > mask {
			return "", fmt.Errorf("payload: header limb %d = %d exceeds %d-bit width", i, record[i], c.width)
		}
		byteLen = byteLen<<c.width | record[i]
	}

	data := make([]byte, 0, byteLen)
	var acc uint64
	var nbits uint
	for _, limb := range record[headerLimbs:] {
		if limb > mask {
			return "", fmt.Errorf("payload: limb %d exceeds %d-bit width", limb, c.width)
		}
		acc |= limb << nbits
		nbits += c.width
		for nbits >= 8 && uint64(len(data)) < byteLen {
			data = append(data, byte(acc))
			acc >>= 8
			nbits -= 8
		}
		if uint64(len(data)) == byteLen {
			break
		}
	}
	if uint64(len(data)) < byteLen {
		return "", fmt.Errorf("payload: record carries %d of %d compressed bytes", len(data), byteLen)
	}

	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("payload: decompressing document: %w", err)
	}
	defer zr.Close()
	text, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("payload: decompressing document: %w", err)
	}
	return string(text), nil
}
