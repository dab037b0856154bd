package matrix

// Mul returns a*b mod 2^32. Products are accumulated in 64 bits; the
// accumulator wraps mod 2^64, which is a multiple of 2^32, so the truncated
// result is exact regardless of how many terms are summed.
func Mul(a, b *Matrix) *Matrix {
	if b.Cols == 1 {
		return MulVec(a, b)
	}
	if a.Cols != b.Rows {
		panic(dimensionPanic("Mul", a, b))
	}

	out := New(a.Rows, b.Cols)
	for i := uint64(0); i < a.Rows; i++ {
		arow := a.Data[i*a.Cols : (i+1)*a.Cols]
		orow := out.Data[i*b.Cols : (i+1)*b.Cols]
		for k, av := range arow {
			if av == 0 {
				continue
			}
			brow := b.Data[uint64(k)*b.Cols : uint64(k+1)*b.Cols]
			a64 := uint64(av)
			for j, bv := range brow {
				orow[j] += uint32(a64 * uint64(bv))
			}
		}
	}
	return out
}

// MulVec returns a*v mod 2^32 for a column vector v.
func MulVec(a, v *Matrix) *Matrix {
	if a.Cols != v.Rows {
		panic(dimensionPanic("MulVec", a, v))
	}
	if v.Cols != 1 {
		panic("matrix: MulVec second argument is not a column vector")
	}

	out := New(a.Rows, 1)
	for i := uint64(0); i < a.Rows; i++ {
		arow := a.Data[i*a.Cols : (i+1)*a.Cols]
		var acc uint64
		for j, av := range arow {
			acc += uint64(av) * uint64(v.Data[j])
		}
		out.Data[i] = uint32(acc)
	}
	return out
}
