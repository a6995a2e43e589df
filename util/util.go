// Package util contains small generic helpers shared across the kernel,
// adapted from the teacher's util package: alignment arithmetic and
// fixed-width integer packing. No other package in this module imports
// it; riscv uses encoding/binary directly.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads an n-byte (1/2/4/8) little-endian unsigned value out of a
// starting at off and returns it widened to int. It panics on an
// out-of-bounds access or an unsupported width, mirroring the teacher's
// panic-on-impossible-state discipline.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || n < 0 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	var ret uint64
	for i := 0; i < n; i++ {
		ret |= uint64(a[off+i]) << (8 * uint(i))
	}
	switch n {
	case 1, 2, 4, 8:
		return int(ret)
	default:
		panic("unsupported size")
	}
}

// Writen writes the low sz bytes of val into a at off, little-endian.
func Writen(a []uint8, sz int, off int, val int) {
	if off < 0 || sz < 0 || off+sz > len(a) {
		panic("Writen out of bounds")
	}
	switch sz {
	case 1, 2, 4, 8:
	default:
		panic("unsupported size")
	}
	v := uint64(val)
	for i := 0; i < sz; i++ {
		a[off+i] = uint8(v >> (8 * uint(i)))
	}
}
