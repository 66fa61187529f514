// Package rollsum implements the Adler-style rolling weak checksum used
// to cheaply screen candidate block positions before the expensive strong
// digest check.
package rollsum

// Compute computes the 32-bit weak sum of buf[s:s+n] from scratch.
//
// sum = (a & 0xFFFF) | (b << 16), where a = Σbuf[i] and
// b = Σ(n-i)·buf[s+i], both mod 2^32, matching the reference rsync weak
// sum bit-for-bit.
func Compute(buf []byte, s, n int) uint32 {
	var a, b uint32
	window := buf[s : s+n]
	for i, v := range window {
		a += uint32(v)
		b += uint32(n-i) * uint32(v)
	}
	return (a & 0xFFFF) | (b << 16)
}

// Add updates sum for a window that just gained newByte at its trailing
// edge (i.e. the window grew by one byte on the right).
//
// a' = a + newByte; b' = b + a' (each new trailing byte contributes once
// to a weighted sum whose per-position weight decreases left to right —
// appending at the right edge adds newByte with weight 1, and every byte
// already in the window effectively gains one unit of weight, which is
// exactly adding the new a into b).
func Add(sum uint32, newByte byte) uint32 {
	a := sum & 0xFFFF
	b := sum >> 16
	a = (a + uint32(newByte)) & 0xFFFF
	b = (b + a) & 0xFFFF
	return a | (b << 16)
}

// Subtract updates sum for a window of length windowLen that is about to
// lose leavingByte from its leading edge.
//
// a' = a - leavingByte; b' = b - windowLen*leavingByte.
func Subtract(sum uint32, windowLen int, leavingByte byte) uint32 {
	a := sum & 0xFFFF
	b := sum >> 16
	a = (a - uint32(leavingByte)) & 0xFFFF
	b = (b - uint32(windowLen)*uint32(leavingByte)) & 0xFFFF
	return a | (b << 16)
}
