// Package strongsum computes the MD5-based strong digests used to
// confirm weak-sum matches and to checksum whole files, exactly as
// mandated by the wire protocol (interoperability requires MD5, not a
// faster modern hash).
package strongsum

import (
	"crypto/md5"
	"hash"
)

// Size is the full digest length produced by MD5.
const Size = md5.Size

// BlockDigest returns MD5(block ++ seed), the strong digest used to
// confirm a rolling-sum match against a peer-supplied block checksum.
func BlockDigest(block, seed []byte) [Size]byte {
	h := md5.New()
	h.Write(block)
	h.Write(seed)
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// FileDigest accumulates the whole-file MD5 incrementally; literal runs
// and matched-block ranges are fed to it in file order as they are
// decided, so the digest covers the file exactly once regardless of how
// it was chunked into literal/match tokens.
type FileDigest struct {
	h hash.Hash
}

// NewFileDigest starts a fresh whole-file digest accumulator.
func NewFileDigest() *FileDigest {
	return &FileDigest{h: md5.New()}
}

// Write feeds bytes into the digest in file order.
func (d *FileDigest) Write(p []byte) {
	d.h.Write(p)
}

// Sum returns the digest truncated to negotiated bytes (the peer-agreed
// digest length for this session, 1..16).
func (d *FileDigest) Sum(negotiatedLen int) []byte {
	full := d.h.Sum(nil)
	if negotiatedLen > Size {
		negotiatedLen = Size
	}
	out := make([]byte, negotiatedLen)
	copy(out, full[:negotiatedLen])
	return out
}

// Corrupt deliberately invalidates digest by incrementing its first byte,
// forcing the peer to re-request the file on its next pass. Preserves the
// semantics of the reference implementation's read-error-on-close path.
func Corrupt(digest []byte) {
	if len(digest) > 0 {
		digest[0]++
	}
}
