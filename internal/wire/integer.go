// Package wire implements the variable-length integer and index codecs
// used on the sender's wire protocol.
package wire

import (
	"errors"
	"fmt"
)

// ErrMalformedInteger is returned when a variable-length integer is
// truncated or carries an out-of-range length byte on the wire.
var ErrMalformedInteger = errors.New("malformed integer: truncated on wire")

// EncodeLong encodes v as [1 length byte n][n little-endian data bytes],
// where n is the smallest value in [minBytes, 8] that holds v. The
// length byte is always present and always a plain count (never a value
// byte), so decoding never has to guess whether a leading byte is a
// marker or data: this trades one byte of overhead for an encoding that
// is unambiguous by construction. A negative v (a match token or a
// backward index delta) always takes all 8 bytes of its two's-complement
// form, which DecodeLong turns back into the same negative value.
func EncodeLong(v int64, minBytes int) []byte {
	if minBytes < 1 || minBytes > 8 {
		panic(fmt.Sprintf("wire: minBytes out of range: %d", minBytes))
	}

	var buf [8]byte
	for i := range buf {
		buf[i] = byte(v >> (8 * uint(i)))
	}

	n := 8
	for n > minBytes && buf[n-1] == 0 {
		n--
	}

	out := make([]byte, 1+n)
	out[0] = byte(n)
	copy(out[1:], buf[:n])
	return out
}

// EncodeInt is EncodeLong(int64(v), 1).
func EncodeInt(v int32) []byte {
	return EncodeLong(int64(v), 1)
}

// DecodeLong reads [1 length byte n][n data bytes] from buf, checking
// that n falls within [minBytes, 8], and returns the decoded value and
// the number of bytes consumed.
func DecodeLong(buf []byte, minBytes int) (int64, int, error) {
	if minBytes < 1 || minBytes > 8 {
		panic(fmt.Sprintf("wire: minBytes out of range: %d", minBytes))
	}
	if len(buf) == 0 {
		return 0, 0, ErrMalformedInteger
	}
	n := int(buf[0])
	if n < minBytes || n > 8 || len(buf) < 1+n {
		return 0, 0, ErrMalformedInteger
	}
	return decodeLE(buf[1 : 1+n]), 1 + n, nil
}

func decodeLE(b []byte) int64 {
	var v int64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	return v
}

// DecodeInt reads a variable-length integer with minBytes=1.
func DecodeInt(buf []byte) (int32, int, error) {
	v, n, err := DecodeLong(buf, 1)
	if err != nil {
		return 0, 0, err
	}
	return int32(v), n, nil
}
