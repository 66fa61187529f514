package wire

// Sentinels and the stub-directory offset, shared by the whole sender.
//
// DONE and EOF are negative constants distinct from any valid index.
// OFFSET is negative and larger in magnitude than any possible index; a
// stub directory at segment
// index s is referred to on the wire as OFFSET-s (always negative, but
// distinguishable from DONE/EOF since OFFSET-s < EOF for any non-negative
// s within range).
const (
	DONE   = -1
	EOF    = -2
	OFFSET = -(1 << 30)
)

// IndexCoder encodes/decodes the compact index representation: each
// direction (positive indices, negative/stub indices) is delta-coded
// against the previously seen value in that direction, so that runs of
// nearby indices cost only a couple of bytes.
//
// The wire shape per index is:
//
//	[1 control byte][optional variable-length delta magnitude]
//
// The control byte is one of four values: 0x01 (DONE) and 0x02 (EOF)
// are complete records on their own; 0x04 is followed by an EncodeLong
// delta from the last non-negative index, 0x08 by an EncodeLong delta
// from the last negative (stub) index. A delta may itself be negative.
type IndexCoder struct {
	prevPositive int
	prevNegative int
}

// NewIndexCoder returns a coder with both running indices reset.
func NewIndexCoder() *IndexCoder {
	return &IndexCoder{prevPositive: -1, prevNegative: 1}
}

// Control-byte values for each index record. The duplex channel
// recognises a sentinel through IsSentinelControlByte without decoding
// the whole record.
const (
	ctrlSentinelDone byte = 0x01
	ctrlSentinelEOF  byte = 0x02
	ctrlPositive     byte = 0x04
	ctrlNegative     byte = 0x08
)

// IsSentinelControlByte reports whether b is a complete one-byte index
// record on its own (DONE or EOF), as opposed to a control byte that
// is followed by a delta magnitude.
func IsSentinelControlByte(b byte) bool {
	return b == ctrlSentinelDone || b == ctrlSentinelEOF
}

// EncodeIndex encodes idx (a non-negative file/dir index, or one of
// DONE/EOF/a stub reference OFFSET-segIdx) relative to the coder's
// running state.
func (c *IndexCoder) EncodeIndex(idx int) []byte {
	switch idx {
	case DONE:
		return []byte{ctrlSentinelDone}
	case EOF:
		return []byte{ctrlSentinelEOF}
	}

	if idx >= 0 {
		delta := idx - c.prevPositive
		c.prevPositive = idx
		out := []byte{ctrlPositive}
		return append(out, EncodeLong(int64(delta), 1)...)
	}

	// Negative, non-sentinel: a stub-directory reference (OFFSET - segIdx).
	delta := c.prevNegative - idx
	c.prevNegative = idx
	out := []byte{ctrlNegative}
	return append(out, EncodeLong(int64(delta), 1)...)
}

// DecodeIndex is the inverse of EncodeIndex; it reports the number of
// bytes consumed from buf.
func (c *IndexCoder) DecodeIndex(buf []byte) (idx int, n int, err error) {
	if len(buf) == 0 {
		return 0, 0, ErrMalformedInteger
	}
	switch buf[0] {
	case ctrlSentinelDone:
		return DONE, 1, nil
	case ctrlSentinelEOF:
		return EOF, 1, nil
	case ctrlPositive:
		delta, dn, err := DecodeLong(buf[1:], 1)
		if err != nil {
			return 0, 0, err
		}
		c.prevPositive += int(delta)
		return c.prevPositive, 1 + dn, nil
	case ctrlNegative:
		delta, dn, err := DecodeLong(buf[1:], 1)
		if err != nil {
			return 0, 0, err
		}
		c.prevNegative -= int(delta)
		return c.prevNegative, 1 + dn, nil
	default:
		return 0, 0, ErrMalformedInteger
	}
}

// IsStubReference reports whether idx refers to a not-yet-expanded
// directory segment, and returns its segment index.
func IsStubReference(idx int) (segIdx int, ok bool) {
	if idx == DONE || idx == EOF || idx >= 0 {
		return 0, false
	}
	return OFFSET - idx, true
}

// EncodeStubReference builds the wire index for a reference to the stub
// directory at segIdx.
func EncodeStubReference(segIdx int) int {
	return OFFSET - segIdx
}
