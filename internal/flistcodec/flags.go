// Package flistcodec serialises FileInfo entries onto the duplex
// channel using the sender's delta-encoded file-list wire format:
// per-entry repeated-field flags, common-prefix name elision, and a
// segment terminator that doubles as an error-end-list marker.
package flistcodec

// Flags is the 16-bit repeated-field flag set. The low byte travels
// alone unless ExtendedFlags is set, in which case a second byte
// carries the upper half (currently only IOErrorEndList).
type Flags uint16

const (
	SameName Flags = 1 << iota
	SameMode
	SameUID
	SameTime
	LongName
	TopDir
	UserNameFollows
	ExtendedFlags
	IOErrorEndList
)

// terminatorByte is the reserved low-byte value (all bits clear) that
// marks the end of a segment. No real entry may ever emit this value;
// computeFlags forces ExtendedFlags on whenever the natural low byte
// would otherwise be zero.
const terminatorByte = 0x00
