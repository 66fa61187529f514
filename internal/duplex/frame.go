package duplex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frameHeaderSize is the on-wire header: 4-byte big-endian payload
// length followed by 1 tag byte.
const frameHeaderSize = 5

// maxFrameSize bounds a single frame, including header, guarding
// against a corrupt or hostile length field driving an unbounded
// allocation.
const maxFrameSize = 4 * 1024 * 1024

var errFrameTooLarge = errors.New("duplex: frame exceeds maximum size")

func writeFrame(w io.Writer, tag Tag, payload []byte) error {
	if frameHeaderSize+len(payload) > maxFrameSize {
		return errFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	buf[4] = byte(tag)
	copy(buf[frameHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("duplex: write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (Tag, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	payloadLen := binary.BigEndian.Uint32(header[0:4])
	if frameHeaderSize+int(payloadLen) > maxFrameSize {
		return 0, nil, errFrameTooLarge
	}
	tag := Tag(header[4])
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("duplex: read frame payload: %w", err)
		}
	}
	return tag, payload, nil
}
