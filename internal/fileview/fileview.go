// Package fileview implements a bounded sliding window over an open
// file, the buffer the delta engine scans across while building the
// literal/match token stream for a single transfer.
package fileview

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sendside/sendside/internal/errs"
)

// ErrNotFound distinguishes a missing file (the common "it vanished
// between listing and transfer" case) from any other open failure.
var ErrNotFound = errors.New("fileview: file not found")

// View is a bounded sliding window over a file of known size. It
// tracks four offsets into the logical file:
//
//   - firstOffset: earliest byte still resident in the backing buffer
//   - startOffset: window start (the delta engine's scan cursor)
//   - endOffset:   window end
//   - markOffset:  bracket for the literal run currently accumulating
//     between confirmed matches; it never moves ahead of startOffset,
//     and compaction keeps the bytes from it onward resident
type View struct {
	f    *os.File
	size int64

	buf          []byte
	firstOffset  int64
	startOffset  int64
	endOffset    int64
	markOffset   int64
	blockLen     int
	readErr      error
}

// Open opens path for reading and returns a View sized for blockLen
// windows, backed by a buffer of capacity maxWindow+blockLen.
func Open(path string, size int64, blockLen, maxWindow int) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.WithPath(errs.FileIO, path, fmt.Errorf("%w: %v", ErrNotFound, err))
		}
		return nil, errs.WithPath(errs.FileIO, path, err)
	}
	v := &View{
		f:        f,
		size:     size,
		buf:      make([]byte, 0, maxWindow+blockLen),
		blockLen: blockLen,
	}
	return v, nil
}

// Size returns the file's total length as stat'd at open time.
func (v *View) Size() int64 { return v.size }

// WindowLength returns the current window length, endOffset-startOffset.
func (v *View) WindowLength() int64 { return v.endOffset - v.startOffset }

// StartOffset, EndOffset, MarkOffset report the view's current
// bookkeeping offsets.
func (v *View) StartOffset() int64 { return v.startOffset }
func (v *View) EndOffset() int64   { return v.endOffset }
func (v *View) MarkOffset() int64  { return v.markOffset }

// SetMark moves markOffset to off, which must not be ahead of
// startOffset: the mark brackets bytes already scanned but not yet
// flushed as a literal run.
func (v *View) SetMark(off int64) {
	if off > v.startOffset {
		panic("fileview: mark may not move ahead of the scan cursor")
	}
	v.markOffset = off
}

// Bytes returns the window's current content as a slice into the
// backing buffer: callers must not retain it past the next Slide/Fill.
func (v *View) Bytes() []byte {
	lo := v.startOffset - v.firstOffset
	hi := v.endOffset - v.firstOffset
	return v.buf[lo:hi]
}

// ByteAt returns a single byte at an absolute file offset currently
// resident in the buffer.
func (v *View) ByteAt(off int64) byte {
	return v.buf[off-v.firstOffset]
}

// MarkedBytes returns the bytes between markOffset and startOffset,
// the pending literal run the delta engine has not yet emitted.
func (v *View) MarkedBytes() []byte {
	lo := v.markOffset - v.firstOffset
	hi := v.startOffset - v.firstOffset
	return v.buf[lo:hi]
}

// Fill extends endOffset by reading up to n further bytes from disk,
// growing the backing buffer as needed. The window may grow past
// blockLen this way; nothing here limits it.
func (v *View) Fill(n int64) error {
	if v.readErr != nil {
		return v.readErr
	}
	want := v.endOffset + n
	if want > v.size {
		want = v.size
	}
	if want <= v.endOffset {
		return nil
	}
	v.ensureCapacity(want)

	readLen := want - v.endOffset
	bufOff := v.endOffset - v.firstOffset
	nRead, err := unix.Pread(int(v.f.Fd()), v.buf[bufOff:bufOff+readLen], v.endOffset)
	if err != nil {
		v.readErr = errs.New(errs.FileIO, fmt.Errorf("fileview: read at %d: %w", v.endOffset, err))
		return v.readErr
	}
	v.endOffset += int64(nRead)
	if int64(nRead) < readLen {
		// Short read before reaching the expected size: treat the
		// remainder as a read error surfaced on Close, matching the
		// reference sender's READ_ERROR-on-close semantics.
		v.readErr = errs.New(errs.FileIO, fmt.Errorf("fileview: short read at %d: got %d want %d", v.endOffset, nRead, readLen))
	}
	return nil
}

// Slide advances startOffset by k, pulling further bytes from disk if
// the new window end extends past what's resident. markOffset always
// trails startOffset (it brackets the pending literal run behind the
// scan cursor), so sliding forward never needs to disturb it; compact
// is the only thing that consults markOffset, to decide how much of
// the buffer's front it may discard.
func (v *View) Slide(k int64) error {
	v.startOffset += k
	need := v.startOffset + int64(v.blockLen) - v.endOffset
	if need > 0 {
		if err := v.Fill(need); err != nil {
			return err
		}
	}
	v.compact()
	return nil
}

// compact drops resident bytes before markOffset once the backing
// buffer has grown past its nominal capacity, keeping memory bounded
// regardless of how far the view has scanned.
func (v *View) compact() {
	cap64 := int64(cap(v.buf))
	if v.endOffset-v.firstOffset < cap64 {
		return
	}
	drop := v.markOffset - v.firstOffset
	if drop <= 0 {
		return
	}
	n := copy(v.buf, v.buf[drop:v.endOffset-v.firstOffset])
	v.buf = v.buf[:n]
	v.firstOffset = v.markOffset
}

func (v *View) ensureCapacity(want int64) {
	needLen := want - v.firstOffset
	if int64(cap(v.buf)) < needLen {
		grown := make([]byte, len(v.buf), needLen)
		copy(grown, v.buf)
		v.buf = grown
	}
	if int64(len(v.buf)) < needLen {
		v.buf = v.buf[:needLen]
	}
}

// Close closes the underlying file, returning a READ_ERROR-kind error
// if a short or failed read was recorded during the view's lifetime
// but never surfaced.
func (v *View) Close() error {
	err := v.f.Close()
	if v.readErr != nil {
		return v.readErr
	}
	if err != nil {
		return errs.New(errs.FileIO, err)
	}
	return nil
}
