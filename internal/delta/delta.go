// Package delta implements the block-matching engine: given a
// receiver-supplied checksum header and per-block (weak, strong) pairs,
// it scans a file view and emits the minimal literal/match token
// stream the receiver needs to reconstruct the file, alongside a
// whole-file MD5 digest covering every byte sent or referenced.
package delta

import (
	"bytes"

	"github.com/sendside/sendside/internal/duplex"
	"github.com/sendside/sendside/internal/fileview"
	"github.com/sendside/sendside/internal/rollsum"
	"github.com/sendside/sendside/internal/strongsum"
)

// literalChunkSize bounds how many bytes travel in a single literal
// token's payload.
const literalChunkSize = 8192

// Header is the receiver's checksum header for one file.
type Header struct {
	ChunkCount   int32
	BlockLength  int32
	DigestLength int32
	Remainder    int32
}

// IsNew reports whether the receiver holds no usable basis at all, in
// which case the whole file travels as literal data.
func (h Header) IsNew() bool { return h.BlockLength == 0 }

// smallestChunkSize is the shortest basis block the receiver holds: if
// the window shrinks below it near EOF no further match is possible.
func (h Header) smallestChunkSize() int {
	if h.Remainder > 0 {
		return int(h.Remainder)
	}
	return int(h.BlockLength)
}

// lengthOf returns the basis block length for chunk index i: every
// block is BlockLength long except a non-zero-Remainder final block.
func (h Header) lengthOf(i int) int {
	if h.Remainder > 0 && i == int(h.ChunkCount)-1 {
		return int(h.Remainder)
	}
	return int(h.BlockLength)
}

// Chunk is one basis-block checksum pair, as read off the wire.
type Chunk struct {
	Index  int
	Weak   uint32
	Strong []byte
}

// Stats reports how a single file's content was split between literal
// and matched bytes.
type Stats struct {
	LiteralBytes int64
	MatchedBytes int64
}

// index answers GetCandidateChunks: which basis blocks share a given
// weak sum and length, ordered with the locality-preferred block
// first.
type index struct {
	header Header
	byWeak map[uint32][]Chunk
}

func buildIndex(header Header, chunks []Chunk) *index {
	idx := &index{header: header, byWeak: make(map[uint32][]Chunk, len(chunks))}
	for _, c := range chunks {
		idx.byWeak[c.Weak] = append(idx.byWeak[c.Weak], c)
	}
	return idx
}

// getCandidateChunks returns the blocks whose weak sum is weak and
// whose basis length equals windowLen, with blocks numbered >=
// preferredIndex ordered first.
func (ix *index) getCandidateChunks(weak uint32, windowLen, preferredIndex int) []Chunk {
	all := ix.byWeak[weak]
	if len(all) == 0 {
		return nil
	}
	out := make([]Chunk, 0, len(all))
	var deferred []Chunk
	for _, c := range all {
		if ix.header.lengthOf(c.Index) != windowLen {
			continue
		}
		if c.Index >= preferredIndex {
			out = append(out, c)
		} else {
			deferred = append(deferred, c)
		}
	}
	return append(out, deferred...)
}

// Send runs the delta engine for one file: view must already be open
// and sized to header.BlockLength (or literalChunkSize windows for the
// isNew case). It writes the token stream to ch and returns the
// whole-file digest truncated to header.DigestLength.
func Send(ch *duplex.Channel, view *fileview.View, header Header, chunks []Chunk, seed []byte) (digest []byte, stats Stats, err error) {
	if header.IsNew() {
		return sendNew(ch, view, int(header.DigestLength))
	}
	return sendMatching(ch, view, header, chunks, seed)
}

func sendNew(ch *duplex.Channel, view *fileview.View, digestLen int) ([]byte, Stats, error) {
	fd := strongsum.NewFileDigest()
	var stats Stats

	for view.StartOffset() < view.Size() {
		want := view.Size() - view.EndOffset()
		if want > literalChunkSize {
			want = literalChunkSize
		}
		if want > 0 {
			if err := view.Fill(want); err != nil {
				break // read error recorded on the view; surfaced via Close
			}
		}
		data := view.Bytes()
		if len(data) == 0 {
			break
		}
		n := int64(len(data))
		if err := sendLiteralChunked(ch, data, fd, &stats); err != nil {
			return nil, stats, err
		}

		if err := view.Slide(n); err != nil {
			break
		}
		view.SetMark(view.StartOffset())
	}

	if err := ch.PutInt(0); err != nil {
		return nil, stats, err
	}
	return fd.Sum(digestLen), stats, nil
}

func sendMatching(ch *duplex.Channel, view *fileview.View, header Header, chunks []Chunk, seed []byte) ([]byte, Stats, error) {
	ix := buildIndex(header, chunks)
	blockLen := int(header.BlockLength)
	fd := strongsum.NewFileDigest()
	var stats Stats
	preferredIndex := 0

	initial := int64(blockLen)
	if initial > view.Size() {
		initial = view.Size()
	}
	if err := view.Fill(initial); err != nil {
		return finishEarly(ch, fd, stats, int(header.DigestLength))
	}
	view.SetMark(view.StartOffset())
	rolling := rollsum.Compute(view.Bytes(), 0, len(view.Bytes()))

	var strongCache []byte
	strongValid := false

	for view.WindowLength() >= int64(header.smallestChunkSize()) {
		wlen := int(view.WindowLength())
		candidates := ix.getCandidateChunks(rolling, wlen, preferredIndex)

		matchedChunk := -1
		if len(candidates) > 0 {
			if !strongValid {
				d := strongsum.BlockDigest(view.Bytes(), seed)
				strongCache = d[:]
				strongValid = true
			}
			for _, c := range candidates {
				if bytes.Equal(strongCache, c.Strong) {
					matchedChunk = c.Index
					break
				}
			}
		}

		if matchedChunk >= 0 {
			literal := view.MarkedBytes()
			if len(literal) > 0 {
				if err := sendLiteralChunked(ch, literal, fd, &stats); err != nil {
					return nil, stats, err
				}
			}
			matched := view.Bytes()
			fd.Write(matched)
			stats.MatchedBytes += int64(len(matched))

			if err := ch.PutInt(int32(-(matchedChunk + 1))); err != nil {
				return nil, stats, err
			}
			preferredIndex = matchedChunk + 1

			// Slide past the whole matched block (not wlen-1): an
			// overlapping re-scan of its last byte would write that
			// byte into the whole-file digest a second time.
			windowEnd := view.StartOffset() + int64(wlen)
			if err := view.Slide(int64(wlen)); err != nil {
				return finishEarly(ch, fd, stats, int(header.DigestLength))
			}
			view.SetMark(windowEnd)
			if view.WindowLength() < int64(blockLen) {
				if err := view.Fill(int64(blockLen) - view.WindowLength()); err != nil {
					break
				}
			}
			if view.WindowLength() == 0 {
				break
			}
			rolling = rollsum.Compute(view.Bytes(), 0, int(view.WindowLength()))
			strongValid = false
			continue
		}

		// No match at this position: slide by one byte and update the
		// rolling sum incrementally instead of recomputing it. Near EOF
		// the window can shrink instead of gaining a fresh trailing
		// byte (Slide has nothing left to refill with); folding in
		// newWindow's last byte unconditionally would then double-count
		// a byte already resident in the window, so Add only runs when
		// the window is still full afterward.
		window := view.Bytes()
		leaving := window[0]
		oldLen := len(window)
		if err := view.Slide(1); err != nil {
			break
		}
		newWindow := view.Bytes()
		rolling = rollsum.Subtract(rolling, oldLen, leaving)
		if len(newWindow) == blockLen {
			rolling = rollsum.Add(rolling, newWindow[len(newWindow)-1])
		}
		strongValid = false

		// Bound memory: once the pending literal run reaches a full
		// chunk, flush it and let the mark catch up to the cursor.
		if view.StartOffset()-view.MarkOffset() >= literalChunkSize {
			pending := view.MarkedBytes()
			if err := sendLiteralChunked(ch, pending, fd, &stats); err != nil {
				return nil, stats, err
			}
			view.SetMark(view.StartOffset())
		}
	}

	tail := view.MarkedBytes()
	remainder := view.Bytes()
	tail = append(append([]byte(nil), tail...), remainder...)
	if len(tail) > 0 {
		if err := sendLiteralChunked(ch, tail, fd, &stats); err != nil {
			return nil, stats, err
		}
	}

	if err := ch.PutInt(0); err != nil {
		return nil, stats, err
	}
	return fd.Sum(int(header.DigestLength)), stats, nil
}

func finishEarly(ch *duplex.Channel, fd *strongsum.FileDigest, stats Stats, digestLen int) ([]byte, Stats, error) {
	if err := ch.PutInt(0); err != nil {
		return nil, stats, err
	}
	return fd.Sum(digestLen), stats, nil
}

func putLiteralToken(ch *duplex.Channel, data []byte) error {
	if err := ch.PutInt(int32(len(data))); err != nil {
		return err
	}
	return ch.Put(data)
}

func sendLiteralChunked(ch *duplex.Channel, data []byte, fd *strongsum.FileDigest, stats *Stats) error {
	for len(data) > 0 {
		n := len(data)
		if n > literalChunkSize {
			n = literalChunkSize
		}
		if err := putLiteralToken(ch, data[:n]); err != nil {
			return err
		}
		fd.Write(data[:n])
		stats.LiteralBytes += int64(n)
		data = data[n:]
	}
	return nil
}
