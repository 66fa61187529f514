// Package filelist holds the sender's catalogue of discovered entries:
// FileInfo records grouped into append-only, densely-indexed segments,
// with directories tracked as stubs until expanded.
package filelist

import "fmt"

// Kind classifies a FileInfo's filesystem type.
type Kind int

const (
	Regular Kind = iota
	Directory
	Symlink
	Other
)

// Owner carries a file's uid and, when known, the human-readable name.
type Owner struct {
	UID  uint32
	Name string
}

// FileInfo is an immutable catalogue entry: the local path it was
// discovered at, the receiver-relative name bytes in the negotiated
// encoding, and its parsed attributes.
type FileInfo struct {
	LocalPath string
	NameBytes []byte
	Kind      Kind
	Size      int64
	ModTime   int64 // whole seconds
	Mode      uint32
	Owner     Owner
}

// IsDotDir reports whether this entry represents a directory's own
// entry within itself (receiver-relative name exactly ".").
func (fi FileInfo) IsDotDir() bool {
	return fi.Kind == Directory && string(fi.NameBytes) == "."
}

// Segment holds a dense, append-only batch of FileInfo keyed by global
// index, plus the parent segment's directory index (none for the
// initial segment) and, for a segment still awaiting content, its own
// directory index within itself.
type Segment struct {
	startIndex int
	entries    map[int]FileInfo
	order      []int // insertion order, for serialisation
	dirIndex   int   // index of this segment's own directory entry, -1 if none
	parentDir  int   // global index of parent dir entry, -1 for the root segment
	expanded   bool  // false while the segment is a stub awaiting children
	stubSeq    int   // wire stub-reference number, assigned by BeginExpand
}

// DirIndex returns the global index of the segment's own directory
// entry, or -1 if this segment has none (e.g. the dot-less root).
func (s *Segment) DirIndex() int { return s.dirIndex }

// IsStub reports whether this segment is a directory awaiting
// expansion (no children added yet).
func (s *Segment) IsStub() bool { return !s.expanded }

// IsFinished reports whether every entry has been removed, meaning the
// receiver has acknowledged or the sender has dropped all of them.
func (s *Segment) IsFinished() bool { return len(s.entries) == 0 }

// Get looks up an entry by global index.
func (s *Segment) Get(idx int) (FileInfo, bool) {
	fi, ok := s.entries[idx]
	return fi, ok
}

// Remove deletes an entry once the receiver is done with it.
func (s *Segment) Remove(idx int) {
	delete(s.entries, idx)
}

// Entries returns the segment's live entries in insertion order,
// paired with their global index.
func (s *Segment) Entries() []IndexedEntry {
	out := make([]IndexedEntry, 0, len(s.order))
	for _, idx := range s.order {
		if fi, ok := s.entries[idx]; ok {
			out = append(out, IndexedEntry{Index: idx, Info: fi})
		}
	}
	return out
}

// IndexedEntry pairs a FileInfo with its global index.
type IndexedEntry struct {
	Index int
	Info  FileInfo
}

// Builder accumulates entries for a not-yet-installed segment,
// preserving insertion order the way the serialiser requires.
type Builder struct {
	parentDir int
	entries   []FileInfo
	dirAt     int // position within entries that is the segment's own dir, -1 if none
}

// NewBuilder starts a segment builder whose entries will be the
// children of parentDir (-1 for the initial/root segment).
func NewBuilder(parentDir int) *Builder {
	return &Builder{parentDir: parentDir, dirAt: -1}
}

// Add appends fi to the segment under construction.
func (b *Builder) Add(fi FileInfo) {
	if fi.IsDotDir() {
		b.dirAt = len(b.entries)
	}
	b.entries = append(b.entries, fi)
}

// Len reports how many entries have been added so far.
func (b *Builder) Len() int { return len(b.entries) }

// List is the append-only, segment-oriented catalogue. Indices are
// allocated monotonically and never reused.
type List struct {
	segments  []*Segment
	nextIndex int
	stubSeq   int // next stub-reference number to hand out, FIFO over BeginExpand calls
}

// New returns an empty file list.
func New() *List { return &List{} }

// NewSegment installs a segment built from b, assigning it the next
// available dense index range, and returns the installed segment plus
// its first global index.
func (l *List) NewSegment(b *Builder) (*Segment, int) {
	first := l.nextIndex
	seg := &Segment{
		startIndex: first,
		entries:    make(map[int]FileInfo, len(b.entries)),
		order:      make([]int, len(b.entries)),
		dirIndex:   -1,
		parentDir:  b.parentDir,
		expanded:   true,
	}
	for i, fi := range b.entries {
		idx := first + i
		seg.entries[idx] = fi
		seg.order[i] = idx
		if i == b.dirAt {
			seg.dirIndex = idx
		}
	}
	l.nextIndex += len(b.entries)
	l.segments = append(l.segments, seg)
	return seg, first
}

// NewStub installs an empty stub segment for the directory entry at
// global index parentDir, awaiting expansion. No index is allocated
// until Expand installs its children.
func (l *List) NewStub(parentDir int) *Segment {
	seg := &Segment{
		startIndex: l.nextIndex,
		entries:    make(map[int]FileInfo),
		dirIndex:   -1,
		parentDir:  parentDir,
		expanded:   false,
		stubSeq:    -1,
	}
	l.segments = append(l.segments, seg)
	return seg
}

// Expand turns a stub segment into an expanded one by installing its
// children from b, assigning them the next available index range.
func (l *List) Expand(stub *Segment, b *Builder) int {
	first := l.nextIndex
	stub.startIndex = first
	stub.entries = make(map[int]FileInfo, len(b.entries))
	stub.order = make([]int, len(b.entries))
	for i, fi := range b.entries {
		idx := first + i
		stub.entries[idx] = fi
		stub.order[i] = idx
		if i == b.dirAt {
			stub.dirIndex = idx
		}
	}
	stub.expanded = true
	l.nextIndex += len(b.entries)
	return first
}

// IsExpandable reports whether any installed segment is still a stub
// awaiting expansion.
func (l *List) IsExpandable() bool {
	for _, s := range l.segments {
		if s.IsStub() {
			return true
		}
	}
	return false
}

// NextStub returns the earliest stub segment still awaiting expansion.
func (l *List) NextStub() (*Segment, bool) {
	for _, s := range l.segments {
		if s.IsStub() {
			return s, true
		}
	}
	return nil, false
}

// BeginExpand dequeues the earliest still-unexpanded stub (FIFO, the
// same order NextStub walks) and assigns it the next wire stub-reference
// number. The number comes from a counter kept separate from the dense
// file-index space — it only has to be unique among stub references, in
// discovery order, not among file indices — so sibling stubs created
// before any of them is expanded never collide.
func (l *List) BeginExpand() (*Segment, int, bool) {
	stub, ok := l.NextStub()
	if !ok {
		return nil, 0, false
	}
	segIdx := l.stubSeq
	l.stubSeq++
	stub.stubSeq = segIdx
	return stub, segIdx, true
}

// FirstSegment returns the oldest still-installed segment.
func (l *List) FirstSegment() (*Segment, bool) {
	if len(l.segments) == 0 {
		return nil, false
	}
	return l.segments[0], true
}

// DeleteFirstSegment removes the oldest segment; it is a programmer
// error to call this while that segment still has live entries.
func (l *List) DeleteFirstSegment() *Segment {
	if len(l.segments) == 0 {
		panic("filelist: DeleteFirstSegment called on empty list")
	}
	first := l.segments[0]
	if !first.IsFinished() {
		panic(fmt.Sprintf("filelist: DeleteFirstSegment called on unfinished segment (start=%d)", first.startIndex))
	}
	l.segments = l.segments[1:]
	return first
}

// SegmentCount reports how many segments remain installed.
func (l *List) SegmentCount() int { return len(l.segments) }

// InFlight reports the total number of live entries across all
// installed segments, the count the driver's flow-control discipline
// (§4.I, PARTIAL_FILE_LIST_SIZE) bounds.
func (l *List) InFlight() int {
	n := 0
	for _, s := range l.segments {
		n += len(s.entries)
	}
	return n
}

// Resolve looks up the segment and entry for globalIdx across all
// installed segments, the single helper every driver lookup goes
// through instead of repeating the null-check idiom of the source.
func (l *List) Resolve(globalIdx int) (*Segment, FileInfo, bool) {
	for _, s := range l.segments {
		if fi, ok := s.entries[globalIdx]; ok {
			return s, fi, true
		}
	}
	return nil, FileInfo{}, false
}

// GetStubDirectory returns the stub segment whose wire stub-reference
// number (assigned by BeginExpand) is segIdx, or false if none matches.
func (l *List) GetStubDirectory(segIdx int) (*Segment, bool) {
	for _, s := range l.segments {
		if s.IsStub() && s.stubSeq == segIdx {
			return s, true
		}
	}
	return nil, false
}

// StartIndex exposes the segment's dense range start, used to encode
// stub references on the wire.
func (s *Segment) StartIndex() int { return s.startIndex }

// ParentDir returns the global index of the directory entry this
// segment expands, or -1 for a root segment.
func (s *Segment) ParentDir() int { return s.parentDir }
