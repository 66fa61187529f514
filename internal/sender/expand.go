package sender

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sendside/sendside/internal/event"
	"github.com/sendside/sendside/internal/filelist"
	"github.com/sendside/sendside/internal/ioerror"
	"github.com/sendside/sendside/internal/wire"
)

// isUTF8Charset reports whether the negotiated charset is UTF-8, the
// only encoding this revision can actually validate pathname bytes
// against (§6: "a character encoding ... for pathnames"; the handshake
// that negotiates anything else is an external collaborator, §1).
func isUTF8Charset(charset string) bool {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
		return true
	default:
		return false
	}
}

// validEncoding reports whether name round-trips through the
// negotiated charset (§3's FileInfo invariant). An invalid pathname is
// dropped rather than sent, per §7's ENCODING error kind.
func (s *Sender) validEncoding(name []byte) bool {
	if !isUTF8Charset(s.charset) {
		return true
	}
	return utf8.Valid(name)
}

// isDotDirRoot reports whether root names a directory's own contents
// rather than the directory itself — the classic rsync "copy the
// contents of dir, not dir" request, spelled "dir/." or bare ".".
func isDotDirRoot(root string) bool {
	return root == "." || strings.HasSuffix(root, "/.")
}

func dotDirBase(root string) string {
	if root == "." {
		return "."
	}
	return strings.TrimSuffix(root, "/.")
}

// initialExpand builds and sends the initial segment from the
// configured roots (§4.I step 2). It returns whether the resulting
// segment is empty, for the exitEarlyIfEmptyList fast path.
func (s *Sender) initialExpand() (bool, error) {
	b := filelist.NewBuilder(-1)
	s.seenUsers = make(map[uint32]string)

	var topLevel, stubPositions []int

	for _, root := range s.roots {
		dot := isDotDirRoot(root)
		statPath := root
		name := filepath.Base(strings.TrimRight(root, "/"))
		if dot {
			statPath = dotDirBase(root)
			name = "."
		}

		fi, err := filelist.Stat(statPath, []byte(name), s.preserveUser)
		if err != nil {
			s.ioError.Or(ioerror.General)
			s.listOK = false
			s.logger.Warn("failed to stat root", "root", root, "error", err)
			s.emit(event.IOErrorReported, root, -1, 0, err)
			continue
		}
		if !s.validEncoding(fi.NameBytes) {
			s.listOK = false
			s.logger.Warn("root pathname does not round-trip through the negotiated charset, dropping", "root", root, "charset", s.charset)
			continue
		}

		switch {
		case fi.Kind == filelist.Directory && dot:
			b.Add(fi)
			topLevel = append(topLevel, b.Len()-1)
			children, cerr := s.statChildren(statPath)
			if cerr != nil {
				s.ioError.Or(ioerror.General)
				s.listOK = false
				s.logger.Warn("failed to expand dot-dir root", "root", root, "error", cerr)
				continue
			}
			for _, cfi := range children {
				b.Add(cfi)
				if cfi.Kind == filelist.Directory && s.fileSelection == Recurse {
					stubPositions = append(stubPositions, b.Len()-1)
				}
			}
			// A dot-dir's children are expanded inline, as if this were
			// already a completed expansion step (§3 SUPPLEMENTED
			// FEATURES): no stub is created for the dot-dir itself.
		case fi.Kind == filelist.Directory && !dot:
			if s.fileSelection == Exact {
				s.logger.Info("skipping directory root in non-recursive mode", "root", root)
				continue
			}
			b.Add(fi)
			pos := b.Len() - 1
			topLevel = append(topLevel, pos)
			stubPositions = append(stubPositions, pos)
		default:
			b.Add(fi)
			topLevel = append(topLevel, b.Len()-1)
		}
	}

	empty := b.Len() == 0
	seg, first := s.list.NewSegment(b)
	s.segmentsInstalled++

	for _, pos := range topLevel {
		s.rootDirs[first+pos] = true
	}
	for _, pos := range stubPositions {
		s.list.NewStub(first + pos)
	}

	before := s.ch.BytesWritten()
	for _, e := range seg.Entries() {
		if err := s.enc.EncodeEntry(e.Index, e.Info, s.rootDirs[e.Index]); err != nil {
			return false, err
		}
		s.noteEntry(e.Info)
	}

	if err := s.enc.EncodeSegmentDone(); err != nil {
		return false, err
	}
	s.stats.TotalFileListBytes += s.ch.BytesWritten() - before
	s.emit(event.SegmentSent, "", first, int64(len(seg.Entries())), nil)
	return empty, nil
}

// expandNextSegment pops the earliest stub directory, stats its
// children, installs them as a new segment, and sends the negative
// stub-reference index followed by the children's metadata and a
// terminator (§4.I's refill discipline).
func (s *Sender) expandNextSegment() error {
	stub, segIdx, ok := s.list.BeginExpand()
	if !ok {
		return nil
	}

	parentIdx := stub.ParentDir()
	_, parentFI, ok := s.resolve(parentIdx)
	if !ok {
		return fmt.Errorf("sender: stub segment has unknown parent index %d", parentIdx)
	}

	b := filelist.NewBuilder(parentIdx)
	dotFI := parentFI
	dotFI.NameBytes = []byte(".")
	b.Add(dotFI)

	children, rerr := s.statChildren(parentFI.LocalPath)
	if rerr != nil {
		s.ioError.Or(ioerror.General)
		s.logger.Warn("failed to expand directory", "path", parentFI.LocalPath, "error", rerr)
	}

	var stubPositions []int
	for _, cfi := range children {
		b.Add(cfi)
		if cfi.Kind == filelist.Directory && s.fileSelection == Recurse {
			stubPositions = append(stubPositions, b.Len()-1)
		}
	}

	first := s.list.Expand(stub, b)
	s.segmentsInstalled++
	for _, pos := range stubPositions {
		s.list.NewStub(first + pos)
	}

	if err := s.ch.PutIndex(wire.EncodeStubReference(segIdx)); err != nil {
		return err
	}
	before := s.ch.BytesWritten()
	for _, e := range stub.Entries() {
		if err := s.enc.EncodeEntry(e.Index, e.Info, false); err != nil {
			return err
		}
		s.noteEntry(e.Info)
	}

	var termErr error
	if rerr != nil && s.isSafeFileList {
		termErr = s.enc.EncodeErrorEndList(s.ioError)
	} else {
		termErr = s.enc.EncodeSegmentDone()
	}
	s.stats.TotalFileListBytes += s.ch.BytesWritten() - before
	s.emit(event.SegmentSent, "", first, int64(len(stub.Entries())), nil)
	return termErr
}

func (s *Sender) noteEntry(fi filelist.FileInfo) {
	s.stats.NumFiles++
	s.stats.TotalFileSize += fi.Size
	if s.preserveUser && fi.Owner.Name != "" {
		s.seenUsers[fi.Owner.UID] = fi.Owner.Name
	}
}

// statChildren lstats the immediate children of dirPath, the building
// block both the dot-dir inline expansion and ordinary stub expansion
// share.
func (s *Sender) statChildren(dirPath string) ([]filelist.FileInfo, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}
	out := make([]filelist.FileInfo, 0, len(entries))
	for _, e := range entries {
		childPath := filepath.Join(dirPath, e.Name())
		fi, serr := filelist.Stat(childPath, []byte(e.Name()), s.preserveUser)
		if serr != nil {
			s.ioError.Or(ioerror.General)
			s.logger.Warn("failed to stat directory entry", "path", childPath, "error", serr)
			continue
		}
		if !s.validEncoding(fi.NameBytes) {
			s.listOK = false
			s.logger.Warn("pathname does not round-trip through the negotiated charset, dropping", "path", childPath, "charset", s.charset)
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}

// sendUserListBatch emits the non-recursive-mode batch user list
// (§4.G): every distinct non-root uid→name mapping observed while
// building the (single, non-expandable) initial segment, terminated by a
// zero uid. Root (uid 0) is left out, since its uid is the terminator.
func (s *Sender) sendUserListBatch() error {
	for uid, name := range s.seenUsers {
		if uid == 0 {
			continue
		}
		if err := s.enc.EncodeUserListEntry(uid, name); err != nil {
			return err
		}
	}
	return s.enc.EncodeUserListEnd()
}

// refillSegments implements §4.I's refill discipline: expand further
// stub directories while the receiver's in-flight queue has headroom,
// always expanding at least one segment per call once it decides to
// refill at all (§3 SUPPLEMENTED FEATURES' flow-control floor).
func (s *Sender) refillSegments() error {
	if !s.list.IsExpandable() {
		return nil
	}
	if s.segmentsInstalled > 1 && s.list.InFlight() >= partialFileListSize/2 {
		return nil
	}
	for {
		if err := s.expandNextSegment(); err != nil {
			return err
		}
		if !s.list.IsExpandable() || s.list.InFlight() >= partialFileListSize {
			return nil
		}
	}
}
