// Package sender implements the top-level state machine that
// coordinates file-list expansion, per-file transfer, and teardown: the
// sending side of the wire protocol described by the surrounding
// packages (wire, rollsum, strongsum, duplex, fileview, filelist,
// flistcodec, delta).
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendside/sendside/internal/delta"
	"github.com/sendside/sendside/internal/duplex"
	"github.com/sendside/sendside/internal/errs"
	"github.com/sendside/sendside/internal/event"
	"github.com/sendside/sendside/internal/fileview"
	"github.com/sendside/sendside/internal/filelist"
	"github.com/sendside/sendside/internal/filterset"
	"github.com/sendside/sendside/internal/flistcodec"
	"github.com/sendside/sendside/internal/ioerror"
	"github.com/sendside/sendside/internal/strongsum"
	"github.com/sendside/sendside/internal/wire"
)

// literalWindow is the file view's buffer headroom above one basis
// block. It equals internal/delta's own literalChunkSize, the delta
// engine's periodic literal-run flush threshold: keeping the two in step
// is what makes the view's bounded-memory guarantee (§4.E) actually
// bounded.
const literalWindow = 8192

// partialFileListSize is §4.F's in-flight cap: the receiver's queue
// never holds more than this many not-yet-acknowledged entries.
const partialFileListSize = 1024

// Sender is the sending side of the wire protocol: a single-threaded
// state machine driven entirely by blocking reads on ch, exactly as
// §5 mandates (no worker goroutines in the core).
type Sender struct {
	ch            *duplex.Channel
	roots         []string
	checksumSeed  []byte
	fileSelection FileSelection
	preserveUser  bool
	charset       string

	isReceiveFilterRules bool
	isSendStatistics     bool
	isExitEarlyIfEmpty   bool
	isExitAfterEOF       bool
	isSafeFileList       bool
	isInterruptible      bool

	logger *slog.Logger
	events chan<- event.Event

	list              *filelist.List
	enc               *flistcodec.Encoder
	cachedSegment     *filelist.Segment
	transmitted       map[int]bool
	phase             ConnectionPhase
	ioError           ioerror.Set
	listOK            bool
	eofSent           bool
	rootDirs          map[int]bool      // global indices of entries created directly from user roots
	seenUsers         map[uint32]string // uid->name observed while building the file list, for the batch user list
	segmentsInstalled int
	transferStart     time.Time

	stats Statistics
}

// Statistics returns the run's final counters, valid regardless of how
// the run ended (§4.I: finalized in a guaranteed-release path).
func (s *Sender) Statistics() Statistics { return s.stats }

// emit publishes a progress event, dropping it silently if no channel
// was registered or the registered one has no room.
func (s *Sender) emit(t event.Type, path string, index int, size int64, err error) {
	if s.events == nil {
		return
	}
	ev := event.Event{Type: t, Timestamp: time.Now(), Path: path, Index: index, Size: size, Error: err}
	select {
	case s.events <- ev:
	default:
	}
}

// handleOOB reacts to inbound out-of-band frames. It runs synchronously
// on the channel's read path, strictly before the Get* call that
// triggered the read returns (§5 ordering guarantee iv).
func (s *Sender) handleOOB(msg duplex.Message) {
	switch msg.Tag {
	case duplex.TagErrorXfer:
		s.ioError.Or(ioerror.Transfer)
		s.logger.Warn("peer reported transfer error", "payload", string(msg.Payload))
		s.emit(event.IOErrorReported, "", -1, 0, fmt.Errorf("peer transfer error: %s", msg.Payload))
	case duplex.TagError:
		s.logger.Error("peer reported error", "payload", string(msg.Payload))
	case duplex.TagWarning:
		s.logger.Warn("peer warning", "payload", string(msg.Payload))
	case duplex.TagInfo, duplex.TagLog:
		s.logger.Debug("peer message", "tag", msg.Tag.String(), "payload", string(msg.Payload))
	default:
		s.logger.Debug("unhandled OOB frame", "tag", msg.Tag.String())
	}
}

// Run drives the sender to completion: startup (filter rules, initial
// expansion), the main transfer loop, and teardown. It returns true iff
// the initial file list built cleanly and no recoverable I/O errors
// accumulated over the run (§4.I's final step), alongside any fatal
// error that unwound the session early.
func (s *Sender) Run(ctx context.Context) (ok bool, err error) {
	s.list = filelist.New()
	s.enc = flistcodec.NewEncoder(s.ch, s.preserveUser)
	s.transmitted = make(map[int]bool)
	s.rootDirs = make(map[int]bool)
	s.phase = PhaseTransfer
	s.listOK = true

	defer func() {
		s.stats.TotalRead = s.ch.BytesRead()
		s.stats.TotalWritten = s.ch.BytesWritten()
	}()

	if s.isReceiveFilterRules {
		if rerr := s.receiveFilterRules(); rerr != nil {
			return false, rerr
		}
	}

	buildStart := time.Now()
	empty, err := s.initialExpand()
	if err != nil {
		return false, err
	}
	s.stats.FileListBuildTimeMs = clampMin(time.Since(buildStart).Milliseconds(), 1)

	if s.fileSelection == Exact && s.preserveUser {
		if err := s.sendUserListBatch(); err != nil {
			return false, err
		}
	}

	s.transferStart = time.Now()
	defer func() {
		s.stats.FileListTransferTimeMs = clampMin(time.Since(s.transferStart).Milliseconds(), 0)
	}()

	if empty && s.isExitEarlyIfEmpty {
		if ferr := s.ch.Flush(); ferr != nil {
			return false, ferr
		}
		if s.isExitAfterEOF {
			s.drainUntilEOF()
		}
		return s.listOK, nil
	}

	for s.phase.IsTransfer() {
		if s.isInterruptible {
			select {
			case <-ctx.Done():
				return false, errs.New(errs.Interrupted, ctx.Err())
			default:
			}
		}

		if err := s.refillSegments(); err != nil {
			return false, err
		}

		if s.fileSelection == Recurse && !s.list.IsExpandable() && !s.eofSent {
			if err := s.ch.PutIndex(wire.EOF); err != nil {
				return false, err
			}
			s.eofSent = true
		}

		idx, err := s.ch.GetIndex()
		if err != nil {
			return false, err
		}

		if err := s.handleIndex(idx); err != nil {
			return false, err
		}
	}

	return s.teardown()
}

// clampMin floors v at lo, matching §4.I's "clamped to >= 1ms / >= 0ms"
// timing discipline.
func clampMin(v, lo int64) int64 {
	if v < lo {
		return lo
	}
	return v
}

func (s *Sender) receiveFilterRules() error {
	n, err := s.ch.GetInt()
	if err != nil {
		return err
	}
	var raw []byte
	if n > 0 {
		raw, err = s.ch.Get(int(n))
		if err != nil {
			return err
		}
	}
	if rerr := filterset.Reject(raw); rerr != nil {
		return rerr
	}
	return nil
}

// resolve is the single lookup helper every driver reference to a
// global index goes through: a cache-or-scan split, checking the
// currently cached segment first (§3 SUPPLEMENTED FEATURES) before
// falling back to a full scan.
func (s *Sender) resolve(idx int) (*filelist.Segment, filelist.FileInfo, bool) {
	if s.cachedSegment != nil {
		if fi, ok := s.cachedSegment.Get(idx); ok {
			return s.cachedSegment, fi, true
		}
	}
	seg, fi, ok := s.list.Resolve(idx)
	if ok {
		s.cachedSegment = seg
	}
	return seg, fi, ok
}

// handleIndex dispatches one index read from the peer: DONE, or a
// non-negative file/dir index with its accompanying iFlags (§4.I).
func (s *Sender) handleIndex(idx int) error {
	if idx == wire.DONE {
		return s.handleDone()
	}
	if idx < 0 {
		return errs.New(errs.Protocol, fmt.Errorf("sender: unexpected negative index %d from peer", idx))
	}
	return s.handleFileIndex(idx)
}

func (s *Sender) handleDone() error {
	if s.fileSelection == Recurse {
		if seg, ok := s.list.FirstSegment(); ok && seg.IsFinished() {
			s.list.DeleteFirstSegment()
			if s.cachedSegment == seg {
				s.cachedSegment = nil
			}
		}
		if s.list.SegmentCount() > 0 {
			return s.ch.PutIndex(wire.DONE)
		}
	}
	s.phase = s.phase.advance()
	if s.phase != PhaseDone {
		return s.ch.PutIndex(wire.DONE)
	}
	return nil
}

func (s *Sender) handleFileIndex(idx int) error {
	rawFlags, err := s.ch.GetUint16()
	if err != nil {
		return err
	}
	flags := iFlags(rawFlags)
	if !flags.isValid() {
		return errs.New(errs.Protocol, fmt.Errorf("sender: unknown iFlags bits 0x%04x for index %d", rawFlags, idx))
	}

	seg, fi, ok := s.resolve(idx)
	if !ok {
		return errs.New(errs.Protocol, fmt.Errorf("sender: peer referenced unknown index %d", idx))
	}

	if !flags.wantsTransfer() {
		if idx != seg.DirIndex() {
			seg.Remove(idx)
		}
		return s.echoIndex(idx, flags)
	}

	if !s.phase.IsTearingDown() {
		return s.handleTransferRequest(seg, idx, fi, flags)
	}
	return errs.New(errs.Protocol, fmt.Errorf("sender: transfer request for index %d while tearing down", idx))
}

func (s *Sender) echoIndex(idx int, flags iFlags) error {
	if err := s.ch.PutIndex(idx); err != nil {
		return err
	}
	return s.ch.PutUint16(uint16(flags))
}

func (s *Sender) handleTransferRequest(seg *filelist.Segment, idx int, fi filelist.FileInfo, flags iFlags) error {
	if fi.Kind != filelist.Regular {
		return errs.New(errs.Protocol, fmt.Errorf("sender: transfer request for non-regular index %d", idx))
	}

	header, chunks, err := s.readChecksumHeader()
	if err != nil {
		return err
	}

	if err := s.echoIndex(idx, flags); err != nil {
		return err
	}
	if err := s.writeChecksumHeader(header); err != nil {
		return err
	}

	s.logger.Debug("file transfer requested", "index", idx, "path", string(fi.NameBytes), "size", fi.Size)
	s.emit(event.FileTransferStarted, string(fi.NameBytes), idx, fi.Size, nil)

	blockLen := literalWindow
	if !header.IsNew() {
		blockLen = int(header.BlockLength)
	}
	view, openErr := fileview.Open(fi.LocalPath, fi.Size, blockLen, literalWindow)
	if openErr != nil {
		if errors.Is(openErr, fileview.ErrNotFound) {
			s.ioError.Or(ioerror.Vanished)
		} else {
			s.ioError.Or(ioerror.General)
		}
		s.logger.Warn("file vanished or unreadable, sending NO_SEND", "index", idx, "path", fi.LocalPath, "error", openErr)
		s.emit(event.FileVanished, string(fi.NameBytes), idx, fi.Size, openErr)
		seg.Remove(idx)
		return s.ch.PutOOB(duplex.TagNoSend, wire.EncodeInt(int32(idx)))
	}

	digest, dstats, sendErr := delta.Send(s.ch, view, header, chunks, s.checksumSeed)
	closeErr := view.Close()
	if sendErr != nil {
		return sendErr
	}

	if closeErr != nil {
		strongsum.Corrupt(digest)
		s.logger.Warn("read error discovered at close, sending corrupted digest to force redrive", "index", idx, "path", fi.LocalPath, "error", closeErr)
	}

	if err := s.ch.Put(digest); err != nil {
		return err
	}

	s.transmitted[idx] = true
	s.stats.NumTransferredFiles++
	s.stats.TotalTransferredSize += fi.Size
	s.stats.TotalLiteralBytes += dstats.LiteralBytes
	s.stats.TotalMatchedBytes += dstats.MatchedBytes
	seg.Remove(idx)
	s.emit(event.FileTransferDone, string(fi.NameBytes), idx, fi.Size, nil)
	return nil
}

func (s *Sender) readChecksumHeader() (delta.Header, []delta.Chunk, error) {
	chunkCount, err := s.ch.GetInt()
	if err != nil {
		return delta.Header{}, nil, err
	}
	blockLength, err := s.ch.GetInt()
	if err != nil {
		return delta.Header{}, nil, err
	}
	digestLength, err := s.ch.GetInt()
	if err != nil {
		return delta.Header{}, nil, err
	}
	remainder, err := s.ch.GetInt()
	if err != nil {
		return delta.Header{}, nil, err
	}
	header := delta.Header{
		ChunkCount:   chunkCount,
		BlockLength:  blockLength,
		DigestLength: digestLength,
		Remainder:    remainder,
	}

	chunks := make([]delta.Chunk, 0, chunkCount)
	for i := 0; i < int(chunkCount); i++ {
		weak, werr := s.ch.GetInt()
		if werr != nil {
			return delta.Header{}, nil, werr
		}
		strong, serr := s.ch.Get(int(digestLength))
		if serr != nil {
			return delta.Header{}, nil, serr
		}
		chunks = append(chunks, delta.Chunk{Index: i, Weak: uint32(weak), Strong: strong})
	}
	return header, chunks, nil
}

func (s *Sender) writeChecksumHeader(h delta.Header) error {
	for _, v := range []int32{h.ChunkCount, h.BlockLength, h.DigestLength, h.Remainder} {
		if err := s.ch.PutInt(v); err != nil {
			return err
		}
	}
	return nil
}

// teardown implements §4.I's post-loop sequence: report any
// accumulated I/O error, exchange a final DONE, optionally report
// statistics, and (client role) drain the peer's remaining messages.
func (s *Sender) teardown() (bool, error) {
	// sendStatistics below reads these counters, so they must be current
	// now rather than left to the deferred finalizers in Run, which only
	// run after teardown itself returns.
	s.stats.TotalRead = s.ch.BytesRead()
	s.stats.TotalWritten = s.ch.BytesWritten()
	s.stats.FileListTransferTimeMs = clampMin(time.Since(s.transferStart).Milliseconds(), 0)

	if !s.ioError.IsZero() {
		if err := s.ch.PutOOB(duplex.TagIOError, wire.EncodeInt(int32(s.ioError))); err != nil {
			return false, err
		}
	}
	if err := s.ch.PutIndex(wire.DONE); err != nil {
		return false, err
	}
	if s.isSendStatistics {
		if err := s.sendStatistics(); err != nil {
			return false, err
		}
	}

	idx, err := s.ch.GetIndex()
	if err != nil {
		return false, err
	}
	if idx != wire.DONE {
		return false, errs.New(errs.Protocol, fmt.Errorf("sender: expected final DONE, got index %d", idx))
	}

	if s.isExitAfterEOF {
		s.drainUntilEOF()
	}

	s.emit(event.TeardownComplete, "", -1, s.stats.TotalTransferredSize, nil)
	return s.listOK && s.ioError.IsZero(), nil
}

func (s *Sender) sendStatistics() error {
	vals := []int64{
		s.stats.TotalRead,
		s.stats.TotalWritten,
		s.stats.TotalFileSize,
		s.stats.FileListBuildTimeMs,
		s.stats.FileListTransferTimeMs,
	}
	for _, v := range vals {
		if err := s.ch.PutLong(v, 3); err != nil {
			return err
		}
	}
	return nil
}

// drainUntilEOF reads until the transport closes, so the peer's
// trailing messages (and the guarantee that nothing further arrives)
// are observed before the client role returns. A successful read here
// would itself be a protocol violation (§9): nothing should follow the
// final DONE round-trip.
func (s *Sender) drainUntilEOF() {
	for {
		if _, err := s.ch.Get(1); err != nil {
			if errs.Is(err, errs.ChannelEOF) {
				return
			}
			s.logger.Debug("drain after teardown ended with error", "error", err)
			return
		}
		s.logger.Warn("unexpected byte received after final DONE round-trip")
	}
}
