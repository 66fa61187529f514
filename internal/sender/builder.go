package sender

import (
	"io"
	"log/slog"

	"github.com/sendside/sendside/internal/duplex"
	"github.com/sendside/sendside/internal/event"
)

// FileSelection controls how root paths are expanded.
type FileSelection int

const (
	Exact FileSelection = iota
	Recurse
)

// Builder assembles a Sender the way the source's own Builder does:
// a handful of required constructor arguments plus fluent optional
// setters, with server and client roles differing only in which
// optional behaviors default on.
type Builder struct {
	rw            io.ReadWriter
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

	bandwidthLimit int
	logger         *slog.Logger
	events         chan<- event.Event
}

func newBuilder(rw io.ReadWriter, roots []string, checksumSeed []byte) *Builder {
	return &Builder{
		rw:             rw,
		roots:          roots,
		checksumSeed:   checksumSeed,
		fileSelection:  Exact,
		charset:        "utf-8",
		isSafeFileList: true,
		isInterruptible: true,
	}
}

// NewServer returns a Builder with the server-profile defaults: it
// expects filter rules from the peer and reports statistics at the end
// of the run.
func NewServer(rw io.ReadWriter, roots []string, checksumSeed []byte) *Builder {
	b := newBuilder(rw, roots, checksumSeed)
	b.isReceiveFilterRules = true
	b.isSendStatistics = true
	b.isExitEarlyIfEmpty = true
	return b
}

// NewClient returns a Builder with the client-profile defaults: no
// filter-rule exchange, no statistics report, and it drains the peer's
// remaining messages after the final DONE before returning.
func NewClient(rw io.ReadWriter, roots []string, checksumSeed []byte) *Builder {
	b := newBuilder(rw, roots, checksumSeed)
	b.isExitAfterEOF = true
	return b
}

func (b *Builder) FileSelection(fs FileSelection) *Builder { b.fileSelection = fs; return b }
func (b *Builder) PreserveUser(v bool) *Builder            { b.preserveUser = v; return b }
func (b *Builder) Charset(cs string) *Builder               { b.charset = cs; return b }
func (b *Builder) IsSafeFileList(v bool) *Builder           { b.isSafeFileList = v; return b }
func (b *Builder) IsInterruptible(v bool) *Builder          { b.isInterruptible = v; return b }
func (b *Builder) IsExitEarlyIfEmptyList(v bool) *Builder   { b.isExitEarlyIfEmpty = v; return b }
func (b *Builder) IsSendStatistics(v bool) *Builder         { b.isSendStatistics = v; return b }
func (b *Builder) BandwidthLimit(bytesPerSec int) *Builder  { b.bandwidthLimit = bytesPerSec; return b }
func (b *Builder) Logger(l *slog.Logger) *Builder           { b.logger = l; return b }

// Events registers a channel the driver publishes progress events to,
// best-effort: a send that would block is dropped rather than stalling
// the transfer loop, so a slow or absent consumer never backpressures
// the protocol itself.
func (b *Builder) Events(ch chan<- event.Event) *Builder { b.events = ch; return b }

// Build assembles the Sender. The duplex channel's OOB handler is wired
// here so it can close over the Sender's ioError accumulator and logger
// before the first Get/Put ever runs.
func (b *Builder) Build() *Sender {
	s := &Sender{
		roots:                 b.roots,
		checksumSeed:          b.checksumSeed,
		fileSelection:         b.fileSelection,
		preserveUser:          b.preserveUser,
		charset:               b.charset,
		isReceiveFilterRules:  b.isReceiveFilterRules,
		isSendStatistics:      b.isSendStatistics,
		isExitEarlyIfEmpty:    b.isExitEarlyIfEmpty,
		isExitAfterEOF:        b.isExitAfterEOF,
		isSafeFileList:        b.isSafeFileList,
		isInterruptible:       b.isInterruptible,
		logger:                b.logger,
		events:                b.events,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.ch = duplex.New(b.rw, s.handleOOB)
	if b.bandwidthLimit > 0 {
		s.ch.SetBandwidthLimit(b.bandwidthLimit)
	}
	return s
}
