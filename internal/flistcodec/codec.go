package flistcodec

import (
	"fmt"

	"github.com/sendside/sendside/internal/duplex"
	"github.com/sendside/sendside/internal/errs"
	"github.com/sendside/sendside/internal/filelist"
	"github.com/sendside/sendside/internal/ioerror"
)

const maxPrefixLen = 255

// Encoder serialises FileInfo entries onto a duplex channel, tracking
// the previous entry's fields so it can emit the repeated-field flags
// and elided name prefix.
type Encoder struct {
	ch           *duplex.Channel
	cache        filelist.InfoCache
	preserveUser bool
	knownUsers   map[uint32]bool // uids the peer has already seen a name for
}

// NewEncoder returns an encoder writing to ch.
func NewEncoder(ch *duplex.Channel, preserveUser bool) *Encoder {
	return &Encoder{ch: ch, preserveUser: preserveUser, knownUsers: make(map[uint32]bool)}
}

func computeFlags(cur filelist.FileInfo, prefixLen int, suffixLen int, sameMode, sameUID, sameTime, userNameFollows, topDir bool) Flags {
	var f Flags
	if prefixLen > 0 {
		f |= SameName
	}
	if sameMode {
		f |= SameMode
	}
	if sameUID {
		f |= SameUID
	}
	if sameTime {
		f |= SameTime
	}
	if suffixLen > maxPrefixLen {
		f |= LongName
	}
	if topDir {
		f |= TopDir
	}
	if userNameFollows {
		f |= UserNameFollows
	}
	if f&0xFF == terminatorByte {
		f |= ExtendedFlags
	}
	return f
}

func commonPrefixLen(prev, cur []byte) int {
	n := len(prev)
	if len(cur) < n {
		n = len(cur)
	}
	if n > maxPrefixLen {
		n = maxPrefixLen
	}
	i := 0
	for i < n && prev[i] == cur[i] {
		i++
	}
	return i
}

// EncodeEntry writes idx/fi's metadata frame. topDir marks an entry
// created directly from a user-supplied root, whether file or directory.
func (e *Encoder) EncodeEntry(idx int, fi filelist.FileInfo, topDir bool) error {
	prevMode, prevUID, prevMtime, prevName, hasPrev := e.cache.Prev()
	sameMode := hasPrev && prevMode == fi.Mode
	sameUID := hasPrev && prevUID == fi.Owner.UID
	sameTime := hasPrev && prevMtime == fi.ModTime

	prefixLen := 0
	if hasPrev {
		prefixLen = commonPrefixLen(prevName, fi.NameBytes)
	}
	suffix := fi.NameBytes[prefixLen:]

	userNameFollows := e.preserveUser && !sameUID && fi.Owner.Name != "" && !e.knownUsers[fi.Owner.UID]

	flags := computeFlags(fi, prefixLen, len(suffix), sameMode, sameUID, sameTime, userNameFollows, topDir)

	if err := e.ch.PutByte(byte(flags & 0xFF)); err != nil {
		return err
	}
	if flags&ExtendedFlags != 0 {
		if err := e.ch.PutByte(byte(flags >> 8)); err != nil {
			return err
		}
	}

	if flags&SameName != 0 {
		if err := e.ch.PutByte(byte(prefixLen)); err != nil {
			return err
		}
	}
	if flags&LongName != 0 {
		if err := e.ch.PutInt(int32(len(suffix))); err != nil {
			return err
		}
	} else {
		if err := e.ch.PutByte(byte(len(suffix))); err != nil {
			return err
		}
	}
	if err := e.ch.Put(suffix); err != nil {
		return err
	}

	if err := e.ch.PutLong(fi.Size, 3); err != nil {
		return err
	}
	if flags&SameTime == 0 {
		if err := e.ch.PutLong(fi.ModTime, 4); err != nil {
			return err
		}
	}
	if flags&SameMode == 0 {
		if err := e.ch.PutInt(int32(fi.Mode)); err != nil {
			return err
		}
	}
	if e.preserveUser && flags&SameUID == 0 {
		if err := e.ch.PutInt(int32(fi.Owner.UID)); err != nil {
			return err
		}
		if flags&UserNameFollows != 0 {
			nameBytes := []byte(fi.Owner.Name)
			if len(nameBytes) > 255 {
				panic(fmt.Sprintf("flistcodec: user name %q exceeds 255 bytes, a programmer error upstream", fi.Owner.Name))
			}
			if err := e.ch.PutByte(byte(len(nameBytes))); err != nil {
				return err
			}
			if err := e.ch.Put(nameBytes); err != nil {
				return err
			}
			e.knownUsers[fi.Owner.UID] = true
		}
	}

	e.cache.Update(fi)
	return nil
}

// EncodeSegmentDone writes the success terminator: a single 0 byte.
func (e *Encoder) EncodeSegmentDone() error {
	return e.ch.PutByte(terminatorByte)
}

// EncodeErrorEndList writes the error-end-list terminator in place of
// a success terminator, used when safeFileList is enabled and
// expanding a directory failed.
func (e *Encoder) EncodeErrorEndList(kind ioerror.Set) error {
	flags := ExtendedFlags | IOErrorEndList
	if err := e.ch.PutByte(byte(flags & 0xFF)); err != nil {
		return err
	}
	if err := e.ch.PutByte(byte(flags >> 8)); err != nil {
		return err
	}
	return e.ch.PutInt(int32(kind))
}

// EncodeUserListEntry writes one (uid, name) pair of the batch user
// list sent after the initial segment in non-recursive mode.
func (e *Encoder) EncodeUserListEntry(uid uint32, name string) error {
	if err := e.ch.PutInt(int32(uid)); err != nil {
		return err
	}
	nameBytes := []byte(name)
	if len(nameBytes) > 255 {
		panic(fmt.Sprintf("flistcodec: user name %q exceeds 255 bytes, a programmer error upstream", name))
	}
	if err := e.ch.PutByte(byte(len(nameBytes))); err != nil {
		return err
	}
	return e.ch.Put(nameBytes)
}

// EncodeUserListEnd terminates the batch user list.
func (e *Encoder) EncodeUserListEnd() error {
	return e.ch.PutInt(0)
}

// Decoder is the receiver-side counterpart, used only by tests (this
// package's and the sender driver's) to validate the encoder's output
// (the sender core never decodes its own file list in production).
type Decoder struct {
	ch           *duplex.Channel
	preserveUser bool
	prevName     []byte
	hasPrev      bool
	prevMode     uint32
	prevUID      uint32
	prevMtime    int64
}

// NewDecoder returns a decoder reading from ch.
func NewDecoder(ch *duplex.Channel, preserveUser bool) *Decoder {
	return &Decoder{ch: ch, preserveUser: preserveUser}
}

// DecodedEntry is the result of decoding one non-terminator frame.
type DecodedEntry struct {
	NameBytes []byte
	Size      int64
	ModTime   int64
	Mode      uint32
	UID       uint32
	TopDir    bool
}

// ErrSegmentDone sentinels a successful terminator; ErrEndListError
// sentinels the error-end-list terminator with its carried Set.
type ErrSegmentDone struct{}

func (ErrSegmentDone) Error() string { return "flistcodec: segment done" }

type ErrEndListError struct{ Kind ioerror.Set }

func (e ErrEndListError) Error() string { return fmt.Sprintf("flistcodec: error end list: %v", e.Kind) }

// DecodeEntry reads the next frame: either a DecodedEntry, or one of
// the two terminator sentinels as an error.
func (d *Decoder) DecodeEntry() (DecodedEntry, error) {
	lowB, err := d.ch.GetByte()
	if err != nil {
		return DecodedEntry{}, err
	}
	flags := Flags(lowB)
	if lowB == terminatorByte {
		return DecodedEntry{}, ErrSegmentDone{}
	}
	if flags&ExtendedFlags != 0 {
		highB, err := d.ch.GetByte()
		if err != nil {
			return DecodedEntry{}, err
		}
		flags |= Flags(highB) << 8
	}
	if flags&IOErrorEndList != 0 {
		kind, err := d.ch.GetInt()
		if err != nil {
			return DecodedEntry{}, err
		}
		return DecodedEntry{}, ErrEndListError{Kind: ioerror.Set(kind)}
	}

	prefixLen := 0
	if flags&SameName != 0 {
		b, err := d.ch.GetByte()
		if err != nil {
			return DecodedEntry{}, err
		}
		prefixLen = int(b)
	}

	var suffixLen int
	if flags&LongName != 0 {
		v, err := d.ch.GetInt()
		if err != nil {
			return DecodedEntry{}, err
		}
		suffixLen = int(v)
	} else {
		b, err := d.ch.GetByte()
		if err != nil {
			return DecodedEntry{}, err
		}
		suffixLen = int(b)
	}
	suffix, err := d.ch.Get(suffixLen)
	if err != nil {
		return DecodedEntry{}, err
	}

	name := make([]byte, prefixLen+suffixLen)
	if prefixLen > 0 {
		if prefixLen > len(d.prevName) {
			return DecodedEntry{}, errs.New(errs.Protocol, fmt.Errorf("flistcodec: prefix length %d exceeds previous name", prefixLen))
		}
		copy(name, d.prevName[:prefixLen])
	}
	copy(name[prefixLen:], suffix)

	size, err := d.ch.GetLong(3)
	if err != nil {
		return DecodedEntry{}, err
	}

	mtime := d.prevMtime
	if flags&SameTime == 0 {
		mtime, err = d.ch.GetLong(4)
		if err != nil {
			return DecodedEntry{}, err
		}
	}

	mode := d.prevMode
	if flags&SameMode == 0 {
		v, err := d.ch.GetInt()
		if err != nil {
			return DecodedEntry{}, err
		}
		mode = uint32(v)
	}

	uid := d.prevUID
	if d.preserveUser && flags&SameUID == 0 {
		v, err := d.ch.GetInt()
		if err != nil {
			return DecodedEntry{}, err
		}
		uid = uint32(v)
		if flags&UserNameFollows != 0 {
			nb, err := d.ch.GetByte()
			if err != nil {
				return DecodedEntry{}, err
			}
			if _, err := d.ch.Get(int(nb)); err != nil {
				return DecodedEntry{}, err
			}
		}
	}

	d.prevName = name
	d.prevMode = mode
	d.prevUID = uid
	d.prevMtime = mtime
	d.hasPrev = true

	return DecodedEntry{
		NameBytes: name,
		Size:      size,
		ModTime:   mtime,
		Mode:      mode,
		UID:       uid,
		TopDir:    flags&TopDir != 0,
	}, nil
}
