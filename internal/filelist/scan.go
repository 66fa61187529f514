package filelist

import (
	"os"
	"os/user"
	"sync"
	"syscall"
)

// userCache memoises uid->name lookups process-wide: the sender core is
// single-threaded, but nothing prevents a host embedding multiple
// concurrent Lists, so this stays a sync-safe map rather than per-List
// state.
var userCache = struct {
	mu sync.Mutex
	m  map[uint32]string
}{m: make(map[uint32]string)}

func lookupUserName(uid uint32) string {
	userCache.mu.Lock()
	defer userCache.mu.Unlock()
	if name, ok := userCache.m[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(itoa(uid)); err == nil {
		name = u.Username
	}
	userCache.m[uid] = name
	return name
}

func itoa(uid uint32) string {
	if uid == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for uid > 0 {
		i--
		buf[i] = byte('0' + uid%10)
		uid /= 10
	}
	return string(buf[i:])
}

// kindOf classifies a stat'd os.FileMode the way §3's Kind enumeration
// requires.
func kindOf(mode os.FileMode) Kind {
	switch {
	case mode&os.ModeSymlink != 0:
		return Symlink
	case mode.IsDir():
		return Directory
	case mode.IsRegular():
		return Regular
	default:
		return Other
	}
}

// Stat lstats localPath and builds the FileInfo the sender's file-list
// pipeline catalogues for it, with nameBytes as the receiver-relative
// pathname bytes already in the negotiated encoding (a bare basename,
// or "." for a directory's own dot-dir entry).
func Stat(localPath string, nameBytes []byte, wantUserName bool) (FileInfo, error) {
	info, err := os.Lstat(localPath)
	if err != nil {
		return FileInfo{}, err
	}
	stat := info.Sys().(*syscall.Stat_t)

	owner := Owner{UID: stat.Uid}
	if wantUserName {
		owner.Name = lookupUserName(stat.Uid)
	}

	size := info.Size()
	if kindOf(info.Mode()) == Directory {
		size = 0
	}

	return FileInfo{
		LocalPath: localPath,
		NameBytes: nameBytes,
		Kind:      kindOf(info.Mode()),
		Size:      size,
		ModTime:   mtimeFromStat(stat),
		Mode:      uint32(stat.Mode),
		Owner:     owner,
	}, nil
}
