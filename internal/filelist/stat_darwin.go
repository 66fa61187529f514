//go:build darwin

package filelist

import "syscall"

// mtimeFromStat returns the whole-second modification time from a
// syscall.Stat_t, the unit §3's FileInfo.ModTime is specified in.
func mtimeFromStat(stat *syscall.Stat_t) int64 {
	return stat.Mtimespec.Sec
}
