//go:build linux

package graph

import (
	"os"
	"syscall"
	"time"
)

// fileTimes extracts change and modification times from stat data. Linux
// has no creation time in stat, so the inode change time stands in for
// createdDateTime.
func fileTimes(fi os.FileInfo) (ctime, mtime time.Time) {
	mtime = fi.ModTime()

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return mtime, mtime
	}

	return time.Unix(st.Ctim.Sec, st.Ctim.Nsec), mtime
}
