//go:build darwin

package graph

import (
	"os"
	"syscall"
	"time"
)

// fileTimes extracts change and modification times from stat data.
func fileTimes(fi os.FileInfo) (ctime, mtime time.Time) {
	mtime = fi.ModTime()

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return mtime, mtime
	}

	return time.Unix(st.Ctimespec.Sec, st.Ctimespec.Nsec), mtime
}
