//go:build !linux && !darwin

package graph

import (
	"os"
	"time"
)

// fileTimes extracts change and modification times from stat data. On
// platforms without a portable change time, modification time serves for
// both.
func fileTimes(fi os.FileInfo) (ctime, mtime time.Time) {
	mtime = fi.ModTime()
	return mtime, mtime
}
