//go:build linux

package local

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// createdAt returns the inode birth time when the filesystem records one.
func createdAt(full string, st os.FileInfo) time.Time {
	var stx unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, full, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME, &stx); err == nil {
		if stx.Mask&unix.STATX_BTIME != 0 && stx.Btime.Sec != 0 {
			return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
		}
	}
	return st.ModTime()
}
