//go:build darwin

package local

import (
	"os"
	"syscall"
	"time"
)

func createdAt(_ string, st os.FileInfo) time.Time {
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		return time.Unix(sys.Birthtimespec.Sec, sys.Birthtimespec.Nsec)
	}
	return st.ModTime()
}
