//go:build !linux && !darwin

package local

import (
	"os"
	"time"
)

func createdAt(_ string, st os.FileInfo) time.Time {
	return st.ModTime()
}
