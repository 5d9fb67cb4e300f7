// Package filestore defines the storage capability the metadata store is
// built on.
//
// Paths are slash-separated keys relative to the store root. Backends map
// them onto a local directory tree or an object-store prefix. Directories are
// real directories locally and key prefixes remotely.
package filestore

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Store is the file-store capability consumed by resource persistence.
//
// Implementations should:
//   - Treat every operation as fallible and wrap failures in *StoreError
//   - Normalise "missing" to ErrNotFound
//   - Be safe for concurrent use
type Store interface {
	// Exists reports whether a file or directory exists at p.
	Exists(ctx context.Context, p string) (bool, error)

	// IsDir reports whether p is a directory (or a non-empty prefix).
	IsDir(ctx context.Context, p string) (bool, error)

	// MakeDirs creates p and any missing parents. Existing directories are fine.
	MakeDirs(ctx context.Context, p string) error

	// List returns the immediate children of directory p, sorted by name.
	// A missing directory yields ErrNotFound.
	List(ctx context.Context, p string) ([]Entry, error)

	// Read returns the full contents of file p.
	Read(ctx context.Context, p string) ([]byte, error)

	// Write replaces the contents of file p, creating parents as needed.
	Write(ctx context.Context, p string, data []byte) error

	// Remove deletes file p. A missing file is not an error.
	Remove(ctx context.Context, p string) error

	// RemoveTree deletes p and everything below it. A missing path is not an error.
	RemoveTree(ctx context.Context, p string) error

	// CopyTree copies file or directory src to dst, overwriting existing files.
	CopyTree(ctx context.Context, src, dst string) error

	// Stat returns metadata for a file or directory.
	Stat(ctx context.Context, p string) (*FileInfo, error)

	// Location renders p for humans and external tools (a local path or a URI).
	Location(p string) string

	// Close releases any resources held by the store.
	Close() error
}

// Entry is one child returned by List.
type Entry struct {
	Name  string
	IsDir bool
}

// FileInfo describes a file or directory.
type FileInfo struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time

	// CreatedAt is the best creation time the backend can report. Backends
	// without birth times fall back to ModTime; remote directories report the
	// oldest object below the prefix.
	CreatedAt time.Time
}

// BackendType identifies a store backend.
type BackendType string

const (
	// BackendLocal is a directory on local disk.
	BackendLocal BackendType = "file"

	// BackendS3 is AWS S3 or an S3-compatible object store.
	BackendS3 BackendType = "s3"
)

// String returns the string representation of the backend type.
func (b BackendType) String() string {
	return string(b)
}

// Join joins key segments with "/" and cleans the result.
func Join(parts ...string) string {
	p := path.Join(parts...)
	if p == "." {
		return ""
	}
	return strings.TrimPrefix(p, "/")
}

// CleanKey normalises a key and rejects anything escaping the store root.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimLeft(key, "/")
	clean := path.Clean(key)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidPath
	}
	return clean, nil
}

// Rel converts loc back into a key of st. loc may be a relative key or a
// location previously rendered by st.Location (an absolute local path or a
// URI). Absolute paths and URIs outside the store root yield ErrInvalidPath.
func Rel(st Store, loc string) (string, error) {
	raw := strings.TrimSpace(loc)
	loc = strings.ReplaceAll(raw, "\\", "/")
	base := strings.TrimSuffix(strings.ReplaceAll(st.Location(""), "\\", "/"), "/")
	if base != "" {
		if loc == base {
			return "", nil
		}
		if strings.HasPrefix(loc, base+"/") {
			return CleanKey(strings.TrimPrefix(loc, base+"/"))
		}
	}
	if isLocation(raw) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidPath, raw, st.Location(""))
	}
	return CleanKey(loc)
}

// isLocation reports whether loc is an absolute path or a URI rather than a
// store-relative key.
func isLocation(loc string) bool {
	return strings.HasPrefix(loc, "/") || strings.HasPrefix(loc, "\\") ||
		filepath.IsAbs(loc) || strings.Contains(loc, "://")
}
