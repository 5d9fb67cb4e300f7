// Package local implements filestore.Store on local disk.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/labmeta/pkg/filestore"
)

// Store implements filestore.Store for a local directory.
//
// Keys are treated as relative paths under BaseDir. Writes go through a temp
// file in the destination directory followed by a rename, so readers never
// observe a partially written file.
type Store struct {
	baseDir string
}

var _ filestore.Store = (*Store)(nil)

type Config struct {
	BaseDir string

	// Create makes BaseDir when it does not exist yet.
	Create bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	if cfg.Create {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("create base dir: %w", err)
		}
	}
	return &Store{baseDir: base}, nil
}

// BaseDir returns the absolute root directory.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) Close() error { return nil }

func (s *Store) Location(p string) string {
	full, err := s.fullPath(p)
	if err != nil {
		return filepath.Join(s.baseDir, filepath.FromSlash(p))
	}
	return full
}

func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	_ = ctx
	full, err := s.fullPath(p)
	if err != nil {
		return false, s.wrapError("Exists", p, err)
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, s.wrapError("Exists", p, err)
	}
	return true, nil
}

func (s *Store) IsDir(ctx context.Context, p string) (bool, error) {
	_ = ctx
	full, err := s.fullPath(p)
	if err != nil {
		return false, s.wrapError("IsDir", p, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, s.wrapError("IsDir", p, err)
	}
	return st.IsDir(), nil
}

func (s *Store) MakeDirs(ctx context.Context, p string) error {
	_ = ctx
	full, err := s.fullPath(p)
	if err != nil {
		return s.wrapError("MakeDirs", p, err)
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return s.wrapError("MakeDirs", p, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, p string) ([]filestore.Entry, error) {
	_ = ctx
	full, err := s.fullPath(p)
	if err != nil {
		return nil, s.wrapError("List", p, err)
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, s.wrapError("List", p, err)
	}
	out := make([]filestore.Entry, 0, len(entries))
	for _, e := range entries {
		isDir := e.IsDir()
		if e.Type()&fs.ModeSymlink != 0 {
			if st, err := os.Stat(filepath.Join(full, e.Name())); err == nil {
				isDir = st.IsDir()
			}
		}
		out = append(out, filestore.Entry{Name: e.Name(), IsDir: isDir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Read(ctx context.Context, p string) ([]byte, error) {
	_ = ctx
	full, err := s.fullPath(p)
	if err != nil {
		return nil, s.wrapError("Read", p, err)
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, s.wrapError("Read", p, err)
	}
	return b, nil
}

func (s *Store) Write(ctx context.Context, p string, data []byte) error {
	_ = ctx
	full, err := s.fullPath(p)
	if err != nil {
		return s.wrapError("Write", p, err)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return s.wrapError("Write", p, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".tmp.*")
	if err != nil {
		return s.wrapError("Write", p, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return s.wrapError("Write", p, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Write", p, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Write", p, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, p string) error {
	_ = ctx
	full, err := s.fullPath(p)
	if err != nil {
		return s.wrapError("Remove", p, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s.wrapError("Remove", p, err)
	}
	return nil
}

func (s *Store) RemoveTree(ctx context.Context, p string) error {
	_ = ctx
	full, err := s.fullPath(p)
	if err != nil {
		return s.wrapError("RemoveTree", p, err)
	}
	if full == s.baseDir {
		return s.wrapError("RemoveTree", p, fmt.Errorf("refusing to remove store root"))
	}
	if err := os.RemoveAll(full); err != nil {
		return s.wrapError("RemoveTree", p, err)
	}
	return nil
}

func (s *Store) CopyTree(ctx context.Context, src, dst string) error {
	srcFull, err := s.fullPath(src)
	if err != nil {
		return s.wrapError("CopyTree", src, err)
	}
	dstFull, err := s.fullPath(dst)
	if err != nil {
		return s.wrapError("CopyTree", dst, err)
	}
	st, err := os.Stat(srcFull)
	if err != nil {
		return s.wrapError("CopyTree", src, err)
	}
	if !st.IsDir() {
		return s.copyFile(srcFull, dstFull, src)
	}

	return filepath.WalkDir(srcFull, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return s.wrapError("CopyTree", src, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcFull, p)
		if err != nil {
			return s.wrapError("CopyTree", src, err)
		}
		target := filepath.Join(dstFull, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return s.wrapError("CopyTree", dst, err)
			}
			return nil
		}
		return s.copyFile(p, target, src)
	})
}

func (s *Store) copyFile(srcFull, dstFull, key string) error {
	in, err := os.Open(srcFull)
	if err != nil {
		return s.wrapError("CopyTree", key, err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return s.wrapError("CopyTree", key, err)
	}
	out, err := os.Create(dstFull)
	if err != nil {
		return s.wrapError("CopyTree", key, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return s.wrapError("CopyTree", key, err)
	}
	if err := out.Close(); err != nil {
		return s.wrapError("CopyTree", key, err)
	}
	return nil
}

func (s *Store) Stat(ctx context.Context, p string) (*filestore.FileInfo, error) {
	_ = ctx
	full, err := s.fullPath(p)
	if err != nil {
		return nil, s.wrapError("Stat", p, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, s.wrapError("Stat", p, err)
	}
	return &filestore.FileInfo{
		Name:      st.Name(),
		Size:      st.Size(),
		IsDir:     st.IsDir(),
		ModTime:   st.ModTime(),
		CreatedAt: createdAt(full, st),
	}, nil
}

func (s *Store) fullPath(key string) (string, error) {
	clean, err := filestore.CleanKey(key)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return s.baseDir, nil
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &filestore.StoreError{Op: op, Backend: filestore.BackendLocal, Path: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to store sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = filestore.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = filestore.ErrAccessDenied
	}
	return wrapped
}
