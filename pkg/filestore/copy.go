package filestore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// PutLocal copies a local file or directory tree into the store at dst.
//
// This is how caller-produced files (checkpoints, artifacts, models) enter the
// store regardless of backend. An existing dst directory is replaced.
func PutLocal(ctx context.Context, st Store, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if !info.IsDir() {
		b, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read %s: %w", src, err)
		}
		return st.Write(ctx, dst, b)
	}

	if err := st.RemoveTree(ctx, dst); err != nil {
		return err
	}
	if err := st.MakeDirs(ctx, dst); err != nil {
		return err
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := Join(dst, filepath.ToSlash(rel))
		if d.IsDir() {
			return st.MakeDirs(ctx, target)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		return st.Write(ctx, target, b)
	})
}

// Walk visits every file below root in lexical order, calling fn with the
// file's key. Directories are descended but not reported.
func Walk(ctx context.Context, st Store, root string, fn func(key string) error) error {
	entries, err := st.List(ctx, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := Join(root, e.Name)
		if e.IsDir {
			if err := Walk(ctx, st, key, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}
