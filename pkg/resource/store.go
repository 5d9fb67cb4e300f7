// Package resource implements the generic persistence contract shared by
// every resource kind: a directory per id holding a JSON document.
//
// Two metadata generations are understood. The canonical layout keeps one
// index.json overwritten in place. The legacy snapshot layout writes
// immutable index-<timestamp>.json files and records the current one in
// latest.txt. Snapshot directories are migrated to canonical on first touch
// unless the store is configured to keep writing snapshots.
package resource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/labmeta/pkg/filestore"
)

// Kind is the per-kind strategy: where resources live and what a fresh
// document looks like.
type Kind struct {
	// Name is the singular kind name used in errors and logs (e.g., "job").
	Name string

	// Dir is the kind root relative to the workspace (e.g., "jobs").
	Dir string

	// Default returns the document written for a new resource.
	Default func(id string) Document

	// OnCreate runs after Create has written the default document.
	OnCreate func(ctx context.Context, r *Resource) error
}

func (k Kind) defaultDocument(id string) Document {
	if k.Default == nil {
		return Document{"id": id}
	}
	doc := k.Default(id)
	if doc == nil {
		return Document{}
	}
	return doc
}

// Options configures a Store.
type Options struct {
	// Logger receives best-effort failures. Nil means no logging.
	Logger *zap.Logger

	// KeepSnapshots disables migration: snapshot-layout resources keep
	// writing snapshots so older readers stay compatible.
	KeepSnapshots bool

	// StrictReads makes GetField and Update surface corrupt metadata as
	// ErrCorruptData instead of treating it as an empty document.
	StrictReads bool

	// Now overrides the clock used for snapshot names.
	Now func() time.Time
}

// Store persists resources of one kind under a root inside a file store.
type Store struct {
	fs   filestore.Store
	kind Kind
	root string
	opts Options
	log  *zap.Logger
}

// NewStore creates a store for kind rooted at kind.Dir inside fs.
func NewStore(fs filestore.Store, kind Kind, opts Options) (*Store, error) {
	if fs == nil {
		return nil, fmt.Errorf("file store is nil")
	}
	root, err := filestore.CleanKey(kind.Dir)
	if err != nil || root == "" {
		return nil, fmt.Errorf("invalid %s root %q", kind.Name, kind.Dir)
	}
	if strings.TrimSpace(kind.Name) == "" {
		kind.Name = root
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{fs: fs, kind: kind, root: root, opts: opts, log: log.With(zap.String("kind", kind.Name))}, nil
}

// FS returns the underlying file store.
func (s *Store) FS() filestore.Store { return s.fs }

// Kind returns the kind strategy.
func (s *Store) Kind() Kind { return s.kind }

// Root returns the kind root key.
func (s *Store) Root() string { return s.root }

// Logger returns the store logger.
func (s *Store) Logger() *zap.Logger { return s.log }

// Options returns the store options.
func (s *Store) Options() Options { return s.opts }

// Dir resolves the directory key for id. The id is sanitized first, so the
// result is always a direct child of Root.
func (s *Store) Dir(id string) (string, error) {
	safe, err := Sanitize(id)
	if err != nil {
		return "", &Error{Op: "Dir", Kind: s.kind.Name, ID: id, Err: err}
	}
	return filestore.Join(s.root, safe), nil
}

// EnsureRoot creates the kind root directory.
func (s *Store) EnsureRoot(ctx context.Context) error {
	return s.fs.MakeDirs(ctx, s.root)
}

// Open returns a handle for id without checking that it exists.
func (s *Store) Open(ctx context.Context, id string) (*Resource, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}
	r := &Resource{store: s, id: id, dir: dir}
	if err := r.refreshLayout(ctx); err != nil && !filestore.IsNotFound(err) {
		return nil, &Error{Op: "Open", Kind: s.kind.Name, ID: id, Err: err}
	}
	return r, nil
}

// Exists reports whether the resource directory for id exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return false, err
	}
	return s.fs.IsDir(ctx, dir)
}

// Create makes the resource directory and writes the default document.
// It fails with ErrAlreadyExists when metadata is already present.
func (s *Store) Create(ctx context.Context, id string) (*Resource, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &Error{Op: "Create", Kind: s.kind.Name, Err: InvalidArgument("id is required")}
	}
	r, err := s.Open(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := dirLocks.lock(s.lockKey(r.dir))
	if err := r.refreshLayout(ctx); err != nil && !filestore.IsNotFound(err) {
		unlock()
		return nil, &Error{Op: "Create", Kind: s.kind.Name, ID: id, Err: err}
	}
	if r.layout != LayoutEmpty {
		unlock()
		return nil, &Error{Op: "Create", Kind: s.kind.Name, ID: id, Err: ErrAlreadyExists}
	}
	if err := s.fs.MakeDirs(ctx, r.dir); err != nil {
		unlock()
		return nil, &Error{Op: "Create", Kind: s.kind.Name, ID: id, Err: err}
	}
	err = r.writeLocked(ctx, s.kind.defaultDocument(id))
	unlock()
	if err != nil {
		return nil, &Error{Op: "Create", Kind: s.kind.Name, ID: id, Err: err}
	}

	if s.kind.OnCreate != nil {
		if err := s.kind.OnCreate(ctx, r); err != nil {
			return nil, &Error{Op: "Create", Kind: s.kind.Name, ID: id, Err: err}
		}
	}
	s.log.Debug("Created resource", zap.String("id", id), zap.String("dir", r.dir))
	return r, nil
}

// Get opens an existing resource. It fails with ErrNotFound when the
// directory is absent. A directory without metadata gets the default
// document written, so later reads see a stable document.
func (s *Store) Get(ctx context.Context, id string) (*Resource, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &Error{Op: "Get", Kind: s.kind.Name, Err: InvalidArgument("id is required")}
	}
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}
	ok, err := s.fs.IsDir(ctx, dir)
	if err != nil {
		return nil, &Error{Op: "Get", Kind: s.kind.Name, ID: id, Err: err}
	}
	if !ok {
		return nil, &Error{Op: "Get", Kind: s.kind.Name, ID: id, Err: ErrNotFound}
	}

	r, err := s.Open(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := dirLocks.lock(s.lockKey(r.dir))
	defer unlock()
	if err := r.migrateLocked(ctx); err != nil {
		s.log.Warn("Metadata migration failed", zap.String("id", id), zap.Error(err))
	}
	if res := r.loadLocked(ctx); !res.Found && res.Err == nil {
		if err := r.writeLocked(ctx, s.kind.defaultDocument(id)); err != nil {
			return nil, &Error{Op: "Get", Kind: s.kind.Name, ID: id, Err: err}
		}
		s.log.Debug("Materialized default document", zap.String("id", id))
	}
	return r, nil
}

// Delete removes the resource directory for id. Missing is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	unlock := dirLocks.lock(s.lockKey(dir))
	defer unlock()
	if err := s.fs.RemoveTree(ctx, dir); err != nil && !filestore.IsNotFound(err) {
		return &Error{Op: "Delete", Kind: s.kind.Name, ID: id, Err: err}
	}
	return nil
}

// IDs lists the directory names under the kind root. Non-directories are
// skipped; a missing root yields no ids.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	entries, err := s.fs.List(ctx, s.root)
	if err != nil {
		if filestore.IsNotFound(err) {
			return nil, nil
		}
		return nil, &Error{Op: "List", Kind: s.kind.Name, Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			ids = append(ids, e.Name)
		}
	}
	return ids, nil
}

// Each loads every resource under the root and calls fn with its document.
// Entries whose metadata is missing or unreadable are skipped.
func (s *Store) Each(ctx context.Context, fn func(r *Resource, doc Document) error) error {
	ids, err := s.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := s.Open(ctx, id)
		if err != nil {
			s.log.Debug("Skipping unreadable resource", zap.String("id", id), zap.Error(err))
			continue
		}
		res := r.Load(ctx)
		if !res.OK() {
			s.log.Debug("Skipping resource without readable metadata", zap.String("id", id), zap.Error(res.Err))
			continue
		}
		if err := fn(r, res.Doc); err != nil {
			return err
		}
	}
	return nil
}

// List returns the documents of every readable resource of this kind.
func (s *Store) List(ctx context.Context) ([]Document, error) {
	var out []Document
	err := s.Each(ctx, func(_ *Resource, doc Document) error {
		out = append(out, doc)
		return nil
	})
	return out, err
}

func (s *Store) lockKey(dir string) string {
	return s.fs.Location(dir)
}
