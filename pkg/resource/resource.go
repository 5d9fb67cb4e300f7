package resource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/labmeta/pkg/filestore"
)

// Resource is an open handle on one resource directory. The metadata
// layout is detected when the handle is opened and cached until a write or
// migration changes it.
type Resource struct {
	store  *Store
	id     string
	dir    string
	layout Layout
}

// LoadResult is the strict outcome of reading a resource document.
type LoadResult struct {
	// Doc is the decoded document. Nil unless OK.
	Doc Document

	// Found reports whether a metadata file was present.
	Found bool

	// Err is set when metadata could not be read or decoded. It wraps
	// ErrCorruptData for undecodable content.
	Err error
}

// OK reports whether a document was found and decoded.
func (r LoadResult) OK() bool { return r.Found && r.Err == nil }

// ID returns the id as supplied by the caller.
func (r *Resource) ID() string { return r.id }

// Dir returns the directory key inside the file store.
func (r *Resource) Dir() string { return r.dir }

// Path joins names below the resource directory.
func (r *Resource) Path(names ...string) string {
	return filestore.Join(append([]string{r.dir}, names...)...)
}

// Location renders the resource directory for humans.
func (r *Resource) Location() string { return r.store.fs.Location(r.dir) }

// Layout returns the cached metadata layout.
func (r *Resource) Layout() Layout { return r.layout }

// Store returns the owning store.
func (r *Resource) Store() *Store { return r.store }

// FS returns the underlying file store.
func (r *Resource) FS() filestore.Store { return r.store.fs }

// Load reads the document without migrating or materializing defaults.
func (r *Resource) Load(ctx context.Context) LoadResult {
	unlock := dirLocks.lock(r.store.lockKey(r.dir))
	defer unlock()
	return r.loadLocked(ctx)
}

// ReadDocument returns the current document, or an empty one when metadata
// is missing or unreadable. Use Load to tell those cases apart.
func (r *Resource) ReadDocument(ctx context.Context) Document {
	unlock := dirLocks.lock(r.store.lockKey(r.dir))
	defer unlock()

	if err := r.migrateLocked(ctx); err != nil {
		r.store.log.Warn("Metadata migration failed", zap.String("id", r.id), zap.Error(err))
	}
	res := r.loadLocked(ctx)
	if res.Err != nil {
		r.store.log.Warn("Unreadable metadata treated as empty",
			zap.String("id", r.id), zap.String("path", r.Location()), zap.Error(res.Err))
	}
	if !res.OK() {
		return Document{}
	}
	return res.Doc
}

// WriteDocument replaces the document. doc must encode to a JSON object.
func (r *Resource) WriteDocument(ctx context.Context, doc any) error {
	d, err := ToDocument(doc)
	if err != nil {
		return &Error{Op: "WriteDocument", Kind: r.store.kind.Name, ID: r.id, Err: err}
	}

	unlock := dirLocks.lock(r.store.lockKey(r.dir))
	defer unlock()

	if err := r.migrateLocked(ctx); err != nil {
		return &Error{Op: "WriteDocument", Kind: r.store.kind.Name, ID: r.id, Err: err}
	}
	if err := r.writeLocked(ctx, d); err != nil {
		return &Error{Op: "WriteDocument", Kind: r.store.kind.Name, ID: r.id, Err: err}
	}
	return nil
}

// GetField returns one top-level field, or def when it is absent.
func (r *Resource) GetField(ctx context.Context, key string, def any) (any, error) {
	unlock := dirLocks.lock(r.store.lockKey(r.dir))
	defer unlock()

	if err := r.migrateLocked(ctx); err != nil {
		r.store.log.Warn("Metadata migration failed", zap.String("id", r.id), zap.Error(err))
	}
	doc, err := r.readLocked(ctx)
	if err != nil {
		return def, &Error{Op: "GetField", Kind: r.store.kind.Name, ID: r.id, Err: err}
	}
	if v, ok := doc[key]; ok {
		return v, nil
	}
	return def, nil
}

// SetField sets one top-level field.
func (r *Resource) SetField(ctx context.Context, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return &Error{Op: "SetField", Kind: r.store.kind.Name, ID: r.id, Err: InvalidArgument("field key is required")}
	}
	return r.Update(ctx, func(doc Document) error {
		doc[key] = value
		return nil
	})
}

// Update runs a read-modify-write cycle. fn mutates doc in place; returning
// an error aborts the write. Cycles on the same directory are serialized
// within this process.
func (r *Resource) Update(ctx context.Context, fn func(doc Document) error) error {
	unlock := dirLocks.lock(r.store.lockKey(r.dir))
	defer unlock()

	if err := r.migrateLocked(ctx); err != nil {
		return &Error{Op: "Update", Kind: r.store.kind.Name, ID: r.id, Err: err}
	}
	doc, err := r.readLocked(ctx)
	if err != nil {
		return &Error{Op: "Update", Kind: r.store.kind.Name, ID: r.id, Err: err}
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := r.writeLocked(ctx, doc); err != nil {
		return &Error{Op: "Update", Kind: r.store.kind.Name, ID: r.id, Err: err}
	}
	return nil
}

// Migrate converts a snapshot-layout directory to the canonical layout. It
// runs even when the store keeps snapshots. Running it again is a no-op.
func (r *Resource) Migrate(ctx context.Context) error {
	unlock := dirLocks.lock(r.store.lockKey(r.dir))
	defer unlock()

	if err := r.migrate(ctx); err != nil {
		return &Error{Op: "Migrate", Kind: r.store.kind.Name, ID: r.id, Err: err}
	}
	return nil
}

// Delete removes the resource directory. Missing is not an error.
func (r *Resource) Delete(ctx context.Context) error {
	if err := r.store.Delete(ctx, r.id); err != nil {
		return err
	}
	r.layout = LayoutEmpty
	return nil
}

func (r *Resource) refreshLayout(ctx context.Context) error {
	entries, err := r.store.fs.List(ctx, r.dir)
	if err != nil {
		r.layout = LayoutEmpty
		return err
	}
	r.layout = scanEntries(entries).layout()
	return nil
}

// readLocked applies the store read policy: corrupt metadata is an error
// under strict reads and an empty document otherwise.
func (r *Resource) readLocked(ctx context.Context) (Document, error) {
	res := r.loadLocked(ctx)
	if res.Err != nil {
		if r.store.opts.StrictReads {
			return nil, res.Err
		}
		r.store.log.Warn("Unreadable metadata treated as empty",
			zap.String("id", r.id), zap.String("path", r.Location()), zap.Error(res.Err))
	}
	if !res.OK() {
		return Document{}, nil
	}
	return res.Doc, nil
}

func (r *Resource) loadLocked(ctx context.Context) LoadResult {
	if r.layout == LayoutSnapshot {
		return r.loadSnapshot(ctx)
	}
	res := r.readFile(ctx, CanonicalFile)
	if res.Found || res.Err != nil {
		return res
	}
	// The directory may have changed on disk since the handle was opened.
	if err := r.refreshLayout(ctx); err == nil && r.layout == LayoutSnapshot {
		return r.loadSnapshot(ctx)
	}
	return res
}

// loadSnapshot resolves the pointer, then index.json, then the newest
// decodable snapshot.
func (r *Resource) loadSnapshot(ctx context.Context) LoadResult {
	if pointer := r.readPointer(ctx); pointer != "" {
		if res := r.readFile(ctx, pointer); res.Found {
			return res
		}
	}
	if res := r.readFile(ctx, CanonicalFile); res.Found {
		return res
	}

	entries, err := r.store.fs.List(ctx, r.dir)
	if err != nil {
		if filestore.IsNotFound(err) {
			return LoadResult{}
		}
		return LoadResult{Err: err}
	}
	var last LoadResult
	for _, name := range planMigration(scanEntries(entries), "").candidates {
		res := r.readFile(ctx, name)
		if res.OK() {
			return res
		}
		if res.Found {
			last = res
		}
	}
	return last
}

func (r *Resource) readFile(ctx context.Context, name string) LoadResult {
	b, err := r.store.fs.Read(ctx, r.Path(name))
	if err != nil {
		if filestore.IsNotFound(err) {
			return LoadResult{}
		}
		return LoadResult{Err: err}
	}
	doc, err := decodeObject(b, ErrCorruptData)
	if err != nil {
		return LoadResult{Found: true, Err: fmt.Errorf("%s: %w", name, err)}
	}
	return LoadResult{Doc: doc, Found: true}
}

// readPointer returns the snapshot named by latest.txt, or "" when the
// pointer is absent or does not name a snapshot file.
func (r *Resource) readPointer(ctx context.Context) string {
	b, err := r.store.fs.Read(ctx, r.Path(PointerFile))
	if err != nil {
		return ""
	}
	name := strings.TrimSpace(string(b))
	if !isSnapshotFile(name) {
		return ""
	}
	return name
}

func (r *Resource) migrateLocked(ctx context.Context) error {
	if r.store.opts.KeepSnapshots || r.layout != LayoutSnapshot {
		return nil
	}
	return r.migrate(ctx)
}

func (r *Resource) migrate(ctx context.Context) error {
	entries, err := r.store.fs.List(ctx, r.dir)
	if err != nil {
		if filestore.IsNotFound(err) {
			r.layout = LayoutEmpty
			return nil
		}
		return err
	}
	st := scanEntries(entries)
	if st.layout() != LayoutSnapshot {
		r.layout = st.layout()
		return nil
	}

	var pointer string
	if st.hasPointer {
		if b, err := r.store.fs.Read(ctx, r.Path(PointerFile)); err == nil {
			pointer = strings.TrimSpace(string(b))
		}
	}
	plan := planMigration(st, pointer)

	var chosen string
	for _, name := range plan.candidates {
		b, err := r.store.fs.Read(ctx, r.Path(name))
		if err != nil {
			continue
		}
		if _, err := decodeObject(b, ErrCorruptData); err != nil {
			r.store.log.Debug("Skipping undecodable snapshot", zap.String("id", r.id), zap.String("file", name), zap.Error(err))
			continue
		}
		if err := r.store.fs.Write(ctx, r.Path(CanonicalFile), b); err != nil {
			return err
		}
		chosen = name
		break
	}
	if chosen == "" && len(plan.newestFirst) > 0 {
		return fmt.Errorf("%w: no decodable snapshot in %s", ErrCorruptData, r.Location())
	}

	for _, name := range plan.removals(chosen) {
		if err := r.store.fs.Remove(ctx, r.Path(name)); err != nil {
			return err
		}
	}

	if chosen != "" || st.hasCanonical {
		r.layout = LayoutCanonical
	} else {
		r.layout = LayoutEmpty
	}
	r.store.log.Info("Migrated metadata to canonical layout",
		zap.String("id", r.id), zap.String("from", chosen), zap.Int("snapshots", len(plan.newestFirst)))
	return nil
}

func (r *Resource) writeLocked(ctx context.Context, doc Document) error {
	b, err := encodeDocument(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if r.layout == LayoutSnapshot && r.store.opts.KeepSnapshots {
		return r.writeSnapshot(ctx, b)
	}
	if err := r.store.fs.Write(ctx, r.Path(CanonicalFile), b); err != nil {
		return err
	}
	r.layout = LayoutCanonical
	return nil
}

// writeSnapshot writes a new immutable snapshot and then repoints
// latest.txt at it. Snapshot names strictly increase even when the clock
// does not.
func (r *Resource) writeSnapshot(ctx context.Context, b []byte) error {
	now := r.store.opts.Now().UTC().Truncate(time.Microsecond)
	if prev, ok := ParseSnapshotName(r.readPointer(ctx)); ok && !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	name := SnapshotName(now)
	if err := r.store.fs.Write(ctx, r.Path(name), b); err != nil {
		return err
	}
	return r.store.fs.Write(ctx, r.Path(PointerFile), []byte(name))
}
