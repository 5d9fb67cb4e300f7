package resource

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/labmeta/pkg/filestore/local"
)

var widgetKind = Kind{
	Name: "widget",
	Dir:  "widgets",
	Default: func(id string) Document {
		return Document{"id": id, "state": "new", "tags": []any{}}
	},
}

func newTestStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	fs, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	s, err := NewStore(fs, widgetKind, opts)
	require.NoError(t, err)
	return s, root
}

// normalize round-trips v through JSON so numbers compare as float64.
func normalize(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStore_CreateWritesDefault(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})

	r, err := s.Create(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, LayoutCanonical, r.Layout())

	b, err := os.ReadFile(filepath.Join(root, "widgets", "w1", "index.json"))
	require.NoError(t, err)
	assert.NotEqual(t, byte('\n'), b[len(b)-1], "no forced trailing newline")

	doc := r.ReadDocument(ctx)
	assert.Equal(t, "w1", doc.String("id"))
	assert.Equal(t, "new", doc.String("state"))
}

func TestStore_CreateTwiceFails(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	_, err := s.Create(ctx, "w1")
	require.NoError(t, err)

	_, err = s.Create(ctx, "w1")
	require.Error(t, err)
	assert.True(t, IsAlreadyExists(err))
}

func TestStore_ConcurrentCreateSingleWinner(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Create(ctx, "w1")
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.True(t, IsAlreadyExists(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, created)
}

func TestStore_CreateOnExistingDirWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "widgets", "w1"), 0o755))

	_, err := s.Create(ctx, "w1")
	require.NoError(t, err)
}

func TestStore_CreateFailsWhenOnlySnapshotsExist(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})
	writeFile(t, filepath.Join(root, "widgets", "w1", "index-20240101T000000000000Z.json"), `{"id":"w1"}`)

	_, err := s.Create(ctx, "w1")
	assert.True(t, IsAlreadyExists(err))
}

func TestStore_GetMissingDir(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestStore_GetSelfHeals(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})
	dir := filepath.Join(root, "widgets", "w1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	r, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	first := r.ReadDocument(ctx)
	assert.Equal(t, "new", first.String("state"))
	assert.FileExists(t, filepath.Join(dir, "index.json"))

	// A later edit must survive the second Get; defaults are not re-derived.
	require.NoError(t, r.SetField(ctx, "state", "edited"))
	r2, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "edited", r2.ReadDocument(ctx).String("state"))
}

func TestStore_GetDoesNotOverwriteCorrupt(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})
	path := filepath.Join(root, "widgets", "w1", "index.json")
	writeFile(t, path, "{not json")

	r, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, r.ReadDocument(ctx))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(b))
}

func TestResource_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})
	r, err := s.Create(ctx, "w1")
	require.NoError(t, err)

	docs := []Document{
		{},
		{"id": "w1", "n": 3, "f": 1.5, "ok": true, "nil": nil},
		{"nested": map[string]any{"a": []any{1, "two", map[string]any{"x": "<&>"}}}},
		{"unicode": "héllo ✓"},
	}
	for _, d := range docs {
		require.NoError(t, r.WriteDocument(ctx, d))
		assert.Equal(t, normalize(t, d), normalize(t, r.ReadDocument(ctx)))
	}
}

func TestResource_WriteRejectsNonObject(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})
	r, err := s.Create(ctx, "w1")
	require.NoError(t, err)

	for _, v := range []any{[]any{1, 2}, "text", 42, nil} {
		err := r.WriteDocument(ctx, v)
		require.Error(t, err, "%v", v)
		assert.True(t, IsInvalidArgument(err))
	}
	assert.Equal(t, "w1", r.ReadDocument(ctx).String("id"))
}

func TestResource_WriteAcceptsStruct(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})
	r, err := s.Create(ctx, "w1")
	require.NoError(t, err)

	type payload struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	require.NoError(t, r.WriteDocument(ctx, payload{ID: "w1", Count: 2}))
	assert.Equal(t, 2, r.ReadDocument(ctx).Int("count", 0))
}

func TestResource_ReadDocumentSwallowsCorruption(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})
	r, err := s.Create(ctx, "w1")
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, "widgets", "w1", "index.json"), "[1,2,3]")

	assert.Empty(t, r.ReadDocument(ctx))

	res := r.Load(ctx)
	assert.True(t, res.Found)
	require.Error(t, res.Err)
	assert.True(t, IsCorrupt(res.Err))
	assert.False(t, res.OK())
}

func TestResource_LoadMissing(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "widgets", "w1"), 0o755))

	r, err := s.Open(ctx, "w1")
	require.NoError(t, err)
	res := r.Load(ctx)
	assert.False(t, res.Found)
	assert.NoError(t, res.Err)
}

func TestResource_StrictReads(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{StrictReads: true})
	r, err := s.Create(ctx, "w1")
	require.NoError(t, err)
	writeFile(t, filepath.Join(root, "widgets", "w1", "index.json"), "garbage")

	_, err = r.GetField(ctx, "state", "x")
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))

	err = r.SetField(ctx, "state", "y")
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))
}

func TestResource_GetSetField(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})
	r, err := s.Create(ctx, "w1")
	require.NoError(t, err)

	v, err := r.GetField(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	require.NoError(t, r.SetField(ctx, "state", "done"))
	v, err = r.GetField(ctx, "state", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	assert.True(t, IsInvalidArgument(r.SetField(ctx, " ", 1)))
}

func TestResource_UpdateAbortsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})
	r, err := s.Create(ctx, "w1")
	require.NoError(t, err)

	boom := InvalidArgument("nope")
	err = r.Update(ctx, func(doc Document) error {
		doc["state"] = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "new", r.ReadDocument(ctx).String("state"))
}

func TestResource_Delete(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})
	r, err := s.Create(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx))
	assert.NoDirExists(t, filepath.Join(root, "widgets", "w1"))
	require.NoError(t, r.Delete(ctx), "deleting twice is a no-op")

	_, err = s.Get(ctx, "w1")
	assert.True(t, IsNotFound(err))
}

func TestStore_SanitizedDirStaysUnderRoot(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})

	for _, id := range []string{"../../etc", "..", "a/../../b", `..\..\win`, "/abs/path"} {
		t.Run(id, func(t *testing.T) {
			dir, err := s.Dir(id)
			if err != nil {
				assert.True(t, IsInvalidArgument(err))
				return
			}
			assert.Equal(t, "widgets", filepath.Dir(dir))

			r, err := s.Create(ctx, id)
			require.NoError(t, err)
			abs, err := filepath.Abs(filepath.Join(root, r.Dir()))
			require.NoError(t, err)
			rel, err := filepath.Rel(filepath.Join(root, "widgets"), abs)
			require.NoError(t, err)
			assert.False(t, strings.HasPrefix(rel, ".."), rel)
			assert.NotContains(t, rel, string(filepath.Separator))
		})
	}

	dir, err := s.Dir("../../etc")
	require.NoError(t, err)
	assert.Equal(t, "widgets/etc", dir)
}

func TestStore_ListAndIDs(t *testing.T) {
	ctx := context.Background()
	s, root := newTestStore(t, Options{})

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"b", "a"} {
		_, err := s.Create(ctx, id)
		require.NoError(t, err)
	}
	writeFile(t, filepath.Join(root, "widgets", "stray.txt"), "x")
	writeFile(t, filepath.Join(root, "widgets", "broken", "index.json"), "{")

	ids, err = s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "broken"}, ids)

	docs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].String("id"))
	assert.Equal(t, "b", docs[1].String("id"))
}

func TestStore_OnCreateHook(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)

	kind := widgetKind
	kind.OnCreate = func(ctx context.Context, r *Resource) error {
		return r.FS().Write(ctx, r.Path("extra.json"), []byte("{}"))
	}
	s, err := NewStore(fs, kind, Options{})
	require.NoError(t, err)

	_, err = s.Create(ctx, "w1")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "widgets", "w1", "extra.json"))
}

func TestResource_KeepSnapshotsWritesSnapshots(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s, root := newTestStore(t, Options{KeepSnapshots: true, Now: func() time.Time { return fixed }})
	dir := filepath.Join(root, "widgets", "w1")
	writeFile(t, filepath.Join(dir, "index-20240101T000000000000Z.json"), `{"id":"w1","v":1}`)
	writeFile(t, filepath.Join(dir, "latest.txt"), "index-20240101T000000000000Z.json")

	r, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, LayoutSnapshot, r.Layout())

	require.NoError(t, r.SetField(ctx, "v", 2))
	require.NoError(t, r.SetField(ctx, "v", 3))

	pointer, err := os.ReadFile(filepath.Join(dir, "latest.txt"))
	require.NoError(t, err)
	assert.Equal(t, "index-20240301T120000000001Z.json", string(pointer))
	assert.FileExists(t, filepath.Join(dir, "index-20240301T120000000000Z.json"))
	assert.NoFileExists(t, filepath.Join(dir, "index.json"))
	assert.Equal(t, 3, r.ReadDocument(ctx).Int("v", 0))
}
