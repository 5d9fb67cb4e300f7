package dataset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/labmeta/pkg/filestore/local"
	"github.com/3leaps/labmeta/pkg/resource"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	s, err := NewStore(fs, resource.Options{})
	require.NoError(t, err)
	return s
}

func TestDataset_Defaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d, err := s.Create(ctx, "alpaca")
	require.NoError(t, err)
	md := d.Metadata(ctx)
	assert.Equal(t, "alpaca", md.String(FieldID))
	assert.Equal(t, "local", md.String(FieldLocation))
	assert.Equal(t, -1, md.Int(FieldSize, 0))
	assert.Empty(t, md.Map(FieldJSONData))

	_, err = s.Create(ctx, "  ")
	assert.True(t, resource.IsInvalidArgument(err))
}

func TestDataset_SetMetadataMergesJSONData(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d, err := s.Create(ctx, "alpaca")
	require.NoError(t, err)

	desc := "instruction data"
	require.NoError(t, d.SetMetadata(ctx, Metadata{Description: &desc, JSONData: map[string]any{"a": 1}}))
	size := int64(2048)
	require.NoError(t, d.SetMetadata(ctx, Metadata{Size: &size, JSONData: map[string]any{"b": 2}}))

	md := d.Metadata(ctx)
	assert.Equal(t, desc, md.String(FieldDescription))
	assert.Equal(t, 2048, md.Int(FieldSize, 0))
	assert.Equal(t, "local", md.String(FieldLocation))
	assert.Equal(t, 1, md.Map(FieldJSONData).Int("a", 0))
	assert.Equal(t, 2, md.Map(FieldJSONData).Int("b", 0))
}

func TestDataset_List(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"b", "a"} {
		_, err := s.Create(ctx, id)
		require.NoError(t, err)
	}

	docs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].String(FieldID))

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.True(t, resource.IsNotFound(err))
}
