// Package dataset implements the dataset resource.
package dataset

import (
	"context"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/resource"
)

const (
	KindName = "dataset"
	Dir      = "datasets"

	FieldID          = "dataset_id"
	FieldLocation    = "location"
	FieldDescription = "description"
	FieldSize        = "size"
	FieldJSONData    = "json_data"
)

// DefaultDocument is the document written for a new dataset.
func DefaultDocument(id string) resource.Document {
	return resource.Document{
		FieldID:          id,
		FieldLocation:    "local",
		FieldDescription: "",
		FieldSize:        -1,
		FieldJSONData:    map[string]any{},
	}
}

// Kind returns the resource strategy for datasets.
func Kind() resource.Kind {
	return resource.Kind{Name: KindName, Dir: Dir, Default: DefaultDocument}
}

// Metadata holds optional updates. Nil fields are left unchanged.
type Metadata struct {
	Location    *string
	Description *string
	Size        *int64

	// JSONData is shallow-merged into json_data.
	JSONData map[string]any
}

// Store manages datasets.
type Store struct {
	res *resource.Store
}

// NewStore creates a dataset store on fs.
func NewStore(fs filestore.Store, opts resource.Options) (*Store, error) {
	res, err := resource.NewStore(fs, Kind(), opts)
	if err != nil {
		return nil, err
	}
	return &Store{res: res}, nil
}

// Resources returns the generic store backing datasets.
func (s *Store) Resources() *resource.Store { return s.res }

// Create writes a new dataset.
func (s *Store) Create(ctx context.Context, id string) (*Dataset, error) {
	r, err := s.res.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Dataset{r: r}, nil
}

// Get opens an existing dataset.
func (s *Store) Get(ctx context.Context, id string) (*Dataset, error) {
	r, err := s.res.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Dataset{r: r}, nil
}

// Delete removes a dataset directory.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.res.Delete(ctx, id)
}

// List returns the metadata of every readable dataset.
func (s *Store) List(ctx context.Context) ([]resource.Document, error) {
	return s.res.List(ctx)
}

// Dataset is a handle on one dataset resource.
type Dataset struct {
	r *resource.Resource
}

// ID returns the dataset id.
func (d *Dataset) ID() string { return d.r.ID() }

// Resource returns the underlying resource handle.
func (d *Dataset) Resource() *resource.Resource { return d.r }

// Metadata returns the current document.
func (d *Dataset) Metadata(ctx context.Context) resource.Document {
	return d.r.ReadDocument(ctx)
}

// SetMetadata applies m in one write.
func (d *Dataset) SetMetadata(ctx context.Context, m Metadata) error {
	return d.r.Update(ctx, func(doc resource.Document) error {
		if m.Location != nil {
			doc[FieldLocation] = *m.Location
		}
		if m.Description != nil {
			doc[FieldDescription] = *m.Description
		}
		if m.Size != nil {
			doc[FieldSize] = *m.Size
		}
		if m.JSONData != nil {
			current := doc.Map(FieldJSONData)
			if current == nil {
				current = resource.Document{}
			}
			for k, v := range m.JSONData {
				current[k] = v
			}
			doc[FieldJSONData] = current
		}
		return nil
	})
}
