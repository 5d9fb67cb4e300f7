// Package task implements the task resource: a reusable task definition
// optionally scoped to an experiment.
package task

import (
	"context"
	"sort"
	"time"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/resource"
)

const (
	KindName = "task"
	Dir      = "tasks"

	FieldID           = "id"
	FieldName         = "name"
	FieldType         = "type"
	FieldInputs       = "inputs"
	FieldConfig       = "config"
	FieldPlugin       = "plugin"
	FieldOutputs      = "outputs"
	FieldExperimentID = "experiment_id"
	FieldRemoteTask   = "remote_task"
	FieldCreatedAt    = "created_at"
	FieldUpdatedAt    = "updated_at"

	// timestampLayout is ISO 8601 without a zone, always UTC.
	timestampLayout = "2006-01-02T15:04:05.000000"
)

// Kind returns the resource strategy for tasks. now stamps created_at and
// updated_at.
func Kind(now func() time.Time) resource.Kind {
	if now == nil {
		now = time.Now
	}
	return resource.Kind{
		Name: KindName,
		Dir:  Dir,
		Default: func(id string) resource.Document {
			ts := stamp(now)
			return resource.Document{
				FieldID:           id,
				FieldName:         "",
				FieldType:         "",
				FieldInputs:       map[string]any{},
				FieldConfig:       map[string]any{},
				FieldPlugin:       "",
				FieldOutputs:      map[string]any{},
				FieldExperimentID: nil,
				FieldRemoteTask:   false,
				FieldCreatedAt:    ts,
				FieldUpdatedAt:    ts,
			}
		},
	}
}

func stamp(now func() time.Time) string {
	return now().UTC().Format(timestampLayout)
}

// Metadata holds optional updates. Nil fields are left unchanged.
type Metadata struct {
	Name         *string
	Type         *string
	Inputs       map[string]any
	Config       map[string]any
	Plugin       *string
	Outputs      map[string]any
	ExperimentID *string
	RemoteTask   *bool
}

// Store manages tasks.
type Store struct {
	res *resource.Store
	now func() time.Time
}

// NewStore creates a task store on fs.
func NewStore(fs filestore.Store, opts resource.Options) (*Store, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	res, err := resource.NewStore(fs, Kind(opts.Now), opts)
	if err != nil {
		return nil, err
	}
	return &Store{res: res, now: opts.Now}, nil
}

// Resources returns the generic store backing tasks.
func (s *Store) Resources() *resource.Store { return s.res }

// Create writes a new task.
func (s *Store) Create(ctx context.Context, id string) (*Task, error) {
	r, err := s.res.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Task{r: r, now: s.now}, nil
}

// Get opens an existing task.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	r, err := s.res.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Task{r: r, now: s.now}, nil
}

// Delete removes one task.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.res.Delete(ctx, id)
}

// DeleteAll removes every task directory.
func (s *Store) DeleteAll(ctx context.Context) error {
	ids, err := s.res.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.res.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// List returns every readable task, newest created_at first.
func (s *Store) List(ctx context.Context) ([]resource.Document, error) {
	docs, err := s.res.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].String(FieldCreatedAt) > docs[j].String(FieldCreatedAt)
	})
	return docs, nil
}

// ListByType returns tasks of taskType, newest first.
func (s *Store) ListByType(ctx context.Context, taskType string) ([]resource.Document, error) {
	return s.filter(ctx, func(d resource.Document) bool {
		return d.String(FieldType) == taskType
	})
}

// ListByExperiment returns tasks scoped to experimentID, newest first.
func (s *Store) ListByExperiment(ctx context.Context, experimentID string) ([]resource.Document, error) {
	return s.filter(ctx, func(d resource.Document) bool {
		return d[FieldExperimentID] != nil && d.String(FieldExperimentID) == experimentID
	})
}

// ListByTypeInExperiment combines ListByType and ListByExperiment.
func (s *Store) ListByTypeInExperiment(ctx context.Context, taskType, experimentID string) ([]resource.Document, error) {
	return s.filter(ctx, func(d resource.Document) bool {
		return d.String(FieldType) == taskType &&
			d[FieldExperimentID] != nil && d.String(FieldExperimentID) == experimentID
	})
}

func (s *Store) filter(ctx context.Context, keep func(resource.Document) bool) ([]resource.Document, error) {
	docs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Task is a handle on one task resource.
type Task struct {
	r   *resource.Resource
	now func() time.Time
}

// ID returns the task id.
func (t *Task) ID() string { return t.r.ID() }

// Resource returns the underlying resource handle.
func (t *Task) Resource() *resource.Resource { return t.r }

// Metadata returns the current document.
func (t *Task) Metadata(ctx context.Context) resource.Document {
	return t.r.ReadDocument(ctx)
}

// SetMetadata applies m in one write and refreshes updated_at.
func (t *Task) SetMetadata(ctx context.Context, m Metadata) error {
	return t.r.Update(ctx, func(doc resource.Document) error {
		if m.Name != nil {
			doc[FieldName] = *m.Name
		}
		if m.Type != nil {
			doc[FieldType] = *m.Type
		}
		if m.Inputs != nil {
			doc[FieldInputs] = m.Inputs
		}
		if m.Config != nil {
			doc[FieldConfig] = m.Config
		}
		if m.Plugin != nil {
			doc[FieldPlugin] = *m.Plugin
		}
		if m.Outputs != nil {
			doc[FieldOutputs] = m.Outputs
		}
		if m.ExperimentID != nil {
			doc[FieldExperimentID] = *m.ExperimentID
		}
		if m.RemoteTask != nil {
			doc[FieldRemoteTask] = *m.RemoteTask
		}
		doc[FieldUpdatedAt] = stamp(t.now)
		return nil
	})
}
