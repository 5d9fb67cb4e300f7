package experiment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/job"
	"github.com/3leaps/labmeta/pkg/resource"
)

// Store manages experiments. It shares the file store with the job store
// it indexes.
type Store struct {
	res  *resource.Store
	jobs *job.Store
	log  *zap.Logger
}

// NewStore creates an experiment store on fs that indexes jobs.
func NewStore(fs filestore.Store, jobs *job.Store, opts resource.Options) (*Store, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is nil")
	}
	res, err := resource.NewStore(fs, Kind(), opts)
	if err != nil {
		return nil, err
	}
	return &Store{res: res, jobs: jobs, log: res.Logger()}, nil
}

// Resources returns the generic store backing experiments.
func (s *Store) Resources() *resource.Store { return s.res }

// Jobs returns the job store.
func (s *Store) Jobs() *job.Store { return s.jobs }

// Create writes a new experiment and its default jobs index.
func (s *Store) Create(ctx context.Context, id string) (*Experiment, error) {
	r, err := s.res.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.wrap(r), nil
}

// Get opens an existing experiment.
func (s *Store) Get(ctx context.Context, id string) (*Experiment, error) {
	r, err := s.res.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.wrap(r), nil
}

// GetOrCreate opens id, creating it when its directory does not exist.
func (s *Store) GetOrCreate(ctx context.Context, id string) (*Experiment, error) {
	e, err := s.Get(ctx, id)
	if err == nil {
		return e, nil
	}
	if !resource.IsNotFound(err) {
		return nil, err
	}
	e, err = s.Create(ctx, id)
	if resource.IsAlreadyExists(err) {
		return s.Get(ctx, id)
	}
	return e, err
}

// Delete cascades to the experiment's jobs. A missing experiment is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		if resource.IsNotFound(err) {
			return nil
		}
		return err
	}
	return e.Delete(ctx)
}

// IDs lists experiment directory names.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	return s.res.IDs(ctx)
}

// List returns the documents of every readable experiment.
func (s *Store) List(ctx context.Context) ([]resource.Document, error) {
	return s.res.List(ctx)
}

func (s *Store) wrap(r *resource.Resource) *Experiment {
	return &Experiment{r: r, jobs: s.jobs, log: s.log.With(zap.String("id", r.ID()))}
}
