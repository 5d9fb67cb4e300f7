// Package job implements the job resource: lifecycle state, progress,
// free-form job data, completion outcome, the per-job log file, and the
// fleet queries a scheduler needs.
package job

import (
	"context"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/resource"
)

const (
	// KindName is the resource kind name.
	KindName = "job"

	// Dir is the jobs root inside a workspace.
	Dir = "jobs"
)

// Kind returns the resource strategy for jobs.
func Kind() resource.Kind {
	return resource.Kind{Name: KindName, Dir: Dir, Default: DefaultDocument}
}

// Store manages jobs under the workspace jobs root.
type Store struct {
	res *resource.Store
	log *zap.Logger
}

// NewStore creates a job store on fs.
func NewStore(fs filestore.Store, opts resource.Options) (*Store, error) {
	res, err := resource.NewStore(fs, Kind(), opts)
	if err != nil {
		return nil, err
	}
	return &Store{res: res, log: res.Logger()}, nil
}

// Resources returns the generic store backing jobs.
func (s *Store) Resources() *resource.Store { return s.res }

// Create writes a new job with the default document.
func (s *Store) Create(ctx context.Context, id string) (*Job, error) {
	r, err := s.res.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.wrap(r), nil
}

// Get opens an existing job.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	r, err := s.res.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.wrap(r), nil
}

// Delete removes a job directory. Missing is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.res.Delete(ctx, id)
}

// IDs lists job directory names.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	return s.res.IDs(ctx)
}

// NextID returns 1 + the largest numeric job directory name, or "1" when
// there is none. Non-numeric names are ignored. Two callers racing here can
// get the same id.
func (s *Store) NextID(ctx context.Context) (string, error) {
	ids, err := s.res.IDs(ctx)
	if err != nil {
		return "", err
	}
	var highest int64
	for _, id := range ids {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > highest {
			highest = n
		}
	}
	return strconv.FormatInt(highest+1, 10), nil
}

// List returns a record per readable job, in directory order.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.res.Each(ctx, func(_ *resource.Resource, doc resource.Document) error {
		out = append(out, FromDocument(doc))
		return nil
	})
	return out, err
}

// CountRunning counts jobs whose status is RUNNING (or IN_PROGRESS).
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	n := 0
	err := s.res.Each(ctx, func(_ *resource.Resource, doc resource.Document) error {
		if FromDocument(doc).Status.InFlight() {
			n++
		}
		return nil
	})
	return n, err
}

type queued struct {
	r       *resource.Resource
	created time.Time
}

// NextQueued returns the QUEUED job whose directory was created first, or
// nil when nothing is queued. Ties break by numeric id, then by name.
func (s *Store) NextQueued(ctx context.Context) (*Job, error) {
	var candidates []queued
	err := s.res.Each(ctx, func(r *resource.Resource, doc resource.Document) error {
		if FromDocument(doc).Status != StatusQueued {
			return nil
		}
		info, err := r.FS().Stat(ctx, r.Dir())
		if err != nil {
			s.log.Debug("Skipping queued job without stat", zap.String("id", r.ID()), zap.Error(err))
			return nil
		}
		created := info.CreatedAt
		if created.IsZero() {
			created = info.ModTime
		}
		candidates = append(candidates, queued{r: r, created: created})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if !a.created.Equal(b.created) {
			return a.created.Before(b.created)
		}
		na, errA := strconv.ParseInt(a.r.ID(), 10, 64)
		nb, errB := strconv.ParseInt(b.r.ID(), 10, 64)
		switch {
		case errA == nil && errB == nil && na != nb:
			return na < nb
		case (errA == nil) != (errB == nil):
			return errA == nil
		}
		return a.r.ID() < b.r.ID()
	})
	return s.wrap(candidates[0].r), nil
}

func (s *Store) wrap(r *resource.Resource) *Job {
	return &Job{r: r, log: s.log.With(zap.String("id", r.ID()))}
}
