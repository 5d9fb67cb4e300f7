// Package experiment implements the experiment resource and its derived
// jobs.json index, which maps job type to the ids of jobs whose
// experiment_id names the experiment. The index is a cache: each job's own
// document stays authoritative and the index can be rebuilt at any time.
package experiment

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/job"
	"github.com/3leaps/labmeta/pkg/resource"
)

const (
	// KindName is the resource kind name.
	KindName = "experiment"

	// Dir is the experiments root inside a workspace.
	Dir = "experiments"

	// IndexFile is the derived job index inside an experiment directory.
	IndexFile = "jobs.json"

	// UnknownType buckets jobs without a type in the index.
	UnknownType = "UNKNOWN"

	FieldID     = "id"
	FieldName   = "name"
	FieldConfig = "config"
)

// Index maps job type to job ids.
type Index map[string][]string

// IDs returns every id in the index, types in name order.
func (ix Index) IDs() []string {
	types := make([]string, 0, len(ix))
	for t := range ix {
		types = append(types, t)
	}
	sort.Strings(types)
	var out []string
	for _, t := range types {
		out = append(out, ix[t]...)
	}
	return out
}

// DefaultDocument is the document written for a new experiment.
func DefaultDocument(id string) resource.Document {
	return resource.Document{FieldID: id, FieldName: id, FieldConfig: map[string]any{}}
}

// DefaultIndex is the jobs.json written for a new experiment.
func DefaultIndex() Index {
	ix := make(Index, len(job.Types))
	for _, t := range job.Types {
		ix[t] = []string{}
	}
	return ix
}

// Kind returns the resource strategy for experiments.
func Kind() resource.Kind {
	return resource.Kind{
		Name:    KindName,
		Dir:     Dir,
		Default: DefaultDocument,
		OnCreate: func(ctx context.Context, r *resource.Resource) error {
			return writeIndex(ctx, r, DefaultIndex())
		},
	}
}

// Experiment is a handle on one experiment resource.
type Experiment struct {
	r    *resource.Resource
	jobs *job.Store
	log  *zap.Logger
}

// ID returns the experiment id.
func (e *Experiment) ID() string { return e.r.ID() }

// Dir returns the experiment directory key.
func (e *Experiment) Dir() string { return e.r.Dir() }

// Resource returns the underlying resource handle.
func (e *Experiment) Resource() *resource.Resource { return e.r }

// Document returns the current experiment document.
func (e *Experiment) Document(ctx context.Context) resource.Document {
	return e.r.ReadDocument(ctx)
}

// Config returns the config object, never nil.
func (e *Experiment) Config(ctx context.Context) resource.Document {
	if cfg := e.r.ReadDocument(ctx).Map(FieldConfig); cfg != nil {
		return cfg
	}
	return resource.Document{}
}

// SetConfig replaces the config object.
func (e *Experiment) SetConfig(ctx context.Context, cfg map[string]any) error {
	if cfg == nil {
		cfg = map[string]any{}
	}
	return e.r.SetField(ctx, FieldConfig, cfg)
}

// UpdateConfigField sets one key inside config.
func (e *Experiment) UpdateConfigField(ctx context.Context, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return &resource.Error{Op: "UpdateConfigField", Kind: KindName, ID: e.ID(), Err: resource.InvalidArgument("config key is required")}
	}
	return e.r.Update(ctx, func(doc resource.Document) error {
		cfg := doc.Map(FieldConfig)
		if cfg == nil {
			cfg = resource.Document{}
		}
		cfg[key] = value
		doc[FieldConfig] = cfg
		return nil
	})
}

// CreateJob allocates the next numeric job id, creates the job, and points
// it at this experiment. Allocation is not safe against other processes
// creating jobs at the same time.
func (e *Experiment) CreateJob(ctx context.Context) (*job.Job, error) {
	id, err := e.jobs.NextID(ctx)
	if err != nil {
		return nil, err
	}
	j, err := e.jobs.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := j.SetExperiment(ctx, e.ID()); err != nil {
		return nil, err
	}
	e.log.Debug("Created job", zap.String("job_id", id))
	return j, nil
}

// JobsIndex reads jobs.json. A missing file is an empty index.
func (e *Experiment) JobsIndex(ctx context.Context) (Index, error) {
	b, err := e.r.FS().Read(ctx, e.r.Path(IndexFile))
	if err != nil {
		if filestore.IsNotFound(err) {
			return Index{}, nil
		}
		return nil, &resource.Error{Op: "JobsIndex", Kind: KindName, ID: e.ID(), Err: err}
	}
	ix, err := decodeIndex(b)
	if err != nil {
		return nil, &resource.Error{Op: "JobsIndex", Kind: KindName, ID: e.ID(), Err: err}
	}
	return ix, nil
}

// AllJobIDs returns every id in jobs.json. An unreadable index yields none.
func (e *Experiment) AllJobIDs(ctx context.Context) []string {
	ix, err := e.JobsIndex(ctx)
	if err != nil {
		e.log.Warn("Unreadable jobs index treated as empty", zap.Error(err))
		return nil
	}
	return ix.IDs()
}

// JobIDsOfType returns the ids indexed under jobType.
func (e *Experiment) JobIDsOfType(ctx context.Context, jobType string) []string {
	ix, err := e.JobsIndex(ctx)
	if err != nil {
		e.log.Warn("Unreadable jobs index treated as empty", zap.Error(err))
		return nil
	}
	return append([]string(nil), ix[jobType]...)
}

// RebuildJobsIndex scans every job, keeps those whose experiment_id is this
// experiment, groups them by type, and overwrites jobs.json. Unreadable
// jobs are skipped. A scan with no matches leaves jobs.json untouched. A
// failed index write is logged and the scanned index still returned.
func (e *Experiment) RebuildJobsIndex(ctx context.Context) (Index, error) {
	ix := Index{}
	err := e.jobs.Resources().Each(ctx, func(r *resource.Resource, doc resource.Document) error {
		rec := job.FromDocument(doc)
		if !e.owns(rec.ExperimentID) {
			return nil
		}
		t := rec.Type
		if strings.TrimSpace(t) == "" {
			t = UnknownType
		}
		ix[t] = append(ix[t], r.ID())
		return nil
	})
	if err != nil {
		return nil, &resource.Error{Op: "RebuildJobsIndex", Kind: KindName, ID: e.ID(), Err: err}
	}

	if len(ix) == 0 {
		e.log.Debug("No jobs matched; keeping existing jobs index")
		return e.JobsIndex(ctx)
	}
	for _, ids := range ix {
		sortIDs(ids)
	}
	if err := writeIndex(ctx, e.r, ix); err != nil {
		e.log.Warn("Failed to write jobs index", zap.String("path", e.r.FS().Location(e.r.Path(IndexFile))), zap.Error(err))
	}
	return ix, nil
}

// Filter narrows GetJobs. Empty fields match everything.
type Filter struct {
	Type   string
	Status string
}

// GetJobs rebuilds the index, then loads the indexed jobs that pass the
// filter and carry a non-empty job_data. DELETED jobs are left out unless
// the filter asks for them. Indexed jobs that no longer exist or now
// belong to another experiment are skipped.
func (e *Experiment) GetJobs(ctx context.Context, f Filter) ([]job.Record, error) {
	ix, err := e.RebuildJobsIndex(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	if f.Type != "" {
		ids = ix[f.Type]
	} else {
		ids = ix.IDs()
	}

	var want job.Status
	if strings.TrimSpace(f.Status) != "" {
		want = job.NormalizeStatus(f.Status)
	}

	var out []job.Record
	for _, id := range ids {
		j, err := e.jobs.Get(ctx, id)
		if err != nil {
			e.log.Debug("Skipping indexed job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		res := j.Resource().Load(ctx)
		if !res.OK() {
			continue
		}
		rec := job.FromDocument(res.Doc)
		if !e.owns(rec.ExperimentID) {
			continue
		}
		if want != "" && rec.Status != want {
			continue
		}
		if want == "" && rec.Status == job.StatusDeleted {
			continue
		}
		if len(rec.JobData) == 0 {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes every job that belongs to this experiment, then the
// experiment directory. The index is rebuilt first and merged with the ids
// already in jobs.json. Per-job failures are logged and skipped. Jobs that
// now point at a different experiment are kept.
func (e *Experiment) Delete(ctx context.Context) error {
	ids := e.AllJobIDs(ctx)
	if ix, err := e.RebuildJobsIndex(ctx); err != nil {
		e.log.Warn("Jobs index rebuild failed; deleting indexed jobs only", zap.Error(err))
	} else {
		ids = union(ids, ix.IDs())
	}

	for _, id := range ids {
		if j, err := e.jobs.Get(ctx, id); err == nil {
			if owner := j.ExperimentID(ctx); owner != "" && !e.owns(owner) {
				e.log.Warn("Not deleting job owned by another experiment", zap.String("job_id", id), zap.String("owner", owner))
				continue
			}
		} else if !resource.IsNotFound(err) {
			e.log.Warn("Skipping unreadable job during delete", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if err := e.jobs.Delete(ctx, id); err != nil {
			e.log.Warn("Failed to delete job", zap.String("job_id", id), zap.Error(err))
		}
	}
	return e.r.Delete(ctx)
}

// owns reports whether experimentID names this experiment. Both sides are
// compared in their sanitized form, which is what the directory name holds.
func (e *Experiment) owns(experimentID string) bool {
	if strings.TrimSpace(experimentID) == "" {
		return false
	}
	if experimentID == e.ID() {
		return true
	}
	a, errA := resource.Sanitize(experimentID)
	b, errB := resource.Sanitize(e.ID())
	return errA == nil && errB == nil && a == b
}

// union returns a followed by the members of b not already in a.
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func decodeIndex(b []byte) (Index, error) {
	doc, err := resource.DecodeObject(b)
	if err != nil {
		return nil, err
	}
	ix := make(Index, len(doc))
	for t, v := range doc {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		ids := make([]string, 0, len(list))
		for _, id := range list {
			if s := resource.AsString(id); s != "" {
				ids = append(ids, s)
			}
		}
		ix[t] = ids
	}
	return ix, nil
}

func writeIndex(ctx context.Context, r *resource.Resource, ix Index) error {
	b, err := resource.Encode(ix)
	if err != nil {
		return fmt.Errorf("encode jobs index: %w", err)
	}
	return r.FS().Write(ctx, r.Path(IndexFile), b)
}

// sortIDs orders numeric ids numerically, ahead of non-numeric ones.
func sortIDs(ids []string) {
	sort.SliceStable(ids, func(i, k int) bool {
		a, errA := strconv.ParseInt(ids[i], 10, 64)
		b, errB := strconv.ParseInt(ids[k], 10, 64)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case (errA == nil) != (errB == nil):
			return errA == nil
		}
		return ids[i] < ids[k]
	})
}
