package job

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/resource"
)

const (
	checkpointsDir = "checkpoints"
	artifactsDir   = "artifacts"
)

// logLocks serializes log rewrites per log file within this process.
var logLocks sync.Map

// Job is a handle on one job resource.
type Job struct {
	r   *resource.Resource
	log *zap.Logger
}

// ID returns the job id.
func (j *Job) ID() string { return j.r.ID() }

// Dir returns the job directory key.
func (j *Job) Dir() string { return j.r.Dir() }

// Resource returns the underlying resource handle.
func (j *Job) Resource() *resource.Resource { return j.r }

// Document returns the current job document ({} when unreadable).
func (j *Job) Document(ctx context.Context) resource.Document {
	return j.r.ReadDocument(ctx)
}

// Record returns the typed view of the current document.
func (j *Job) Record(ctx context.Context) Record {
	return FromDocument(j.r.ReadDocument(ctx))
}

// Status returns the normalized lifecycle state.
func (j *Job) Status(ctx context.Context) Status { return j.Record(ctx).Status }

// Progress returns percent complete.
func (j *Job) Progress(ctx context.Context) int { return j.Record(ctx).Progress }

// ExperimentID returns the owning experiment id, or "".
func (j *Job) ExperimentID(ctx context.Context) string { return j.Record(ctx).ExperimentID }

// Type returns the job type label.
func (j *Job) Type(ctx context.Context) string { return j.Record(ctx).Type }

// JobData returns the job_data map, never nil.
func (j *Job) JobData(ctx context.Context) resource.Document {
	if data := j.Record(ctx).JobData; data != nil {
		return data
	}
	return resource.Document{}
}

// UpdateProgress sets percent complete (0-100).
func (j *Job) UpdateProgress(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return j.wrap("UpdateProgress", resource.InvalidArgument("progress %d outside 0-100", percent))
	}
	return j.r.SetField(ctx, FieldProgress, percent)
}

// UpdateStatus sets the lifecycle state. IN_PROGRESS is stored as RUNNING.
func (j *Job) UpdateStatus(ctx context.Context, status Status) error {
	st, err := ParseStatus(string(status))
	if err != nil {
		return j.wrap("UpdateStatus", err)
	}
	return j.r.SetField(ctx, FieldStatus, string(st))
}

// SetType sets the job type label.
func (j *Job) SetType(ctx context.Context, jobType string) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return j.wrap("SetType", resource.InvalidArgument("job type is required"))
	}
	return j.r.SetField(ctx, FieldType, jobType)
}

// SetExperiment sets the owning experiment and mirrors it into
// job_data.experiment_name.
func (j *Job) SetExperiment(ctx context.Context, experimentID string) error {
	return j.r.Update(ctx, func(doc resource.Document) error {
		doc[FieldExperimentID] = experimentID
		jobData(doc)[DataExperimentName] = experimentID
		return nil
	})
}

// UpdateJobDataField sets one key inside job_data, creating the map if needed.
func (j *Job) UpdateJobDataField(ctx context.Context, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return j.wrap("UpdateJobDataField", resource.InvalidArgument("job_data key is required"))
	}
	return j.r.Update(ctx, func(doc resource.Document) error {
		jobData(doc)[key] = value
		return nil
	})
}

// SetJobData replaces job_data.
func (j *Job) SetJobData(ctx context.Context, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	return j.r.SetField(ctx, FieldJobData, data)
}

// MergeJobData shallow-merges fields into job_data in one write.
func (j *Job) MergeJobData(ctx context.Context, fields map[string]any) error {
	return j.r.Update(ctx, func(doc resource.Document) error {
		data := jobData(doc)
		for k, v := range fields {
			data[k] = v
		}
		return nil
	})
}

// AppendJobDataPath appends p to the string list at job_data[key].
func (j *Job) AppendJobDataPath(ctx context.Context, key, p string) error {
	return j.r.Update(ctx, func(doc resource.Document) error {
		data := jobData(doc)
		list, _ := data[key].([]any)
		data[key] = append(list, p)
		return nil
	})
}

// SetTensorboardOutputDir records where tensorboard output is written.
func (j *Job) SetTensorboardOutputDir(ctx context.Context, dir string) error {
	return j.UpdateJobDataField(ctx, DataTensorboardDir, dir)
}

// SetCompletionStatus records how the job finished. It does not touch the
// lifecycle state; see Finish.
func (j *Job) SetCompletionStatus(ctx context.Context, c Completion) error {
	outcome, err := ParseOutcome(c.Outcome)
	if err != nil {
		return j.wrap("SetCompletionStatus", err)
	}
	return j.r.Update(ctx, func(doc resource.Document) error {
		applyCompletion(jobData(doc), outcome, c)
		return nil
	})
}

// Finish marks the job COMPLETE and records its outcome in one write.
// Success also sets progress to 100.
func (j *Job) Finish(ctx context.Context, c Completion) error {
	outcome, err := ParseOutcome(c.Outcome)
	if err != nil {
		return j.wrap("Finish", err)
	}
	return j.r.Update(ctx, func(doc resource.Document) error {
		doc[FieldStatus] = string(StatusComplete)
		if outcome == OutcomeSuccess {
			doc[FieldProgress] = 100
		}
		applyCompletion(jobData(doc), outcome, c)
		return nil
	})
}

func applyCompletion(data resource.Document, outcome Outcome, c Completion) {
	data[DataCompletionStatus] = string(outcome)
	data[DataCompletionDetails] = c.Details
	if outcome == OutcomeFailed {
		data[DataStatus] = DataStatusFailed
	}
	if c.Score != nil {
		data[DataScore] = c.Score
	}
	if p := strings.TrimSpace(c.AdditionalOutputPath); p != "" {
		data[DataAdditionalOutputPath] = p
	}
	if p := strings.TrimSpace(c.PlotDataPath); p != "" {
		data[DataPlotDataPath] = p
	}
}

// LogPath returns the key of the job's log file, creating it empty when
// absent. job_data.output_file_path overrides the default
// output_<id>.txt inside the job directory.
func (j *Job) LogPath(ctx context.Context) (string, error) {
	key := j.defaultLogPath()
	if override := strings.TrimSpace(j.JobData(ctx).String(DataOutputFilePath)); override != "" {
		k, err := filestore.Rel(j.r.FS(), override)
		if err != nil || k == "" {
			j.log.Warn("Ignoring unusable log path override", zap.String("path", override), zap.Error(err))
		} else {
			key = k
		}
	}

	fs := j.r.FS()
	ok, err := fs.Exists(ctx, key)
	if err != nil {
		return "", j.wrap("LogPath", err)
	}
	if !ok {
		if err := fs.Write(ctx, key, nil); err != nil {
			return "", j.wrap("LogPath", err)
		}
	}
	return key, nil
}

func (j *Job) defaultLogPath() string {
	return j.r.Path(fmt.Sprintf("output_%s.txt", path.Base(j.Dir())))
}

// LogInfo appends a line to the job log. The whole file is rewritten, so
// writers in other processes can still lose lines.
func (j *Job) LogInfo(ctx context.Context, message string) error {
	key, err := j.LogPath(ctx)
	if err != nil {
		return err
	}
	fs := j.r.FS()

	mu, _ := logLocks.LoadOrStore(fs.Location(key), &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	existing, err := fs.Read(ctx, key)
	if err != nil && !filestore.IsNotFound(err) {
		return j.wrap("LogInfo", err)
	}
	buf := make([]byte, 0, len(existing)+len(message)+1)
	buf = append(buf, existing...)
	buf = append(buf, message...)
	buf = append(buf, '\n')
	if err := fs.Write(ctx, key, buf); err != nil {
		return j.wrap("LogInfo", err)
	}
	return nil
}

// Logs returns the log file contents.
func (j *Job) Logs(ctx context.Context) ([]byte, error) {
	key, err := j.LogPath(ctx)
	if err != nil {
		return nil, err
	}
	b, err := j.r.FS().Read(ctx, key)
	if err != nil {
		return nil, j.wrap("Logs", err)
	}
	return b, nil
}

// CheckpointsDir returns the key of the job's checkpoints directory.
func (j *Job) CheckpointsDir() string { return j.r.Path(checkpointsDir) }

// ArtifactsDir returns the key of the job's artifacts directory.
func (j *Job) ArtifactsDir() string { return j.r.Path(artifactsDir) }

// CheckpointPaths lists entries of the checkpoints directory, sorted.
func (j *Job) CheckpointPaths(ctx context.Context) ([]string, error) {
	return j.children(ctx, j.CheckpointsDir())
}

// ArtifactPaths lists entries of the artifacts directory, sorted.
func (j *Job) ArtifactPaths(ctx context.Context) ([]string, error) {
	return j.children(ctx, j.ArtifactsDir())
}

func (j *Job) children(ctx context.Context, dir string) ([]string, error) {
	entries, err := j.r.FS().List(ctx, dir)
	if err != nil {
		if filestore.IsNotFound(err) {
			return nil, nil
		}
		return nil, j.wrap("List", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, filestore.Join(dir, e.Name))
	}
	sort.Strings(out)
	return out, nil
}

func (j *Job) wrap(op string, err error) error {
	return &resource.Error{Op: op, Kind: KindName, ID: j.ID(), Err: err}
}

// jobData returns doc's job_data map, replacing anything that is not an
// object with an empty one.
func jobData(doc resource.Document) resource.Document {
	if data := doc.Map(FieldJobData); data != nil {
		doc[FieldJobData] = data
		return data
	}
	data := resource.Document{}
	doc[FieldJobData] = data
	return data
}
