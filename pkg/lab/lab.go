// Package lab is the session facade a training script drives: init a job
// under an experiment, attach config, log and report progress, save
// outputs, and finish or fail.
package lab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/labmeta/pkg/experiment"
	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/job"
	"github.com/3leaps/labmeta/pkg/resource"
	"github.com/3leaps/labmeta/pkg/workspace"
)

// ErrNotInitialized is returned by session methods called before Init.
var ErrNotInitialized = errors.New("lab not initialized: call Init first")

// DefaultFinishMessage is recorded when Finish gets no message.
const DefaultFinishMessage = "Job completed successfully"

// Lab is one session over a workspace. It is not safe for concurrent use.
type Lab struct {
	ws     *workspace.Workspace
	models *resource.Store
	log    *zap.Logger
	now    func() time.Time

	session string
	exp     *experiment.Experiment
	job     *job.Job
}

// Option configures a Lab.
type Option func(*Lab)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Lab) { l.now = now }
}

// New creates a session over ws.
func New(ws *workspace.Workspace, opts ...Option) (*Lab, error) {
	if ws == nil {
		return nil, fmt.Errorf("workspace is nil")
	}
	models, err := resource.NewStore(ws.FS, ModelKind(), ws.ResourceOptions())
	if err != nil {
		return nil, err
	}
	l := &Lab{ws: ws, models: models, now: time.Now, session: uuid.New().String()}
	for _, opt := range opts {
		opt(l)
	}
	l.log = ws.Logger().With(zap.String("session", l.session))
	return l, nil
}

// SessionID identifies this session in logs and model provenance.
func (l *Lab) SessionID() string { return l.session }

// Init attaches the session to a job. With existingJobID the job must
// exist; otherwise the experiment is created if needed and a new job is
// allocated under it. Either way the job ends up RUNNING.
func (l *Lab) Init(ctx context.Context, experimentID, existingJobID string) error {
	if strings.TrimSpace(experimentID) == "" {
		return resource.InvalidArgument("experiment id is required")
	}

	var (
		exp *experiment.Experiment
		j   *job.Job
		err error
	)
	if id := strings.TrimSpace(existingJobID); id != "" {
		if exp, err = l.ws.Experiments.Get(ctx, experimentID); err != nil {
			return err
		}
		if j, err = l.ws.Jobs.Get(ctx, id); err != nil {
			return err
		}
		l.log.Info("Using existing job", zap.String("job_id", id))
	} else {
		if exp, err = l.ws.Experiments.GetOrCreate(ctx, experimentID); err != nil {
			return err
		}
		if j, err = exp.CreateJob(ctx); err != nil {
			return err
		}
		l.log.Info("Created job", zap.String("job_id", j.ID()), zap.String("experiment_id", experimentID))
	}

	if err := j.UpdateStatus(ctx, job.StatusRunning); err != nil {
		return err
	}
	if j.JobData(ctx)["start_time"] == nil {
		if err := j.UpdateJobDataField(ctx, "start_time", provenanceTime(l.now())); err != nil {
			return err
		}
	}
	l.exp, l.job = exp, j
	return nil
}

// Job returns the session job.
func (l *Lab) Job() (*job.Job, error) {
	if err := l.ensure(); err != nil {
		return nil, err
	}
	return l.job, nil
}

// Experiment returns the session experiment.
func (l *Lab) Experiment() (*experiment.Experiment, error) {
	if err := l.ensure(); err != nil {
		return nil, err
	}
	return l.exp, nil
}

// SetConfig merges cfg into job_data, adding experiment_name when absent.
func (l *Lab) SetConfig(ctx context.Context, cfg map[string]any) error {
	if err := l.ensure(); err != nil {
		return err
	}
	merged := make(map[string]any, len(cfg)+1)
	for k, v := range cfg {
		merged[k] = v
	}
	if _, ok := merged[job.DataExperimentName]; !ok {
		merged[job.DataExperimentName] = l.exp.ID()
	}
	return l.job.MergeJobData(ctx, merged)
}

// Log appends a line to the job log.
func (l *Lab) Log(ctx context.Context, message string) error {
	if err := l.ensure(); err != nil {
		return err
	}
	return l.job.LogInfo(ctx, message)
}

// UpdateProgress sets percent complete.
func (l *Lab) UpdateProgress(ctx context.Context, percent int) error {
	if err := l.ensure(); err != nil {
		return err
	}
	return l.job.UpdateProgress(ctx, percent)
}

// FinishOptions carries the optional parts of a successful completion.
type FinishOptions struct {
	Message              string
	Score                map[string]any
	AdditionalOutputPath string
	PlotDataPath         string
}

// Finish marks the job COMPLETE with a success outcome and progress 100.
func (l *Lab) Finish(ctx context.Context, opts FinishOptions) error {
	if err := l.ensure(); err != nil {
		return err
	}
	msg := opts.Message
	if msg == "" {
		msg = DefaultFinishMessage
	}
	return l.job.Finish(ctx, job.Completion{
		Outcome:              string(job.OutcomeSuccess),
		Details:              msg,
		Score:                opts.Score,
		AdditionalOutputPath: opts.AdditionalOutputPath,
		PlotDataPath:         opts.PlotDataPath,
	})
}

// Error marks the job COMPLETE with a failed outcome.
func (l *Lab) Error(ctx context.Context, message string) error {
	if err := l.ensure(); err != nil {
		return err
	}
	return l.job.Finish(ctx, job.Completion{Outcome: string(job.OutcomeFailed), Details: message})
}

// CaptureWandbURL records a Weights & Biases run URL. Blank input is ignored.
func (l *Lab) CaptureWandbURL(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if err := l.ensure(); err != nil {
		return err
	}
	return l.job.UpdateJobDataField(ctx, job.DataWandbRunURL, url)
}

// CheckpointsDir renders the job's checkpoints directory.
func (l *Lab) CheckpointsDir() (string, error) {
	if err := l.ensure(); err != nil {
		return "", err
	}
	return l.ws.FS.Location(l.job.CheckpointsDir()), nil
}

// ArtifactsDir renders the job's artifacts directory.
func (l *Lab) ArtifactsDir() (string, error) {
	if err := l.ensure(); err != nil {
		return "", err
	}
	return l.ws.FS.Location(l.job.ArtifactsDir()), nil
}

// SaveArtifact copies a local file or directory into the job's artifacts
// directory and records it in job_data.artifacts.
func (l *Lab) SaveArtifact(ctx context.Context, src, name string) (string, error) {
	return l.saveInto(ctx, "SaveArtifact", src, name, (*job.Job).ArtifactsDir, func(loc string) {
		l.bestEffort("artifacts", l.job.AppendJobDataPath(ctx, job.DataArtifacts, loc))
	})
}

// SaveCheckpoint copies a local file or directory into the job's
// checkpoints directory, records it, and points latest_checkpoint at it.
func (l *Lab) SaveCheckpoint(ctx context.Context, src, name string) (string, error) {
	return l.saveInto(ctx, "SaveCheckpoint", src, name, (*job.Job).CheckpointsDir, func(loc string) {
		l.bestEffort("checkpoints", l.job.AppendJobDataPath(ctx, job.DataCheckpoints, loc))
		l.bestEffort("latest checkpoint", l.job.UpdateJobDataField(ctx, job.DataLatestCheckpoint, loc))
	})
}

func (l *Lab) saveInto(ctx context.Context, op, src, name string, dirOf func(*job.Job) string, track func(loc string)) (string, error) {
	if err := l.ensure(); err != nil {
		return "", err
	}
	abs, err := checkSource(op, src)
	if err != nil {
		return "", err
	}
	base := strings.TrimSpace(name)
	if base == "" {
		base = filepath.Base(abs)
	}
	dir := dirOf(l.job)
	key := filestore.Join(dir, filepath.ToSlash(base))
	if !strings.HasPrefix(key, dir+"/") {
		return "", resource.InvalidArgument("name %q escapes the job directory", name)
	}
	if err := filestore.PutLocal(ctx, l.ws.FS, abs, key); err != nil {
		return "", err
	}
	loc := l.ws.FS.Location(key)
	track(loc)
	return loc, nil
}

// SaveModel copies a local model into the workspace models root as
// <job_id>_<name>, writes model metadata and a provenance file, and records
// the model in job_data.models. Only the copy can fail the call; metadata
// and provenance failures are logged to the job log.
func (l *Lab) SaveModel(ctx context.Context, src string, opts ModelOptions) (string, error) {
	if err := l.ensure(); err != nil {
		return "", err
	}
	abs, err := checkSource("SaveModel", src)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}

	base := strings.TrimSpace(opts.Name)
	if base == "" {
		base = filepath.Base(abs)
	}
	modelID := l.job.ID() + "_" + base
	dir, err := l.models.Dir(modelID)
	if err != nil {
		return "", err
	}

	key, filename := dir, ""
	if !info.IsDir() {
		filename = filepath.Base(abs)
		key = filestore.Join(dir, filename)
	}
	if err := filestore.PutLocal(ctx, l.ws.FS, abs, key); err != nil {
		return "", err
	}
	loc := l.ws.FS.Location(key)

	sums, sumErr := checksumTree(ctx, l.ws.FS, key)

	arch := opts.Architecture
	if arch == "" && info.IsDir() {
		arch = detectArchitecture(abs)
	}
	if err := l.writeModelMetadata(ctx, modelID, arch, filename, opts); err != nil {
		l.warn(ctx, fmt.Sprintf("Warning: Model saved but metadata creation failed: %v", err))
	} else {
		l.bestEffort("model log", l.job.LogInfo(ctx, fmt.Sprintf("Model saved to Model Zoo as '%s'", modelID)))
	}

	if sumErr != nil {
		l.warn(ctx, fmt.Sprintf("Warning: Model saved but provenance creation failed: %v", sumErr))
	} else if p, err := l.writeProvenance(ctx, dir, arch, opts, sums); err != nil {
		l.warn(ctx, fmt.Sprintf("Warning: Model saved but provenance creation failed: %v", err))
	} else {
		l.bestEffort("provenance log", l.job.LogInfo(ctx, "Provenance file created at: "+l.ws.FS.Location(p)))
	}

	l.bestEffort("models", l.job.AppendJobDataPath(ctx, job.DataModels, loc))
	return loc, nil
}

func (l *Lab) writeModelMetadata(ctx context.Context, modelID, arch, filename string, opts ModelOptions) error {
	r, err := l.models.Get(ctx, modelID)
	if err != nil {
		return err
	}
	return r.Update(ctx, func(doc resource.Document) error {
		doc["architecture"] = arch
		doc["model_filename"] = filename
		data := doc.Map("json_data")
		if data == nil {
			data = resource.Document{}
		}
		data["job_id"] = l.job.ID()
		data["description"] = "Model generated by job " + l.job.ID()
		if opts.PipelineTag != "" {
			data["pipeline_tag"] = opts.PipelineTag
		}
		doc["json_data"] = data
		return nil
	})
}

func (l *Lab) writeProvenance(ctx context.Context, dir, arch string, opts ModelOptions, sums []FileChecksum) (string, error) {
	data := l.job.JobData(ctx)
	var modelName any = opts.ParentModel
	if opts.ParentModel == "" {
		modelName = data["model_name"]
	}
	params := data["_config"]
	if params == nil {
		params = map[string]any{}
	}
	p := Provenance{
		JobID:             l.job.ID(),
		SessionID:         l.session,
		ModelName:         modelName,
		ModelArchitecture: arch,
		InputModel:        opts.ParentModel,
		Dataset:           data["dataset"],
		AdaptorName:       data["adaptor_name"],
		Parameters:        params,
		StartTime:         data.String("start_time"),
		EndTime:           provenanceTime(l.now()),
		ChecksumAlgorithm: "blake3",
		Checksums:         sums,
	}
	b, err := resource.Encode(p)
	if err != nil {
		return "", err
	}
	key := filestore.Join(dir, ProvenanceFile)
	return key, l.ws.FS.Write(ctx, key, b)
}

func checkSource(op, src string) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", &resource.Error{Op: op, Err: resource.InvalidArgument("source path must be a non-empty string")}
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", &resource.Error{Op: op, Err: resource.InvalidArgument("source path %q: %v", src, err)}
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return "", &resource.Error{Op: op, Err: fmt.Errorf("%w: source does not exist: %s", resource.ErrNotFound, abs)}
		}
		return "", err
	}
	return abs, nil
}

func (l *Lab) ensure() error {
	if l.exp == nil || l.job == nil {
		return ErrNotInitialized
	}
	return nil
}

func (l *Lab) warn(ctx context.Context, msg string) {
	l.log.Warn(msg, zap.String("job_id", l.job.ID()))
	l.bestEffort("warning log", l.job.LogInfo(ctx, msg))
}

func (l *Lab) bestEffort(what string, err error) {
	if err != nil {
		l.log.Warn("Best-effort update failed", zap.String("what", what), zap.Error(err))
	}
}
