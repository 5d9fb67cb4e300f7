package job

import (
	"strings"

	"github.com/3leaps/labmeta/pkg/resource"
)

// Status is the top-level lifecycle state of a job.
//
// NOTE: These values are persisted in index.json and are part of the stable
// on-disk contract.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusQueued     Status = "QUEUED"
	StatusRunning    Status = "RUNNING"
	StatusComplete   Status = "COMPLETE"
	StatusDeleted    Status = "DELETED"

	// StatusInProgress is accepted on input and read back as StatusRunning.
	StatusInProgress Status = "IN_PROGRESS"
)

// Statuses lists the canonical lifecycle states.
var Statuses = []Status{StatusNotStarted, StatusQueued, StatusRunning, StatusComplete, StatusDeleted}

// ParseStatus normalizes status text. IN_PROGRESS maps to RUNNING.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if st == StatusInProgress {
		return StatusRunning, nil
	}
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", resource.InvalidArgument("unknown job status %q", s)
}

// NormalizeStatus maps persisted status text onto a Status without
// rejecting legacy values.
func NormalizeStatus(raw string) Status {
	if st, err := ParseStatus(raw); err == nil {
		return st
	}
	return Status(strings.ToUpper(strings.TrimSpace(raw)))
}

// InFlight reports whether the job is running.
func (s Status) InFlight() bool { return s == StatusRunning || s == StatusInProgress }

// Terminal reports whether the job reached COMPLETE or DELETED.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusDeleted }

// Outcome is how a job finished, independent of its lifecycle state.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ParseOutcome accepts exactly "success" or "failed".
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeSuccess, OutcomeFailed:
		return Outcome(s), nil
	default:
		return OutcomeNone, resource.InvalidArgument("completion status must be %q or %q, got %q", OutcomeSuccess, OutcomeFailed, s)
	}
}

// Job types known to the experiment index.
const (
	TypeTrain             = "TRAIN"
	TypeDownloadModel     = "DOWNLOAD_MODEL"
	TypeLoadModel         = "LOAD_MODEL"
	TypeTask              = "TASK"
	TypeEval              = "EVAL"
	TypeExport            = "EXPORT"
	TypeUndefined         = "UNDEFINED"
	TypeGenerate          = "GENERATE"
	TypeInstallRecipeDeps = "INSTALL_RECIPE_DEPS"
	TypeDiffusion         = "DIFFUSION"
	TypeRemote            = "REMOTE"
)

// Types lists the job types that get a bucket in a fresh experiment index.
var Types = []string{
	TypeTrain, TypeDownloadModel, TypeLoadModel, TypeTask, TypeEval,
	TypeExport, TypeUndefined, TypeGenerate, TypeInstallRecipeDeps, TypeDiffusion,
}

// Document field names.
const (
	FieldID           = "id"
	FieldExperimentID = "experiment_id"
	FieldStatus       = "status"
	FieldType         = "type"
	FieldProgress     = "progress"
	FieldJobData      = "job_data"
)

// job_data keys with meaning to this package.
const (
	DataExperimentName       = "experiment_name"
	DataCompletionStatus     = "completion_status"
	DataCompletionDetails    = "completion_details"
	DataStatus               = "status"
	DataScore                = "score"
	DataAdditionalOutputPath = "additional_output_path"
	DataPlotDataPath         = "plot_data_path"
	DataOutputFilePath       = "output_file_path"
	DataTensorboardDir       = "tensorboard_output_dir"
	DataCheckpoints          = "checkpoints"
	DataLatestCheckpoint     = "latest_checkpoint"
	DataArtifacts            = "artifacts"
	DataModels               = "models"
	DataWandbRunURL          = "wandb_run_url"

	// DataStatusFailed is written to job_data.status on failure so older
	// readers that only look there still see it.
	DataStatusFailed = "FAILED"
)

// Record is a typed view of a job document.
type Record struct {
	ID           string            `json:"id" yaml:"id"`
	ExperimentID string            `json:"experiment_id" yaml:"experiment_id"`
	Status       Status            `json:"status" yaml:"status"`
	Type         string            `json:"type" yaml:"type"`
	Progress     int               `json:"progress" yaml:"progress"`
	Outcome      Outcome           `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	JobData      resource.Document `json:"job_data" yaml:"job_data"`

	// Doc is the full document the record was decoded from.
	Doc resource.Document `json:"-" yaml:"-"`
}

// FromDocument decodes a job document. Missing or mistyped fields take
// their zero values; legacy status text is normalized.
func FromDocument(doc resource.Document) Record {
	rec := Record{
		ID:           doc.String(FieldID),
		ExperimentID: doc.String(FieldExperimentID),
		Status:       NormalizeStatus(doc.String(FieldStatus)),
		Type:         doc.String(FieldType),
		Progress:     doc.Int(FieldProgress, 0),
		JobData:      doc.Map(FieldJobData),
		Doc:          doc,
	}
	rec.Outcome = outcomeOf(rec.Status, rec.JobData)
	return rec
}

func outcomeOf(st Status, data resource.Document) Outcome {
	switch Outcome(data.String(DataCompletionStatus)) {
	case OutcomeSuccess:
		return OutcomeSuccess
	case OutcomeFailed:
		return OutcomeFailed
	}
	if data.String(DataStatus) == DataStatusFailed || st == DataStatusFailed {
		return OutcomeFailed
	}
	return OutcomeNone
}

// DefaultDocument is the document written for a new job.
func DefaultDocument(id string) resource.Document {
	return resource.Document{
		FieldID:           id,
		FieldExperimentID: "",
		FieldStatus:       string(StatusNotStarted),
		FieldType:         TypeTrain,
		FieldProgress:     0,
		FieldJobData:      map[string]any{},
	}
}

// Completion describes how a job finished.
type Completion struct {
	// Outcome must be "success" or "failed".
	Outcome string

	Details string

	// Score is a metric name to value map stored verbatim.
	Score map[string]any

	AdditionalOutputPath string
	PlotDataPath         string
}
