package lab

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/labmeta/pkg/job"
	"github.com/3leaps/labmeta/pkg/resource"
	"github.com/3leaps/labmeta/pkg/workspace"
)

var fixedNow = time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

func newTestLab(t *testing.T) (*Lab, string) {
	t.Helper()
	home := t.TempDir()
	ws, err := workspace.Open(context.Background(), workspace.Config{HomeDir: home, MigrateOnOpen: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	l, err := New(ws, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return l, filepath.Join(home, "workspace")
}

func writeSource(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLab_NotInitialized(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLab(t)

	assert.ErrorIs(t, l.Log(ctx, "x"), ErrNotInitialized)
	assert.ErrorIs(t, l.SetConfig(ctx, nil), ErrNotInitialized)
	assert.ErrorIs(t, l.Finish(ctx, FinishOptions{}), ErrNotInitialized)
	_, err := l.SaveArtifact(ctx, "/tmp/x", "")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, l.CaptureWandbURL(ctx, "  "), "blank URL is ignored before init")
}

func TestLab_InitNewJob(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLab(t)

	require.NoError(t, l.Init(ctx, "alpha", ""))
	j, err := l.Job()
	require.NoError(t, err)
	assert.Equal(t, "1", j.ID())

	rec := j.Record(ctx)
	assert.Equal(t, job.StatusRunning, rec.Status)
	assert.Equal(t, "alpha", rec.ExperimentID)
	assert.Equal(t, "2025-02-03 04:05:06", rec.JobData.String("start_time"))
	assert.DirExists(t, filepath.Join(root, "experiments", "alpha"))

	// A second session under the same experiment gets the next id.
	l2, err := New(l.ws)
	require.NoError(t, err)
	require.NoError(t, l2.Init(ctx, "alpha", ""))
	j2, err := l2.Job()
	require.NoError(t, err)
	assert.Equal(t, "2", j2.ID())
	assert.NotEqual(t, l.SessionID(), l2.SessionID())
}

func TestLab_InitExistingJob(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLab(t)

	e, err := l.ws.Experiments.Create(ctx, "alpha")
	require.NoError(t, err)
	existing, err := e.CreateJob(ctx)
	require.NoError(t, err)

	require.NoError(t, l.Init(ctx, "alpha", existing.ID()))
	j, err := l.Job()
	require.NoError(t, err)
	assert.Equal(t, existing.ID(), j.ID())
	assert.Equal(t, job.StatusRunning, j.Status(ctx))

	l2, err := New(l.ws)
	require.NoError(t, err)
	err = l2.Init(ctx, "alpha", "999")
	assert.True(t, resource.IsNotFound(err))

	assert.True(t, resource.IsInvalidArgument(l2.Init(ctx, " ", "")))
}

func TestLab_ConfigLogProgressFinish(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLab(t)
	require.NoError(t, l.Init(ctx, "alpha", ""))
	j, _ := l.Job()

	require.NoError(t, l.SetConfig(ctx, map[string]any{"lr": 0.01}))
	require.NoError(t, l.SetConfig(ctx, map[string]any{"epochs": 2, "experiment_name": "custom"}))
	data := j.JobData(ctx)
	assert.Equal(t, 0.01, data["lr"])
	assert.Equal(t, 2, data.Int("epochs", 0))
	assert.Equal(t, "custom", data.String(job.DataExperimentName))

	require.NoError(t, l.Log(ctx, "step 1"))
	require.NoError(t, l.UpdateProgress(ctx, 40))
	require.NoError(t, l.CaptureWandbURL(ctx, " https://wandb.ai/run/1 "))

	logs, err := j.Logs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "step 1\n", string(logs))
	assert.Equal(t, 40, j.Progress(ctx))
	assert.Equal(t, "https://wandb.ai/run/1", j.JobData(ctx).String(job.DataWandbRunURL))

	require.NoError(t, l.Finish(ctx, FinishOptions{Score: map[string]any{"acc": 0.9}}))
	rec := j.Record(ctx)
	assert.Equal(t, job.StatusComplete, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, job.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, DefaultFinishMessage, rec.JobData.String(job.DataCompletionDetails))
}

func TestLab_Error(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLab(t)
	require.NoError(t, l.Init(ctx, "alpha", ""))
	j, _ := l.Job()

	require.NoError(t, l.Error(ctx, "oom"))
	rec := j.Record(ctx)
	assert.Equal(t, job.StatusComplete, rec.Status)
	assert.Equal(t, job.OutcomeFailed, rec.Outcome)
	assert.Equal(t, "FAILED", rec.JobData.String(job.DataStatus))
	assert.Equal(t, "oom", rec.JobData.String(job.DataCompletionDetails))
}

func TestLab_SaveArtifactAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLab(t)
	require.NoError(t, l.Init(ctx, "alpha", ""))
	j, _ := l.Job()

	src := writeSource(t, "plot.png", "png")
	dest, err := l.SaveArtifact(ctx, src, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "jobs", "1", "artifacts", "plot.png"), dest)
	assert.FileExists(t, dest)

	ckptDir := filepath.Dir(writeSource(t, "ckpt/weights.bin", "w"))
	dest, err = l.SaveCheckpoint(ctx, ckptDir, "step-10")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "weights.bin"))

	data := j.JobData(ctx)
	assert.Len(t, data.Strings(job.DataArtifacts), 1)
	assert.Equal(t, []string{dest}, data.Strings(job.DataCheckpoints))
	assert.Equal(t, dest, data.String(job.DataLatestCheckpoint))

	paths, err := j.CheckpointPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/1/checkpoints/step-10"}, paths)

	_, err = l.SaveArtifact(ctx, "  ", "")
	assert.True(t, resource.IsInvalidArgument(err))
	_, err = l.SaveArtifact(ctx, filepath.Join(t.TempDir(), "missing"), "")
	assert.True(t, resource.IsNotFound(err))
	_, err = l.SaveArtifact(ctx, src, "..")
	assert.True(t, resource.IsInvalidArgument(err))
}

func TestLab_SaveModel(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLab(t)
	require.NoError(t, l.Init(ctx, "alpha", ""))
	j, _ := l.Job()
	require.NoError(t, j.MergeJobData(ctx, map[string]any{"dataset": "alpaca", "model_name": "base"}))

	src := writeSource(t, "model/config.json", `{"architectures":["LlamaForCausalLM"]}`)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(src), "weights.bin"), []byte("abc"), 0o644))

	dest, err := l.SaveModel(ctx, filepath.Dir(src), ModelOptions{Name: "tuned", PipelineTag: "text-generation"})
	require.NoError(t, err)
	modelDir := filepath.Join(root, "models", "1_tuned")
	assert.Equal(t, modelDir, dest)
	assert.FileExists(t, filepath.Join(modelDir, "weights.bin"))

	var meta map[string]any
	b, err := os.ReadFile(filepath.Join(modelDir, "index.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &meta))
	assert.Equal(t, "1_tuned", meta["model_id"])
	assert.Equal(t, "LlamaForCausalLM", meta["architecture"])
	assert.Equal(t, "", meta["model_filename"])
	assert.Equal(t, "text-generation", meta["json_data"].(map[string]any)["pipeline_tag"])

	var prov Provenance
	b, err = os.ReadFile(filepath.Join(modelDir, ProvenanceFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &prov))
	assert.Equal(t, "1", prov.JobID)
	assert.Equal(t, l.SessionID(), prov.SessionID)
	assert.Len(t, prov.SessionID, 36)
	assert.Equal(t, "base", prov.ModelName)
	assert.Equal(t, "alpaca", prov.Dataset)
	assert.Equal(t, "blake3", prov.ChecksumAlgorithm)
	require.Len(t, prov.Checksums, 2)
	assert.Equal(t, "config.json", prov.Checksums[0].Path)
	assert.Equal(t, "weights.bin", prov.Checksums[1].Path)
	assert.Len(t, prov.Checksums[1].Checksum, 64)

	assert.Equal(t, []string{dest}, j.JobData(ctx).Strings(job.DataModels))
	logs, err := j.Logs(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "Model saved to Model Zoo as '1_tuned'")
}

func TestLab_SaveModelSingleFile(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLab(t)
	require.NoError(t, l.Init(ctx, "alpha", ""))

	src := writeSource(t, "model.gguf", "gguf")
	dest, err := l.SaveModel(ctx, src, ModelOptions{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "models", "1_model.gguf", "model.gguf"), dest)

	b, err := os.ReadFile(filepath.Join(root, "models", "1_model.gguf", "index.json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"model_filename": "model.gguf"`)
}
