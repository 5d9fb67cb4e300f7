package job

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/filestore/local"
	"github.com/3leaps/labmeta/pkg/resource"
)

func newTestJobs(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	fs, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	s, err := NewStore(fs, resource.Options{})
	require.NoError(t, err)
	return s, root
}

func readIndex(t *testing.T, root, id string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, "jobs", id, "index.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc
}

func TestCreate_DefaultDocument(t *testing.T) {
	ctx := context.Background()
	s, root := newTestJobs(t)

	_, err := s.Create(ctx, "1")
	require.NoError(t, err)

	doc := readIndex(t, root, "1")
	assert.Equal(t, "1", doc["id"])
	assert.Equal(t, "", doc["experiment_id"])
	assert.Equal(t, "NOT_STARTED", doc["status"])
	assert.Equal(t, "TRAIN", doc["type"])
	assert.Equal(t, float64(0), doc["progress"])
	assert.Equal(t, map[string]any{}, doc["job_data"])

	_, err = s.Get(ctx, "1")
	require.NoError(t, err)
}

func TestJob_Updates(t *testing.T) {
	ctx := context.Background()
	s, root := newTestJobs(t)
	j, err := s.Create(ctx, "1")
	require.NoError(t, err)

	require.NoError(t, j.UpdateStatus(ctx, StatusRunning))
	require.NoError(t, j.UpdateProgress(ctx, 50))
	require.NoError(t, j.UpdateJobDataField(ctx, "k", "v"))

	doc := readIndex(t, root, "1")
	assert.Equal(t, "RUNNING", doc["status"])
	assert.Equal(t, float64(50), doc["progress"])
	assert.Equal(t, "v", doc["job_data"].(map[string]any)["k"])

	rec := j.Record(ctx)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, 50, rec.Progress)
	assert.Equal(t, OutcomeNone, rec.Outcome)
}

func TestJob_UpdateValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestJobs(t)
	j, err := s.Create(ctx, "1")
	require.NoError(t, err)

	assert.True(t, resource.IsInvalidArgument(j.UpdateProgress(ctx, 101)))
	assert.True(t, resource.IsInvalidArgument(j.UpdateProgress(ctx, -1)))
	assert.True(t, resource.IsInvalidArgument(j.UpdateStatus(ctx, "PAUSED")))
	assert.True(t, resource.IsInvalidArgument(j.UpdateJobDataField(ctx, "", 1)))
	assert.True(t, resource.IsInvalidArgument(j.SetType(ctx, " ")))
}

func TestJob_InProgressAlias(t *testing.T) {
	ctx := context.Background()
	s, root := newTestJobs(t)
	j, err := s.Create(ctx, "1")
	require.NoError(t, err)

	require.NoError(t, j.UpdateStatus(ctx, StatusInProgress))
	assert.Equal(t, "RUNNING", readIndex(t, root, "1")["status"])

	// Documents written elsewhere with the alias still read as running.
	require.NoError(t, j.Resource().SetField(ctx, FieldStatus, "in_progress"))
	assert.Equal(t, StatusRunning, j.Status(ctx))

	n, err := s.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJob_SetExperimentMirrorsName(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestJobs(t)
	j, err := s.Create(ctx, "1")
	require.NoError(t, err)

	require.NoError(t, j.SetExperiment(ctx, "exp1"))
	assert.Equal(t, "exp1", j.ExperimentID(ctx))
	assert.Equal(t, "exp1", j.JobData(ctx).String(DataExperimentName))
}

func TestJob_JobDataReplacedWhenNotObject(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestJobs(t)
	j, err := s.Create(ctx, "1")
	require.NoError(t, err)

	require.NoError(t, j.Resource().SetField(ctx, FieldJobData, "oops"))
	require.NoError(t, j.UpdateJobDataField(ctx, "k", 1))
	assert.Equal(t, 1, j.JobData(ctx).Int("k", 0))

	require.NoError(t, j.SetJobData(ctx, map[string]any{"only": true}))
	assert.Equal(t, resource.Document{"only": true}, j.JobData(ctx))

	require.NoError(t, j.MergeJobData(ctx, map[string]any{"more": "x"}))
	assert.Equal(t, "x", j.JobData(ctx).String("more"))
	assert.Equal(t, true, j.JobData(ctx)["only"])

	require.NoError(t, j.SetTensorboardOutputDir(ctx, "/tb"))
	assert.Equal(t, "/tb", j.JobData(ctx).String(DataTensorboardDir))
}

func TestJob_SetCompletionStatus(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestJobs(t)
	j, err := s.Create(ctx, "2")
	require.NoError(t, err)

	for _, bad := range []string{"bogus", "", "SUCCESS", " failed"} {
		err := j.SetCompletionStatus(ctx, Completion{Outcome: bad})
		require.Error(t, err, bad)
		assert.True(t, resource.IsInvalidArgument(err))
	}

	require.NoError(t, j.SetCompletionStatus(ctx, Completion{
		Outcome:              "success",
		Details:              "ok",
		Score:                map[string]any{"acc": 1},
		AdditionalOutputPath: "  ",
		PlotDataPath:         " /plots/a.json ",
	}))
	data := j.JobData(ctx)
	assert.Equal(t, "success", data.String(DataCompletionStatus))
	assert.Equal(t, "ok", data.String(DataCompletionDetails))
	assert.Equal(t, map[string]any{"acc": float64(1)}, map[string]any(data.Map(DataScore)))
	assert.NotContains(t, data, DataAdditionalOutputPath)
	assert.Equal(t, "/plots/a.json", data.String(DataPlotDataPath))
	assert.Equal(t, StatusNotStarted, j.Status(ctx), "completion does not move lifecycle state")
}

func TestJob_FailedOutcome(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestJobs(t)
	j, err := s.Create(ctx, "3")
	require.NoError(t, err)

	require.NoError(t, j.SetCompletionStatus(ctx, Completion{Outcome: "failed", Details: "boom"}))
	rec := j.Record(ctx)
	assert.Equal(t, "FAILED", rec.JobData.String(DataStatus))
	assert.Equal(t, OutcomeFailed, rec.Outcome)
}

func TestJob_Finish(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestJobs(t)
	j, err := s.Create(ctx, "4")
	require.NoError(t, err)

	require.NoError(t, j.Finish(ctx, Completion{Outcome: "success", Details: "done"}))
	rec := j.Record(ctx)
	assert.Equal(t, StatusComplete, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	assert.True(t, rec.Status.Terminal())
}

func TestFromDocument_LegacyFailure(t *testing.T) {
	rec := FromDocument(resource.Document{"id": 7, "status": "FAILED", "job_data": map[string]any{}})
	assert.Equal(t, "7", rec.ID)
	assert.Equal(t, Status("FAILED"), rec.Status)
	assert.Equal(t, OutcomeFailed, rec.Outcome)

	rec = FromDocument(resource.Document{"job_data": map[string]any{"status": "FAILED"}})
	assert.Equal(t, OutcomeFailed, rec.Outcome)
}

func TestJob_LogFile(t *testing.T) {
	ctx := context.Background()
	s, root := newTestJobs(t)
	j, err := s.Create(ctx, "5")
	require.NoError(t, err)

	key, err := j.LogPath(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jobs/5/output_5.txt", key)
	assert.FileExists(t, filepath.Join(root, "jobs", "5", "output_5.txt"))

	require.NoError(t, j.LogInfo(ctx, "first"))
	require.NoError(t, j.LogInfo(ctx, "second"))
	b, err := j.Logs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(b))
}

func TestJob_LogFileOverride(t *testing.T) {
	ctx := context.Background()
	s, root := newTestJobs(t)
	j, err := s.Create(ctx, "6")
	require.NoError(t, err)

	abs := filepath.Join(root, "logs", "custom.txt")
	require.NoError(t, j.UpdateJobDataField(ctx, DataOutputFilePath, abs))

	key, err := j.LogPath(ctx)
	require.NoError(t, err)
	assert.Equal(t, "logs/custom.txt", key)
	assert.FileExists(t, abs)

	require.NoError(t, j.LogInfo(ctx, "hello"))
	b, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))

	require.NoError(t, j.UpdateJobDataField(ctx, DataOutputFilePath, "   "))
	key, err = j.LogPath(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jobs/6/output_6.txt", key)
}

func TestJob_LogFileOverrideOutsideWorkspace(t *testing.T) {
	ctx := context.Background()
	s, root := newTestJobs(t)
	j, err := s.Create(ctx, "7")
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "custom.log")
	require.NoError(t, j.UpdateJobDataField(ctx, DataOutputFilePath, outside))

	key, err := j.LogPath(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jobs/7/output_7.txt", key)
	assert.FileExists(t, filepath.Join(root, "jobs", "7", "output_7.txt"))
	assert.NoFileExists(t, outside)

	require.NoError(t, j.LogInfo(ctx, "hello"))
	b, err := os.ReadFile(filepath.Join(root, "jobs", "7", "output_7.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))

	// Nothing was relocated under the workspace root.
	rel := strings.TrimPrefix(filepath.ToSlash(outside), "/")
	assert.NoFileExists(t, filepath.Join(root, filepath.FromSlash(rel)))
}

func TestJob_CheckpointAndArtifactPaths(t *testing.T) {
	ctx := context.Background()
	s, root := newTestJobs(t)
	j, err := s.Create(ctx, "7")
	require.NoError(t, err)

	paths, err := j.CheckpointPaths(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)

	for _, name := range []string{"step-2", "step-1"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "jobs", "7", "checkpoints", name), 0o755))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "jobs", "7", "artifacts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "jobs", "7", "artifacts", "plot.png"), []byte("x"), 0o644))

	paths, err = j.CheckpointPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/7/checkpoints/step-1", "jobs/7/checkpoints/step-2"}, paths)

	paths, err = j.ArtifactPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/7/artifacts/plot.png"}, paths)
}

func TestStore_NextID(t *testing.T) {
	ctx := context.Background()
	s, root := newTestJobs(t)

	id, err := s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	for _, name := range []string{"3", "10", "abc", "2"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "jobs", name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "jobs", "99"), []byte("file"), 0o644))

	id, err = s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "11", id)
}

func TestStore_ListSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	s, root := newTestJobs(t)
	for _, id := range []string{"1", "2"} {
		_, err := s.Create(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "jobs", "3"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "jobs", "3", "index.json"), []byte("{"), 0o644))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "1", recs[0].ID)
	assert.Equal(t, "2", recs[1].ID)
}

// statFS reports fixed creation times so queue order is deterministic.
type statFS struct {
	filestore.Store
	created map[string]time.Time
}

func (f *statFS) Stat(ctx context.Context, p string) (*filestore.FileInfo, error) {
	info, err := f.Store.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if ts, ok := f.created[p]; ok {
		info.CreatedAt = ts
	}
	return info, nil
}

func TestStore_NextQueued(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	base, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fs := &statFS{Store: base, created: map[string]time.Time{
		"jobs/1":  t0.Add(3 * time.Minute),
		"jobs/2":  t0.Add(time.Minute),
		"jobs/3":  t0,
		"jobs/10": t0.Add(time.Minute),
		"jobs/9":  t0.Add(time.Minute),
	}}
	s, err := NewStore(fs, resource.Options{})
	require.NoError(t, err)

	next, err := s.NextQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	for _, id := range []string{"1", "2", "3", "9", "10"} {
		j, err := s.Create(ctx, id)
		require.NoError(t, err)
		require.NoError(t, j.UpdateStatus(ctx, StatusQueued))
	}
	j3, err := s.Get(ctx, "3")
	require.NoError(t, err)
	require.NoError(t, j3.UpdateStatus(ctx, StatusRunning))

	next, err = s.NextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "2", next.ID(), "oldest wins, numeric id breaks ties")

	require.NoError(t, next.UpdateStatus(ctx, StatusRunning))
	next, err = s.NextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9", next.ID())

	n, err := s.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
		ok   bool
	}{
		{"RUNNING", StatusRunning, true},
		{"in_progress", StatusRunning, true},
		{" queued ", StatusQueued, true},
		{"DELETED", StatusDeleted, true},
		{"FAILED", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
