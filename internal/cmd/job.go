package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/labmeta/internal/observability"
	"github.com/3leaps/labmeta/pkg/job"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Allocate a new job under an experiment",
	Args:  cobra.NoArgs,
	RunE:  runJobCreate,
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job_id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobGet,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List every job in the workspace. --match filters ids with a glob
(e.g., '1*' or '{3,4,5}').`,
	Args: cobra.NoArgs,
	RunE: runJobList,
}

var jobSetFieldCmd = &cobra.Command{
	Use:   "set-field <job_id> <key> <value>",
	Short: "Set a top-level or job_data field",
	Long: `Set a top-level document field, or a job_data field with --job-data.
The value is parsed as JSON when possible.`,
	Args: cobra.ExactArgs(3),
	RunE: runJobSetField,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job_id> <status>",
	Short: "Set the lifecycle status",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobStatus,
}

var jobProgressCmd = &cobra.Command{
	Use:   "progress <job_id> <percent>",
	Short: "Set percent complete (0-100)",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobProgress,
}

var jobCompleteCmd = &cobra.Command{
	Use:   "complete <job_id>",
	Short: "Record how a job finished",
	Long: `Record the outcome of a job. By default the job also moves to COMPLETE
(and to progress 100 on success); --keep-status only records the outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobComplete,
}

var jobLogCmd = &cobra.Command{
	Use:   "log <job_id> <message...>",
	Short: "Append a line to the job log",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runJobLog,
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Print the job log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobLogs,
}

var jobCountRunningCmd = &cobra.Command{
	Use:   "count-running",
	Short: "Count jobs in RUNNING",
	Args:  cobra.NoArgs,
	RunE:  runJobCountRunning,
}

var jobNextQueuedCmd = &cobra.Command{
	Use:   "next-queued",
	Short: "Show the oldest QUEUED job",
	Args:  cobra.NoArgs,
	RunE:  runJobNextQueued,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobCreateCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobSetFieldCmd)
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobProgressCmd)
	jobCmd.AddCommand(jobCompleteCmd)
	jobCmd.AddCommand(jobLogCmd)
	jobCmd.AddCommand(jobLogsCmd)
	jobCmd.AddCommand(jobCountRunningCmd)
	jobCmd.AddCommand(jobNextQueuedCmd)

	jobCreateCmd.Flags().String("experiment", "", "Owning experiment (created if missing)")
	jobCreateCmd.Flags().String("type", "", "Job type (default TRAIN)")
	_ = jobCreateCmd.MarkFlagRequired("experiment")

	jobListCmd.Flags().String("match", "", "Glob over job ids")
	jobListCmd.Flags().String("status", "", "Only jobs in this status")

	jobSetFieldCmd.Flags().Bool("job-data", false, "Set the key inside job_data")

	jobCompleteCmd.Flags().String("outcome", string(job.OutcomeSuccess), "Outcome: success or failed")
	jobCompleteCmd.Flags().String("details", "", "Completion details")
	jobCompleteCmd.Flags().String("score", "", "Score as a JSON object")
	jobCompleteCmd.Flags().String("additional-output-path", "", "Additional output path")
	jobCompleteCmd.Flags().String("plot-data-path", "", "Plot data path")
	jobCompleteCmd.Flags().Bool("keep-status", false, "Record the outcome without changing status")

	jobLogsCmd.Flags().Int("tail", 0, "Show last N lines (0 = all)")
}

func runJobCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	expID, _ := cmd.Flags().GetString("experiment")
	jobType, _ := cmd.Flags().GetString("type")

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	exp, err := ws.Experiments.GetOrCreate(ctx, expID)
	if err != nil {
		return storeError("Failed to open experiment", err)
	}
	j, err := exp.CreateJob(ctx)
	if err != nil {
		return storeError("Failed to create job", err)
	}
	if strings.TrimSpace(jobType) != "" {
		if err := j.SetType(ctx, jobType); err != nil {
			return storeError("Failed to set job type", err)
		}
	}
	observability.CLILogger.Debug("Created job", zap.String("job_id", j.ID()), zap.String("experiment_id", exp.ID()))
	return render(cmd, j.Record(ctx), nil)
}

func runJobGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	j, err := ws.Jobs.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load job", err)
	}
	return render(cmd, j.Record(ctx), nil)
}

func runJobList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	pattern, _ := cmd.Flags().GetString("match")
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", fmt.Errorf("bad glob %q", pattern))
	}
	status, _ := cmd.Flags().GetString("status")
	var want job.Status
	if status != "" {
		parsed, err := job.ParseStatus(status)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		want = parsed
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	all, err := ws.Jobs.List(ctx)
	if err != nil {
		return storeError("Failed to list jobs", err)
	}
	recs := make([]job.Record, 0, len(all))
	for _, r := range all {
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, r.ID); !ok {
				continue
			}
		}
		if want != "" && r.Status != want {
			continue
		}
		recs = append(recs, r)
	}
	return renderRecords(cmd, recs)
}

func runJobSetField(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	inJobData, _ := cmd.Flags().GetBool("job-data")
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	j, err := ws.Jobs.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load job", err)
	}
	value := parseValue(args[2])
	if inJobData {
		err = j.UpdateJobDataField(ctx, args[1], value)
	} else {
		err = j.Resource().SetField(ctx, args[1], value)
	}
	if err != nil {
		return storeError(fmt.Sprintf("Failed to set field %q", args[1]), err)
	}
	return render(cmd, j.Record(ctx), nil)
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	status, err := job.ParseStatus(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid status", err)
	}
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	j, err := ws.Jobs.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load job", err)
	}
	if err := j.UpdateStatus(ctx, status); err != nil {
		return storeError("Failed to update status", err)
	}
	return render(cmd, j.Record(ctx), nil)
}

func runJobProgress(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	percent, err := strconv.Atoi(strings.TrimSpace(args[1]))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid progress", err)
	}
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	j, err := ws.Jobs.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load job", err)
	}
	if err := j.UpdateProgress(ctx, percent); err != nil {
		return storeError("Failed to update progress", err)
	}
	return render(cmd, j.Record(ctx), nil)
}

func runJobComplete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	outcome, _ := flags.GetString("outcome")
	details, _ := flags.GetString("details")
	rawScore, _ := flags.GetString("score")
	extra, _ := flags.GetString("additional-output-path")
	plot, _ := flags.GetString("plot-data-path")
	keepStatus, _ := flags.GetBool("keep-status")

	c := job.Completion{Outcome: outcome, Details: details, AdditionalOutputPath: extra, PlotDataPath: plot}
	if rawScore != "" {
		score, ok := parseValue(rawScore).(map[string]any)
		if !ok {
			return exitError(foundry.ExitInvalidArgument, "Invalid --score value", fmt.Errorf("expected a JSON object"))
		}
		c.Score = score
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	j, err := ws.Jobs.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load job", err)
	}
	if keepStatus {
		err = j.SetCompletionStatus(ctx, c)
	} else {
		err = j.Finish(ctx, c)
	}
	if err != nil {
		return storeError("Failed to record completion", err)
	}
	return render(cmd, j.Record(ctx), nil)
}

func runJobLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	j, err := ws.Jobs.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load job", err)
	}
	if err := j.LogInfo(ctx, strings.Join(args[1:], " ")); err != nil {
		return storeError("Failed to append to job log", err)
	}
	return nil
}

func runJobLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tail, _ := cmd.Flags().GetInt("tail")
	if tail < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --tail value", fmt.Errorf("must be >= 0"))
	}
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	j, err := ws.Jobs.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load job", err)
	}
	b, err := j.Logs(ctx)
	if err != nil {
		return storeError("Failed to read job log", err)
	}
	_, err = io.WriteString(cmd.OutOrStdout(), tailLines(string(b), tail))
	return err
}

func runJobCountRunning(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	n, err := ws.Jobs.CountRunning(ctx)
	if err != nil {
		return storeError("Failed to count running jobs", err)
	}
	return render(cmd, map[string]int{"running": n}, nil)
}

func runJobNextQueued(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	j, err := ws.Jobs.NextQueued(ctx)
	if err != nil {
		return storeError("Failed to find queued job", err)
	}
	if j == nil {
		return render(cmd, nil, nil)
	}
	return render(cmd, j.Record(ctx), nil)
}

func renderRecords(cmd *cobra.Command, recs []job.Record) error {
	if recs == nil {
		recs = []job.Record{}
	}
	return render(cmd, recs, func(w io.Writer) {
		printf(w, "ID\tEXPERIMENT\tTYPE\tSTATUS\tPROGRESS\tOUTCOME\n")
		for _, r := range recs {
			printf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, dash(r.ExperimentID), dash(r.Type), r.Status, r.Progress, dash(string(r.Outcome)))
		}
	})
}

// tailLines returns the last n lines of s; n == 0 returns s unchanged.
func tailLines(s string, n int) string {
	if n == 0 || s == "" {
		return s
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "")
}
