package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/labmeta/internal/observability"
	"github.com/3leaps/labmeta/pkg/experiment"
	"github.com/3leaps/labmeta/pkg/job"
	"github.com/3leaps/labmeta/pkg/resource"
)

var experimentCmd = &cobra.Command{
	Use:     "experiment",
	Aliases: []string{"exp"},
	Short:   "Manage experiments",
}

var experimentCreateCmd = &cobra.Command{
	Use:   "create <experiment_id>",
	Short: "Create an experiment",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentCreate,
}

var experimentGetCmd = &cobra.Command{
	Use:   "get <experiment_id>",
	Short: "Show an experiment document",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentGet,
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	Args:  cobra.NoArgs,
	RunE:  runExperimentList,
}

var experimentDeleteCmd = &cobra.Command{
	Use:   "delete <experiment_id>",
	Short: "Delete an experiment and the jobs it owns",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentDelete,
}

var experimentRebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index <experiment_id>",
	Short: "Rebuild jobs.json from the job documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentRebuildIndex,
}

var experimentJobsCmd = &cobra.Command{
	Use:   "jobs <experiment_id>",
	Short: "List the jobs of an experiment",
	Long: `List the jobs of an experiment. The jobs index is rebuilt first.
DELETED jobs are hidden unless --status DELETED is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runExperimentJobs,
}

var experimentSetConfigCmd = &cobra.Command{
	Use:   "set-config <experiment_id> <key> <value>",
	Short: "Set one key of the experiment config",
	Long: `Set one key of the experiment config. The value is parsed as JSON when
possible, so numbers, booleans and objects keep their types.`,
	Args: cobra.ExactArgs(3),
	RunE: runExperimentSetConfig,
}

func init() {
	rootCmd.AddCommand(experimentCmd)
	experimentCmd.AddCommand(experimentCreateCmd)
	experimentCmd.AddCommand(experimentGetCmd)
	experimentCmd.AddCommand(experimentListCmd)
	experimentCmd.AddCommand(experimentDeleteCmd)
	experimentCmd.AddCommand(experimentRebuildIndexCmd)
	experimentCmd.AddCommand(experimentJobsCmd)
	experimentCmd.AddCommand(experimentSetConfigCmd)

	experimentCreateCmd.Flags().String("name", "", "Display name (defaults to the id)")
	experimentJobsCmd.Flags().String("type", "", "Only jobs of this type")
	experimentJobsCmd.Flags().String("status", "", "Only jobs in this status")
}

func runExperimentCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	exp, err := ws.Experiments.Create(ctx, args[0])
	if err != nil {
		return storeError("Failed to create experiment", err)
	}
	if name, _ := cmd.Flags().GetString("name"); strings.TrimSpace(name) != "" {
		if err := exp.Resource().SetField(ctx, experiment.FieldName, name); err != nil {
			return storeError("Failed to set experiment name", err)
		}
	}
	observability.CLILogger.Debug("Created experiment", zap.String("experiment_id", exp.ID()))
	return render(cmd, exp.Document(ctx), nil)
}

func runExperimentGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	exp, err := ws.Experiments.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load experiment", err)
	}
	return render(cmd, exp.Document(ctx), nil)
}

func runExperimentList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	docs, err := ws.Experiments.List(ctx)
	if err != nil {
		return storeError("Failed to list experiments", err)
	}
	if docs == nil {
		docs = []resource.Document{}
	}
	return render(cmd, docs, func(w io.Writer) {
		printf(w, "ID\tNAME\n")
		for _, d := range docs {
			printf(w, "%s\t%s\n", dash(d.String(experiment.FieldID)), dash(d.String(experiment.FieldName)))
		}
	})
}

func runExperimentDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	if err := ws.Experiments.Delete(ctx, args[0]); err != nil {
		return storeError("Failed to delete experiment", err)
	}
	return render(cmd, map[string]any{"deleted": args[0]}, nil)
}

func runExperimentRebuildIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	exp, err := ws.Experiments.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load experiment", err)
	}
	ix, err := exp.RebuildJobsIndex(ctx)
	if err != nil {
		return storeError("Failed to rebuild jobs index", err)
	}
	return render(cmd, ix, func(w io.Writer) {
		printf(w, "TYPE\tJOBS\n")
		for _, t := range ix.IDs() {
			printf(w, "%s\t%s\n", t, dash(strings.Join(ix[t], ",")))
		}
	})
}

func runExperimentJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobType, _ := cmd.Flags().GetString("type")
	status, _ := cmd.Flags().GetString("status")
	if status != "" {
		parsed, err := job.ParseStatus(status)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		status = string(parsed)
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	exp, err := ws.Experiments.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load experiment", err)
	}
	recs, err := exp.GetJobs(ctx, experiment.Filter{Type: jobType, Status: status})
	if err != nil {
		return storeError("Failed to list experiment jobs", err)
	}
	return renderRecords(cmd, recs)
}

func runExperimentSetConfig(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	exp, err := ws.Experiments.Get(ctx, args[0])
	if err != nil {
		return storeError("Failed to load experiment", err)
	}
	if err := exp.UpdateConfigField(ctx, args[1], parseValue(args[2])); err != nil {
		return storeError(fmt.Sprintf("Failed to set config key %q", args[1]), err)
	}
	return render(cmd, exp.Config(ctx), nil)
}
