// Package cmd implements the labmeta command tree.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/labmeta/internal/config"
	"github.com/3leaps/labmeta/internal/observability"
	"github.com/3leaps/labmeta/pkg/workspace"
)

// VersionInfo is stamped at build time.
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

var (
	cfgFile      string
	verbose      bool
	homeDir      string
	workspaceDir string
	orgID        string
	storageURI   string
	outputFormat string

	openWS *workspace.Workspace
)

var rootCmd = &cobra.Command{
	Use:   "labmeta",
	Short: "Inspect and edit experiment and job metadata in a lab workspace",
	Long: `labmeta reads and writes the metadata of experiments, jobs, datasets
and tasks kept in a workspace directory, on local disk or in S3.

Examples:
  labmeta experiment create alpha
  labmeta job create --experiment alpha --type TRAIN
  labmeta job list --match '1*' --output yaml
  labmeta migrate job`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initCLI,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeWorkspace()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/labmeta/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&homeDir, "home", "", "Home directory (default ~/.transformerlab)")
	pf.StringVar(&workspaceDir, "workspace", "", "Workspace directory, overrides --home and --org")
	pf.StringVar(&orgID, "org", "", "Organization id; selects <home>/orgs/<org>/workspace")
	pf.StringVar(&storageURI, "storage-uri", "", "Remote storage root (e.g., s3://bucket/prefix)")
	pf.StringVarP(&outputFormat, "output", "o", "json", "Output format: json, yaml or table")
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func initCLI(cmd *cobra.Command, _ []string) error {
	// PostRun is skipped when a command fails; drop any handle left behind.
	_ = closeWorkspace()

	switch strings.ToLower(outputFormat) {
	case "json", "yaml", "table":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("expected json, yaml or table, got %q", outputFormat))
	}

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	observability.Configure("labmeta", cfg.Logging.Level, cfg.Logging.Profile, verbose)
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("home_dir", cfg.HomeDir),
		zap.String("storage_uri", cfg.Storage.URI),
		zap.String("org_id", cfg.OrgID))
	return nil
}

// flagOverrides turns explicitly set global flags into config overrides.
func flagOverrides(cmd *cobra.Command) map[string]any {
	o := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("home") {
		o["home_dir"] = homeDir
	}
	if flags.Changed("workspace") {
		o["workspace_dir"] = workspaceDir
	}
	if flags.Changed("org") {
		o["org_id"] = orgID
	}
	if flags.Changed("storage-uri") {
		o["storage"] = map[string]any{"uri": storageURI}
	}
	return o
}

// openWorkspace opens the configured workspace once per invocation.
func openWorkspace(ctx context.Context) (*workspace.Workspace, error) {
	if openWS != nil {
		return openWS, nil
	}
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Configuration not loaded", fmt.Errorf("config.Load has not run"))
	}
	ws, err := workspace.Open(ctx, cfg.Workspace(), observability.CLILogger)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open workspace", err)
	}
	openWS = ws
	return ws, nil
}

func closeWorkspace() error {
	if openWS == nil {
		return nil
	}
	err := openWS.Close()
	openWS = nil
	return err
}
