package cmd

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/labmeta/internal/config"
	"github.com/3leaps/labmeta/internal/observability"
	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/resource"
	"github.com/3leaps/labmeta/pkg/workspace"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the workspace for unreadable or unmigrated metadata",
	Long: `Run diagnostic checks on the environment and the workspace.

Every resource of every kind is opened and its layout reported: snapshot
layouts still waiting for migration and metadata that fails to decode are
listed. The command exits non-zero when corrupt metadata is found.

Examples:
  labmeta doctor
  labmeta doctor --storage-uri s3://bucket/lab   # also checks AWS credentials`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// kindHealth summarizes the resources of one kind.
type kindHealth struct {
	Kind      string   `json:"kind" yaml:"kind"`
	Total     int      `json:"total" yaml:"total"`
	Canonical int      `json:"canonical" yaml:"canonical"`
	Snapshot  []string `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Empty     []string `json:"empty,omitempty" yaml:"empty,omitempty"`
	Corrupt   []string `json:"corrupt,omitempty" yaml:"corrupt,omitempty"`
}

type doctorReport struct {
	GoVersion   string       `json:"go_version" yaml:"go_version"`
	Platform    string       `json:"platform" yaml:"platform"`
	Crucible    string       `json:"crucible_version,omitempty" yaml:"crucible_version,omitempty"`
	Gofulmen    string       `json:"gofulmen_version,omitempty" yaml:"gofulmen_version,omitempty"`
	Workspace   string       `json:"workspace" yaml:"workspace"`
	Credentials string       `json:"aws_credentials,omitempty" yaml:"aws_credentials,omitempty"`
	Kinds       []kindHealth `json:"kinds" yaml:"kinds"`
}

func (r doctorReport) corrupt() int {
	n := 0
	for _, k := range r.Kinds {
		n += len(k.Corrupt)
	}
	return n
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	libs := crucible.GetVersion()
	report := doctorReport{
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Crucible:  libs.Crucible,
		Gofulmen:  libs.Gofulmen,
	}
	log.Info("Environment", zap.String("go_version", report.GoVersion), zap.String("platform", report.Platform),
		zap.String("crucible_version", report.Crucible), zap.String("gofulmen_version", report.Gofulmen))

	cfg := config.GetConfig()
	if cfg != nil && strings.HasPrefix(cfg.Storage.URI, "s3://") {
		masked, err := checkAWSCredentials(ctx, cfg.Storage.S3.Profile)
		if err != nil {
			log.Error("Cannot retrieve AWS credentials", zap.Error(err))
			printAWSCredentialsHelp()
			return exitError(foundry.ExitExternalServiceUnavailable, "AWS credentials unavailable", err)
		}
		report.Credentials = masked
		log.Info("Found AWS credentials", zap.String("access_key", masked))
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	report.Workspace = ws.Location()
	log.Info("Workspace reachable", zap.String("location", report.Workspace))

	report.Kinds, err = scanWorkspace(ctx, ws)
	if err != nil {
		return storeError("Failed to scan workspace", err)
	}
	for _, k := range report.Kinds {
		log.Info("Scanned kind", zap.String("kind", k.Kind), zap.Int("total", k.Total),
			zap.Int("snapshot", len(k.Snapshot)), zap.Int("corrupt", len(k.Corrupt)))
	}

	if err := render(cmd, report, func(w io.Writer) {
		printf(w, "KIND\tTOTAL\tCANONICAL\tSNAPSHOT\tEMPTY\tCORRUPT\n")
		for _, k := range report.Kinds {
			printf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", k.Kind, k.Total, k.Canonical, len(k.Snapshot), len(k.Empty), len(k.Corrupt))
		}
	}); err != nil {
		return err
	}
	if n := report.corrupt(); n > 0 {
		return exitError(foundry.ExitFileReadError, "Corrupt metadata found", fmt.Errorf("%d resources failed to decode", n))
	}
	return nil
}

// scanWorkspace opens every resource without migrating it and classifies
// its layout and readability.
func scanWorkspace(ctx context.Context, ws *workspace.Workspace) ([]kindHealth, error) {
	stores := ws.Stores()
	dirs := make([]string, 0, len(stores))
	for d := range stores {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	out := make([]kindHealth, 0, len(dirs))
	for _, d := range dirs {
		st := stores[d]
		h := kindHealth{Kind: st.Kind().Name}
		ids, err := st.IDs(ctx)
		if err != nil && !filestore.IsNotFound(err) {
			return nil, err
		}
		for _, id := range ids {
			r, err := st.Open(ctx, id)
			if err != nil {
				h.Corrupt = append(h.Corrupt, id)
				continue
			}
			h.Total++
			if res := r.Load(ctx); res.Err != nil {
				h.Corrupt = append(h.Corrupt, id)
				continue
			}
			switch r.Layout() {
			case resource.LayoutCanonical:
				h.Canonical++
			case resource.LayoutSnapshot:
				h.Snapshot = append(h.Snapshot, id)
			default:
				h.Empty = append(h.Empty, id)
			}
		}
		out = append(out, h)
	}
	return out, nil
}

func checkAWSCredentials(ctx context.Context, profile string) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", err
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", err
	}
	return maskAccessKey(creds.AccessKeyID), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Set storage.s3.profile (LABMETA_S3_PROFILE) to a shared config profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set storage.s3.endpoint.")
}
