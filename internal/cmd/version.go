package cmd

import (
	"io"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

type versionReport struct {
	VersionInfo `yaml:",inline"`
	GoVersion   string `json:"go_version" yaml:"go_version"`
	Gofulmen    string `json:"gofulmen_version,omitempty" yaml:"gofulmen_version,omitempty"`
	Crucible    string `json:"crucible_version,omitempty" yaml:"crucible_version,omitempty"`
}

func runVersion(cmd *cobra.Command, _ []string) error {
	libs := crucible.GetVersion()
	report := versionReport{
		VersionInfo: versionInfo,
		GoVersion:   runtime.Version(),
		Gofulmen:    libs.Gofulmen,
		Crucible:    libs.Crucible,
	}
	return render(cmd, report, func(w io.Writer) {
		printf(w, "labmeta\t%s\n", report.Version)
		printf(w, "commit\t%s\n", report.Commit)
		printf(w, "built\t%s\n", report.BuildDate)
		printf(w, "go\t%s\n", report.GoVersion)
		printf(w, "gofulmen\t%s\n", dash(report.Gofulmen))
		printf(w, "crucible\t%s\n", dash(report.Crucible))
	})
}
