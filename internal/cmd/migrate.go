package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/labmeta/internal/observability"
	"github.com/3leaps/labmeta/pkg/resource"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <kind> [id]",
	Short: "Convert snapshot-layout metadata to index.json",
	Long: `Convert resources still stored as timestamped snapshots
(index-<ts>.json + latest.txt) to the canonical index.json layout.
kind is one of: jobs, experiments, datasets, tasks. Without an id every
resource of the kind is migrated. Migration runs even when
store.migrate_on_open is false.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

type migrateResult struct {
	ID    string `json:"id" yaml:"id"`
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	stores := ws.Stores()
	store, ok := stores[kindDir(args[0])]
	if !ok {
		names := make([]string, 0, len(stores))
		for k := range stores {
			names = append(names, k)
		}
		sort.Strings(names)
		return exitError(foundry.ExitInvalidArgument, "Unknown kind",
			fmt.Errorf("%q is not one of %s", args[0], strings.Join(names, ", ")))
	}

	var ids []string
	if len(args) == 2 {
		ok, err := store.Exists(ctx, args[1])
		if err != nil {
			return storeError("Failed to open resource", err)
		}
		if !ok {
			return storeError("Failed to open resource", &resource.Error{Op: "Migrate", Kind: store.Kind().Name, ID: args[1], Err: resource.ErrNotFound})
		}
		ids = []string{args[1]}
	} else if ids, err = store.IDs(ctx); err != nil {
		return storeError("Failed to list resources", err)
	}

	results := make([]migrateResult, 0, len(ids))
	failed := 0
	for _, id := range ids {
		res := migrateResult{ID: id}
		r, err := store.Open(ctx, id)
		if err != nil {
			if len(args) == 2 {
				return storeError("Failed to open resource", err)
			}
			res.Error = err.Error()
			results = append(results, res)
			failed++
			continue
		}
		res.From = r.Layout().String()
		if err := r.Migrate(ctx); err != nil {
			observability.CLILogger.Warn("Migration failed", zap.String("kind", store.Kind().Name), zap.String("id", id), zap.Error(err))
			res.Error = err.Error()
			failed++
		}
		res.To = r.Layout().String()
		results = append(results, res)
	}

	if err := render(cmd, results, func(w io.Writer) {
		printf(w, "ID\tFROM\tTO\tERROR\n")
		for _, r := range results {
			printf(w, "%s\t%s\t%s\t%s\n", r.ID, dash(r.From), dash(r.To), dash(r.Error))
		}
	}); err != nil {
		return err
	}
	if failed > 0 {
		return exitError(foundry.ExitFileReadError, "Migration incomplete",
			fmt.Errorf("%d of %d resources failed", failed, len(ids)))
	}
	return nil
}

// kindDir accepts a kind name in singular or plural form.
func kindDir(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !strings.HasSuffix(kind, "s") {
		kind += "s"
	}
	return kind
}
