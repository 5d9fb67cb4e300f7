// Package workspace resolves where a workspace lives, opens the file store
// backing it, and wires the per-kind resource stores on top.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/labmeta/pkg/dataset"
	"github.com/3leaps/labmeta/pkg/experiment"
	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/filestore/local"
	"github.com/3leaps/labmeta/pkg/filestore/s3"
	"github.com/3leaps/labmeta/pkg/job"
	"github.com/3leaps/labmeta/pkg/resource"
	"github.com/3leaps/labmeta/pkg/task"
)

// DefaultHomeDirName is the home directory name under the user's home.
const DefaultHomeDirName = ".transformerlab"

// S3Options tunes the S3 backend when the workspace lives in a bucket.
type S3Options struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// Config locates a workspace. Nothing here is read from the environment.
type Config struct {
	// HomeDir is the local home root. Empty means ~/.transformerlab.
	HomeDir string

	// StorageURI replaces HomeDir as the root when set (e.g., s3://bucket/prefix).
	StorageURI string

	// WorkspaceDir, when set, is used as is and ignores OrgID.
	WorkspaceDir string

	// OrgID selects <root>/orgs/<org>/workspace.
	OrgID string

	S3 S3Options

	// MigrateOnOpen converts snapshot-layout metadata to index.json on
	// first touch. When false snapshot resources keep writing snapshots.
	MigrateOnOpen bool

	// StrictReads surfaces corrupt metadata as errors from field reads.
	StrictReads bool
}

// DefaultHomeDir returns ~/.transformerlab.
func DefaultHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, DefaultHomeDirName), nil
}

// Resolve returns the workspace location for root. An explicit workspaceDir
// wins; otherwise orgID selects <root>/orgs/<org>/workspace, and without
// one the workspace is <root>/workspace. root may be a local path or a URI.
func Resolve(root, workspaceDir, orgID string) (string, error) {
	if ws := strings.TrimSpace(workspaceDir); ws != "" {
		return ws, nil
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return "", resource.InvalidArgument("workspace root is required")
	}

	parts := []string{"workspace"}
	if org := strings.TrimSpace(orgID); org != "" {
		safe, err := resource.Sanitize(org)
		if err != nil {
			return "", err
		}
		parts = []string{"orgs", safe, "workspace"}
	}

	if strings.Contains(root, "://") {
		return strings.TrimRight(root, "/") + "/" + strings.Join(parts, "/"), nil
	}
	return filepath.Join(append([]string{root}, parts...)...), nil
}

// Location resolves the workspace location for cfg.
func (c Config) Location() (string, error) {
	root := strings.TrimSpace(c.StorageURI)
	if root == "" {
		root = strings.TrimSpace(c.HomeDir)
	}
	if root == "" && strings.TrimSpace(c.WorkspaceDir) == "" {
		home, err := DefaultHomeDir()
		if err != nil {
			return "", err
		}
		root = home
	}
	return Resolve(root, c.WorkspaceDir, c.OrgID)
}

// OpenStore opens the file store rooted at the workspace.
func OpenStore(ctx context.Context, cfg Config) (filestore.Store, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	u, err := filestore.ParseURI(loc)
	if err != nil {
		return nil, err
	}
	switch u.Backend {
	case filestore.BackendLocal:
		return local.New(local.Config{BaseDir: u.Path, Create: true})
	case filestore.BackendS3:
		return s3.New(ctx, s3.Config{
			Bucket:         u.Bucket,
			Prefix:         u.Prefix,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			Profile:        cfg.S3.Profile,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("%w: %s", filestore.ErrUnsupportedBackend, u.Backend)
	}
}

// Workspace bundles the stores of every resource kind over one file store.
type Workspace struct {
	FS          filestore.Store
	Jobs        *job.Store
	Experiments *experiment.Store
	Datasets    *dataset.Store
	Tasks       *task.Store

	opts resource.Options
	log  *zap.Logger
}

// Open resolves and opens the workspace described by cfg.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Workspace, error) {
	fs, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ws, err := New(fs, Options(cfg, log))
	if err != nil {
		_ = fs.Close()
		return nil, err
	}
	ws.log.Debug("Opened workspace", zap.String("location", fs.Location("")))
	return ws, nil
}

// Options derives resource store options from cfg.
func Options(cfg Config, log *zap.Logger) resource.Options {
	return resource.Options{
		Logger:        log,
		KeepSnapshots: !cfg.MigrateOnOpen,
		StrictReads:   cfg.StrictReads,
	}
}

// New wires the resource stores on an already opened file store.
func New(fs filestore.Store, opts resource.Options) (*Workspace, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	jobs, err := job.NewStore(fs, opts)
	if err != nil {
		return nil, err
	}
	exps, err := experiment.NewStore(fs, jobs, opts)
	if err != nil {
		return nil, err
	}
	datasets, err := dataset.NewStore(fs, opts)
	if err != nil {
		return nil, err
	}
	tasks, err := task.NewStore(fs, opts)
	if err != nil {
		return nil, err
	}
	return &Workspace{
		FS:          fs,
		Jobs:        jobs,
		Experiments: exps,
		Datasets:    datasets,
		Tasks:       tasks,
		opts:        opts,
		log:         opts.Logger,
	}, nil
}

// ResourceOptions returns the options the stores were built with.
func (w *Workspace) ResourceOptions() resource.Options { return w.opts }

// Logger returns the workspace logger.
func (w *Workspace) Logger() *zap.Logger { return w.log }

// Location renders the workspace root.
func (w *Workspace) Location() string { return w.FS.Location("") }

// Stores returns the generic store for each kind, keyed by kind root.
func (w *Workspace) Stores() map[string]*resource.Store {
	return map[string]*resource.Store{
		job.Dir:        w.Jobs.Resources(),
		experiment.Dir: w.Experiments.Resources(),
		dataset.Dir:    w.Datasets.Resources(),
		task.Dir:       w.Tasks.Resources(),
	}
}

// Close releases the file store.
func (w *Workspace) Close() error { return w.FS.Close() }
