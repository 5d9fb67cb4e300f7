// Package config loads labmeta settings from defaults, an optional YAML
// file, LABMETA_* environment variables and runtime overrides, in that
// order of increasing precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/labmeta/pkg/workspace"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "LABMETA"

// Config is the resolved configuration.
type Config struct {
	HomeDir      string        `mapstructure:"home_dir"`
	WorkspaceDir string        `mapstructure:"workspace_dir"`
	OrgID        string        `mapstructure:"org_id"`
	Storage      StorageConfig `mapstructure:"storage"`
	Store        StoreConfig   `mapstructure:"store"`
	Logging      LoggingConfig `mapstructure:"logging"`
}

// StorageConfig selects the backend. An empty URI means local disk under HomeDir.
type StorageConfig struct {
	URI string   `mapstructure:"uri"`
	S3  S3Config `mapstructure:"s3"`
}

// S3Config holds S3 client settings.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// StoreConfig tunes resource persistence.
type StoreConfig struct {
	MigrateOnOpen bool `mapstructure:"migrate_on_open"`
	StrictReads   bool `mapstructure:"strict_reads"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile points Load at an explicit YAML file. An empty path restores
// the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds a Config and records it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	path := explicit
	if path == "" {
		path = defaultConfigPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if explicit != "" || !missing {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	// Set sits above env bindings in viper's lookup order.
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.HomeDir, err = expandHome(cfg.HomeDir); err != nil {
		return nil, err
	}
	if cfg.WorkspaceDir, err = expandHome(cfg.WorkspaceDir); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the config from the last successful Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Workspace converts the config into workspace settings.
func (c *Config) Workspace() workspace.Config {
	return workspace.Config{
		HomeDir:      c.HomeDir,
		StorageURI:   c.Storage.URI,
		WorkspaceDir: c.WorkspaceDir,
		OrgID:        c.OrgID,
		S3: workspace.S3Options{
			Region:         c.Storage.S3.Region,
			Endpoint:       c.Storage.S3.Endpoint,
			Profile:        c.Storage.S3.Profile,
			ForcePathStyle: c.Storage.S3.ForcePathStyle,
		},
		MigrateOnOpen: c.Store.MigrateOnOpen,
		StrictReads:   c.Store.StrictReads,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home_dir", "~/"+workspace.DefaultHomeDirName)
	v.SetDefault("workspace_dir", "")
	v.SetDefault("org_id", "")
	v.SetDefault("storage.uri", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.profile", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("store.migrate_on_open", true)
	v.SetDefault("store.strict_reads", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
}

func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_HOME_DIR", Path: "home_dir"},
		{Name: EnvPrefix + "_WORKSPACE_DIR", Path: "workspace_dir"},
		{Name: EnvPrefix + "_ORG_ID", Path: "org_id"},
		{Name: EnvPrefix + "_STORAGE_URI", Path: "storage.uri"},
		{Name: EnvPrefix + "_S3_REGION", Path: "storage.s3.region"},
		{Name: EnvPrefix + "_S3_ENDPOINT", Path: "storage.s3.endpoint"},
		{Name: EnvPrefix + "_S3_PROFILE", Path: "storage.s3.profile"},
		{Name: EnvPrefix + "_S3_FORCE_PATH_STYLE", Path: "storage.s3.force_path_style"},
		{Name: EnvPrefix + "_MIGRATE_ON_OPEN", Path: "store.migrate_on_open"},
		{Name: EnvPrefix + "_STRICT_READS", Path: "store.strict_reads"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
	}
}

// defaultConfigPath returns $XDG_CONFIG_HOME/labmeta/config.yaml, falling
// back to the OS user config directory.
func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		d, err := os.UserConfigDir()
		if err != nil {
			return ""
		}
		dir = d
	}
	return filepath.Join(dir, "labmeta", "config.yaml")
}

func expandHome(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
