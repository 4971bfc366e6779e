// Package config loads the localfn.toml workspace manifest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so it can be written as "300ms" or "10s" in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Workspace WorkspaceConfig           `toml:"workspace"`
	Server    ServerConfig              `toml:"server"`
	Build     BuildConfig               `toml:"build"`
	Watch     WatchConfig               `toml:"watch"`
	Env       map[string]string         `toml:"env"`
	Functions map[string]FunctionConfig `toml:"functions"`
}

type WorkspaceConfig struct {
	// Root of the workspace. Defaults to the directory containing the manifest.
	Root string `toml:"root"`
	// FunctionsDir is scanned for function source trees; every subdirectory is
	// a discoverable function named after the directory.
	FunctionsDir string `toml:"functions_dir"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	InvokeTimeout  Duration `toml:"invoke_timeout"`
	StartupTimeout Duration `toml:"startup_timeout"`
	ShutdownGrace  Duration `toml:"shutdown_grace"`
	RetryBudget    int      `toml:"retry_budget"`
	QueueDepth     int      `toml:"queue_depth"`
}

type BuildConfig struct {
	// Command is the compiler invocation template. The placeholders {root},
	// {name}, {target}, {profile} and {output} are expanded per argument.
	Command []string `toml:"command"`
	Target  string   `toml:"target"`
	Profile string   `toml:"profile"`
	// OutDir receives built artifacts, one per function. Defaults to
	// <root>/.localfn/bin.
	OutDir string `toml:"out_dir"`
}

type WatchConfig struct {
	Debounce     Duration `toml:"debounce"`
	PollInterval Duration `toml:"poll_interval"`
	// SharedPaths are workspace-level paths whose changes invalidate every
	// function, relative to the workspace root.
	SharedPaths []string `toml:"shared_paths"`
}

type FunctionConfig struct {
	// Root of the function's source tree, relative to the workspace root.
	Root string            `toml:"root"`
	Env  map[string]string `toml:"env"`
}

const DefaultManifest = "localfn.toml"

// Load reads the manifest at path. A missing manifest is not an error: the
// defaults describe a workspace rooted at the manifest's directory.
func Load(path string) (Config, error) {
	var cfg Config

	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return Config{}, err
	default:
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if cfg.Workspace.Root == "" {
		dir := filepath.Dir(path)
		abs, err := filepath.Abs(dir)
		if err != nil {
			return Config{}, err
		}
		cfg.Workspace.Root = abs
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace.FunctionsDir == "" {
		c.Workspace.FunctionsDir = "functions"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:9000"
	}
	if c.Server.InvokeTimeout == 0 {
		c.Server.InvokeTimeout = Duration(30 * time.Second)
	}
	if c.Server.StartupTimeout == 0 {
		c.Server.StartupTimeout = Duration(10 * time.Second)
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = Duration(3 * time.Second)
	}
	if c.Server.RetryBudget == 0 {
		c.Server.RetryBudget = 3
	}
	if c.Server.QueueDepth == 0 {
		c.Server.QueueDepth = 128
	}
	if len(c.Build.Command) == 0 {
		c.Build.Command = []string{"go", "build", "-o", "{output}", "."}
	}
	if c.Build.Profile == "" {
		c.Build.Profile = "debug"
	}
	if c.Build.OutDir == "" {
		c.Build.OutDir = filepath.Join(c.Workspace.Root, ".localfn", "bin")
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = Duration(300 * time.Millisecond)
	}
	if c.Watch.PollInterval == 0 {
		c.Watch.PollInterval = Duration(2 * time.Second)
	}
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	if c.Functions == nil {
		c.Functions = make(map[string]FunctionConfig)
	}
}

// MergedEnv returns the environment for a function: workspace-wide variables
// overridden by the function's own entries.
func (c *Config) MergedEnv(name string) map[string]string {
	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	if fc, ok := c.Functions[name]; ok {
		for k, v := range fc.Env {
			env[k] = v
		}
	}
	return env
}

// FunctionRoot resolves the source root for a configured function. Functions
// without an explicit root default to <functions_dir>/<name>.
func (c *Config) FunctionRoot(name string) string {
	if fc, ok := c.Functions[name]; ok && fc.Root != "" {
		if filepath.IsAbs(fc.Root) {
			return fc.Root
		}
		return filepath.Join(c.Workspace.Root, fc.Root)
	}
	return filepath.Join(c.Workspace.Root, c.Workspace.FunctionsDir, name)
}

// SharedPaths returns the absolute workspace-level paths that invalidate every
// function when they change. The manifest itself is always included.
func (c *Config) SharedPaths(manifestPath string) []string {
	paths := make([]string, 0, len(c.Watch.SharedPaths)+1)
	if manifestPath != "" {
		if abs, err := filepath.Abs(manifestPath); err == nil {
			paths = append(paths, abs)
		}
	}
	for _, p := range c.Watch.SharedPaths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.Workspace.Root, p)
		}
		paths = append(paths, p)
	}
	return paths
}
