package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/pipewright/internal/plugin"
)

const (
	DefaultConfigFile     = "pipewright.yaml"
	DefaultListen         = "127.0.0.1:8090"
	DefaultMaxBodySize    = 1048576 // 1 MB
	DefaultInstallTimeout = 10 * time.Minute
	DefaultStatePath      = "data/pipewright.db"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the configuration file at configPath. A directory is taken to
// contain pipewright.yaml. ${VAR} references are expanded from the
// environment, PIPEWRIGHT_* variables override file values, and when a
// .checksums manifest sits next to the file it must match.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadUnverified(configPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(ChecksumPath(cfg.Dir)); err == nil {
		result, err := VerifyIntegrity(cfg)
		if err != nil {
			return nil, err
		}
		if !result.Passed {
			return nil, fmt.Errorf("config integrity check failed: %s\n"+
				"If you edited these files intentionally, run: pipewright config lock",
				strings.Join(result.Errors, "; "))
		}
	}
	return cfg, nil
}

// LoadUnverified is Load without the .checksums check.
func LoadUnverified(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultConfigFile)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultConfigFile, absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.Path = absPath
	cfg.Dir = filepath.Dir(absPath)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given, anchored at
// dir (the working directory when empty). Environment overrides still apply.
func Default(dir string) (*Config, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		dir = wd
	}

	cfg := &Config{Dir: dir}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, or returns Default("") when configPath is
// empty and no pipewright.yaml exists in the working directory.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath != "" {
		return Load(configPath)
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return Load(DefaultConfigFile)
	}
	return Default("")
}

// ExpandEnv replaces ${VAR} with environment variable values. Unset
// variables are left in place.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "pipewright"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = "json"
	}

	if cfg.Plugins.InstallDir == "" {
		cfg.Plugins.InstallDir = "."
	}
	cfg.Plugins.InstallDir = cfg.resolve(cfg.Plugins.InstallDir)
	if len(cfg.Plugins.SearchPaths) == 0 {
		cfg.Plugins.SearchPaths = []string{filepath.Join(cfg.Plugins.InstallDir, "node_modules")}
	}
	for i, p := range cfg.Plugins.SearchPaths {
		cfg.Plugins.SearchPaths[i] = cfg.resolve(p)
	}
	if cfg.Plugins.Registry == "" {
		cfg.Plugins.Registry = plugin.DefaultRegistry
	}
	if cfg.Plugins.InstallCommand == "" {
		cfg.Plugins.InstallCommand = plugin.DefaultInstallCommand
	}
	if cfg.Plugins.InstallTimeout == 0 {
		cfg.Plugins.InstallTimeout = DefaultInstallTimeout
	}

	if cfg.State.Path == "" {
		cfg.State.Path = DefaultStatePath
	}
	cfg.State.Path = cfg.resolve(cfg.State.Path)

	if cfg.Webhooks.Listen == "" {
		cfg.Webhooks.Listen = DefaultListen
	}
	for i := range cfg.Webhooks.Endpoints {
		ep := &cfg.Webhooks.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.Pipeline != "" {
			ep.Pipeline = cfg.resolve(ep.Pipeline)
		}
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.Service.Name
	}
}

// resolve anchors a relative path at the config directory.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("service.log_level %q is not one of debug, info, warn, error", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format %q must be json or text", cfg.Service.LogFormat)
	}

	if cfg.Plugins.InstallTimeout < 0 {
		return fmt.Errorf("plugins.install_timeout must not be negative")
	}
	for field, v := range map[string]string{
		"plugins.registry":        cfg.Plugins.Registry,
		"plugins.install_command": cfg.Plugins.InstallCommand,
	} {
		if m := envVarPattern.FindString(v); m != "" {
			return fmt.Errorf("%s references unset environment variable %s", field, m)
		}
	}

	builtins := make(map[string]int, len(cfg.Plugins.Builtin))
	for i, b := range cfg.Plugins.Builtin {
		name := strings.TrimSpace(b.Name)
		switch {
		case name == "":
			return fmt.Errorf("plugins.builtin[%d]: name is required", i)
		case plugin.IsLocalRef(name):
			return fmt.Errorf("plugins.builtin[%d]: name %q must not be a path", i, name)
		case strings.TrimSpace(b.Entrypoint) == "":
			return fmt.Errorf("plugins.builtin[%d]: entrypoint is required", i)
		}
		if prev, ok := builtins[name]; ok {
			return fmt.Errorf("plugins.builtin[%d]: duplicate name %q (first used by plugins.builtin[%d])", i, name, prev)
		}
		builtins[name] = i
	}

	seen := make(map[string]int, len(cfg.Webhooks.Endpoints))
	for i, ep := range cfg.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("webhooks.endpoints[%d]: path must start with /", i)
		}
		if prev, ok := seen[ep.Path]; ok {
			return fmt.Errorf("webhooks.endpoints[%d]: duplicate path %q (first used by endpoints[%d])", i, ep.Path, prev)
		}
		seen[ep.Path] = i
		if ep.Pipeline == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: pipeline is required", i)
		}
		if ep.MaxBodySize < 0 {
			return fmt.Errorf("webhooks.endpoints[%d]: max_body_size must be positive", i)
		}
	}
	return nil
}
