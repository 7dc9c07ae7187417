package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/pipewright/internal/plugin"
)

// Config represents the complete pipewright configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	State     StateConfig     `yaml:"state"`
	Webhooks  WebhooksConfig  `yaml:"webhooks,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// Path is the absolute path of the loaded file, empty for defaults.
	Path string `yaml:"-"`
	// Dir anchors relative paths.
	Dir string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// PluginsConfig controls where plugins are found and how they are installed.
type PluginsConfig struct {
	SearchPaths    []string      `yaml:"search_paths"`
	Registry       string        `yaml:"registry"`
	InstallCommand string        `yaml:"install_command"`
	InstallDir     string        `yaml:"install_dir"`
	InstallTimeout time.Duration `yaml:"install_timeout"`

	// Builtin plugins resolve by name and are never installed.
	Builtin []BuiltinPluginConfig `yaml:"builtin,omitempty"`
}

// BuiltinPluginConfig declares a plugin that ships with the host.
type BuiltinPluginConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version,omitempty"`
	Description string `yaml:"description,omitempty"`
	Entrypoint  string `yaml:"entrypoint"`
	PostRun     string `yaml:"post_run,omitempty"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WebhooksConfig configures the webhook listener.
type WebhooksConfig struct {
	Listen    string           `yaml:"listen"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig binds a URL path to a pipeline file.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/hooks/build")
	Path string `yaml:"path"`

	// Pipeline is the pipeline file whose triggers gate this endpoint.
	Pipeline string `yaml:"pipeline"`

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64 `yaml:"max_body_size,omitempty"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// ChecksumManifest is the .checksums file written by `config lock`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// IntegrityResult is the outcome of checking files against .checksums.
type IntegrityResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// PluginOptions converts the plugin settings for the installer.
func (c *Config) PluginOptions() plugin.Options {
	return plugin.Options{
		SearchPaths:    append([]string(nil), c.Plugins.SearchPaths...),
		Registry:       c.Plugins.Registry,
		InstallCommand: c.Plugins.InstallCommand,
		InstallDir:     c.Plugins.InstallDir,
		InstallTimeout: c.Plugins.InstallTimeout,
	}
}

// BuiltinRegistry builds the registry of configured builtin plugins.
func (c *Config) BuiltinRegistry() (*plugin.Registry, error) {
	reg := plugin.NewRegistry()
	for i, b := range c.Plugins.Builtin {
		err := reg.Add(&plugin.Plugin{
			Name:        strings.TrimSpace(b.Name),
			Version:     b.Version,
			Description: b.Description,
			Entrypoint:  b.Entrypoint,
			PostRun:     b.PostRun,
		})
		if err != nil {
			return nil, fmt.Errorf("plugins.builtin[%d]: %w", i, err)
		}
	}
	return reg, nil
}
