package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const manifestFilename = "manifest.yaml"

// Manifest defines the structure of a plugin's manifest.yaml file.
//
//	name: checkout
//	version: 1.2.0
//	entrypoint: bin/run
//	post_run: bin/cleanup   # optional
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	Entrypoint  string `yaml:"entrypoint"`
	PostRun     string `yaml:"post_run,omitempty"`
}

// Plugin is a loaded plugin unit.
type Plugin struct {
	Name        string
	Version     string
	Description string
	Path        string // Absolute plugin directory; empty for builtins
	Entrypoint  string // Absolute path to the main entrypoint; a command for builtins
	PostRun     string // Post-run hook, same form as Entrypoint; empty when absent
	Builtin     bool
}

// HasPostRun reports whether the plugin contributes post-run behavior.
func (p *Plugin) HasPostRun() bool {
	return p != nil && p.PostRun != ""
}

// readManifest loads and validates the manifest in pluginPath.
func readManifest(pluginPath string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypoint := filepath.Join(pluginPath, manifest.Entrypoint)
	if err := validateTrust(entrypoint, pluginPath); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	var postRun string
	if manifest.PostRun != "" {
		postRun = filepath.Join(pluginPath, manifest.PostRun)
		if err := validateTrust(postRun, pluginPath); err != nil {
			return nil, fmt.Errorf("post_run trust validation failed: %w", err)
		}
	}

	return &Plugin{
		Name:        manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Path:        pluginPath,
		Entrypoint:  entrypoint,
		PostRun:     postRun,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}

	if strings.TrimSpace(m.Entrypoint) == "" {
		return fmt.Errorf("entrypoint is required")
	}

	for field, p := range map[string]string{"entrypoint": m.Entrypoint, "post_run": m.PostRun} {
		if filepath.IsAbs(p) {
			return fmt.Errorf("%s must be relative to the plugin directory: %s", field, p)
		}
		if strings.Contains(p, "..") {
			return fmt.Errorf("%s contains path traversal: %s", field, p)
		}
	}

	return nil
}

// validateTrust enforces that an executable lives inside its plugin directory,
// is executable, and that the directory is not world-writable.
func validateTrust(executable, pluginPath string) error {
	resolvedExec, err := filepath.EvalSymlinks(executable)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	if !strings.HasPrefix(resolvedExec, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedExec, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedExec)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedExec)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}
