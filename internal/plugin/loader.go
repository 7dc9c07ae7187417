package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Registry holds builtin plugins indexed by name. Builtins are always
// available and never installed.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
	}
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// All returns a copy of the registered plugins.
func (r *Registry) All() map[string]*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Plugin, len(r.plugins))
	for k, v := range r.plugins {
		out[k] = v
	}
	return out
}

// Add registers a builtin plugin.
func (r *Registry) Add(plugin *Plugin) error {
	if plugin == nil || plugin.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[plugin.Name]; exists {
		return fmt.Errorf("plugin %q already registered", plugin.Name)
	}
	plugin.Builtin = true
	r.plugins[plugin.Name] = plugin
	return nil
}

// Loader turns plugin references into loaded plugins. A reference is a
// builtin name, a local directory path, or a package name found under one of
// the search roots (where the install command puts packages).
type Loader struct {
	builtins *Registry
	roots    []string
}

// NewLoader creates a loader over the given builtins (may be nil) and search roots.
func NewLoader(builtins *Registry, searchPaths []string) *Loader {
	if builtins == nil {
		builtins = NewRegistry()
	}
	roots := make([]string, 0, len(searchPaths))
	seen := make(map[string]struct{}, len(searchPaths))
	for _, root := range searchPaths {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, root)
	}
	return &Loader{builtins: builtins, roots: roots}
}

// Builtins returns the builtin registry.
func (l *Loader) Builtins() *Registry { return l.builtins }

// Locate returns the plugin directory for ref. It never touches anything
// beyond stat calls.
func (l *Loader) Locate(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}

	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return "", false
		}
		return abs, true
	}

	if IsLocalRef(ref) {
		return "", false
	}

	name := packageName(ref)
	for _, root := range l.roots {
		candidate := filepath.Join(root, filepath.FromSlash(name))
		if !strings.HasPrefix(candidate, root+string(os.PathSeparator)) {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// Available reports whether ref can be loaded without installing anything.
func (l *Loader) Available(ref string) bool {
	if _, ok := l.builtins.Get(ref); ok {
		return true
	}
	_, ok := l.Locate(ref)
	return ok
}

// Load resolves ref to a plugin. Errors are *LoadError.
func (l *Loader) Load(ref string) (*Plugin, error) {
	if p, ok := l.builtins.Get(ref); ok {
		return p, nil
	}

	dir, ok := l.Locate(ref)
	if !ok {
		return nil, &LoadError{Ref: ref, Err: ErrPluginNotFound}
	}

	p, err := readManifest(dir)
	if err != nil {
		return nil, &LoadError{Ref: ref, Err: err}
	}
	return p, nil
}

// IsLocalRef reports whether ref is written as a filesystem path rather than a
// package name.
func IsLocalRef(ref string) bool {
	return filepath.IsAbs(ref) ||
		strings.HasPrefix(ref, "./") ||
		strings.HasPrefix(ref, "../") ||
		ref == "." || ref == ".."
}

// packageName strips a version suffix: "@scope/pkg@1.2.0" -> "@scope/pkg",
// "pkg@latest" -> "pkg".
func packageName(ref string) string {
	start := 0
	if strings.HasPrefix(ref, "@") {
		start = 1
	}
	if i := strings.Index(ref[start:], "@"); i >= 0 {
		return ref[:start+i]
	}
	return ref
}
