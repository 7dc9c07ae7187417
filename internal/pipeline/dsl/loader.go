// Package dsl reads pipeline definitions from YAML.
package dsl

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/pipewright/internal/config"
)

// LoadDir reads every <dir>/*.yaml and *.yml pipeline file. A missing
// directory yields an empty set.
func LoadDir(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Set{Pipelines: map[string]*Pipeline{}}, nil
		}
		return nil, fmt.Errorf("read pipelines directory %q: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	set := &Set{Pipelines: make(map[string]*Pipeline, len(files))}
	for _, path := range files {
		p, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, exists := set.Pipelines[p.Name]; exists {
			return nil, fmt.Errorf("duplicate pipeline name %q in %s and %s", p.Name, prev.Path, path)
		}
		set.Pipelines[p.Name] = p
	}
	return set, nil
}

// LoadFile parses and validates one pipeline file.
func LoadFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %q: %w", path, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline file %q: %w", path, err)
	}
	p.Path = path
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// Parse decodes and validates a pipeline document. ${VAR} references are
// expanded from the environment before decoding.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal([]byte(config.ExpandEnv(string(data))), &p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	p.Name = strings.TrimSpace(p.Name)

	if err := Validate(&p); err != nil {
		return nil, err
	}

	sum := blake3.Sum256(data)
	p.Source = "blake3:" + hex.EncodeToString(sum[:])
	return &p, nil
}
