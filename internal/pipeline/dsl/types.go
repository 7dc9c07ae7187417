package dsl

import (
	"sort"

	"github.com/mattjoyce/pipewright/internal/step"
)

// Pipeline is one pipeline file.
//
//	name: build
//	triggers:
//	  github:
//	    branches: [main]
//	steps:
//	  - run: make test
//	  - plugin: "@pipewright/cache"
type Pipeline struct {
	Name     string      `yaml:"name"`
	Triggers any         `yaml:"triggers,omitempty"`
	Steps    []step.Step `yaml:"steps"`

	// Path is the file the pipeline was loaded from.
	Path string `yaml:"-"`
	// Source is the blake3 fingerprint of the file contents.
	Source string `yaml:"-"`
}

// Set is a collection of pipelines keyed by name.
type Set struct {
	Pipelines map[string]*Pipeline
}

// Names returns the pipeline names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.Pipelines))
	for name := range s.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plugins returns the distinct plugin references in declaration order.
func (p *Pipeline) Plugins() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range p.Steps {
		if !s.IsPlugin() {
			continue
		}
		if _, ok := seen[s.Plugin]; ok {
			continue
		}
		seen[s.Plugin] = struct{}{}
		out = append(out, s.Plugin)
	}
	return out
}
