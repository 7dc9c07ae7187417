// Package step defines the pipeline step model shared by the DSL loader, the
// resolver and the run journal.
package step

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Kind is the execution kind the resolver assigns to plugin-backed steps.
type Kind string

const (
	// KindPlain is the zero value: a step the resolver left untouched.
	KindPlain   Kind = ""
	KindRun     Kind = "run"
	KindPostRun Kind = "postRun"
)

// Step is one unit of pipeline work. Exactly one of Run, Script or Plugin is
// set in a well-formed pipeline.
type Step struct {
	ID               string            `yaml:"id,omitempty" json:"id,omitempty"`
	Name             string            `yaml:"name,omitempty" json:"name,omitempty"`
	Run              string            `yaml:"run,omitempty" json:"run,omitempty"`
	Script           string            `yaml:"script,omitempty" json:"script,omitempty"`
	Plugin           string            `yaml:"plugin,omitempty" json:"plugin,omitempty"`
	Inputs           map[string]any    `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Env              map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	If               string            `yaml:"if,omitempty" json:"if,omitempty"`
	ContinueOnError  bool              `yaml:"continue-on-error,omitempty" json:"continue_on_error,omitempty"`
	WorkingDirectory string            `yaml:"working-directory,omitempty" json:"working_directory,omitempty"`

	// Type and StepCount are owned by the resolver.
	Type      Kind   `yaml:"type,omitempty" json:"type,omitempty"`
	StepCount uint64 `yaml:"-" json:"step_count,omitempty"`
}

// IsPlugin reports whether the step is backed by a plugin.
func (s Step) IsPlugin() bool {
	return s.Plugin != ""
}

// PostRun returns a shallow copy of s marked as the post-run half of a plugin
// step. Maps are shared with the original.
func (s Step) PostRun() Step {
	post := s
	post.Type = KindPostRun
	return post
}

// DisplayName returns the best human label for the step.
func (s Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.ID != "":
		return s.ID
	case s.Plugin != "":
		return s.Plugin
	case s.Run != "":
		return firstLine(s.Run)
	case s.Script != "":
		return "script"
	}
	return "step"
}

// LogPath is the file name a runner uses for this step's output.
func (s Step) LogPath() string {
	return fmt.Sprintf("step_%d.log", s.StepCount)
}

// Validate checks that exactly one execution field is set.
func (s Step) Validate() error {
	set := 0
	for _, v := range []string{s.Run, s.Script, s.Plugin} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	switch set {
	case 0:
		return fmt.Errorf("one of run, script or plugin is required")
	case 1:
		return nil
	default:
		return fmt.Errorf("only one of run, script or plugin may be set")
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Sequence hands out execution-order tokens. It is safe for concurrent use;
// tokens are unique and strictly increasing for the life of the Sequence.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next token. The first token is 1.
func (q *Sequence) Next() uint64 {
	return q.n.Add(1)
}
