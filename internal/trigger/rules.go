package trigger

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// EventKind is the normalised kind of a source-control event.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventTag         EventKind = "tag"
	EventPullRequest EventKind = "pull_request"
)

// Event is a provider payload reduced to what trigger rules match on.
type Event struct {
	Kind   EventKind
	Branch string // push
	Tag    string // tag push
	Action string // pull request: opened, reopened, synchronize, closed, merged
	Source string // pull request head branch
	Target string // pull request base branch
}

// Filter matches a ref name. In YAML it is a single name, a list of names
// (both precise) or a mapping with precise, prefix, include and exclude lists.
type Filter struct {
	Precise []string `yaml:"precise,omitempty"`
	Prefix  []string `yaml:"prefix,omitempty"`
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

var errFilterShape = errors.New("ref filter must be a name, a list of names, or a mapping of precise, prefix, include and exclude lists")

// UnmarshalYAML accepts the name and list shorthands.
func (f *Filter) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		f.Precise = []string{node.Value}
		return nil
	case yaml.SequenceNode:
		if err := node.Decode(&f.Precise); err != nil {
			return errFilterShape
		}
		return nil
	case yaml.MappingNode:
		type plain Filter
		if err := node.Decode((*plain)(f)); err != nil {
			return errFilterShape
		}
		return nil
	}
	return errFilterShape
}

// Empty reports whether the filter has no conditions.
func (f Filter) Empty() bool {
	return len(f.Precise) == 0 && len(f.Prefix) == 0 && len(f.Include) == 0 && len(f.Exclude) == 0
}

// Match reports whether name passes the filter. Exclude wins over every
// positive condition; a filter with only exclusions matches everything else.
func (f Filter) Match(name string) bool {
	for _, ex := range f.Exclude {
		if ex != "" && strings.Contains(name, ex) {
			return false
		}
	}
	if len(f.Precise) == 0 && len(f.Prefix) == 0 && len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Precise {
		if name == p {
			return true
		}
	}
	for _, p := range f.Prefix {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, p := range f.Include {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// PushRules select push and tag events.
type PushRules struct {
	Branches *Filter `yaml:"branches,omitempty"`
	Tags     *Filter `yaml:"tags,omitempty"`
}

// PullRequestRules select pull request events.
type PullRequestRules struct {
	Types    []string `yaml:"types,omitempty"`
	Branches *Filter  `yaml:"branches,omitempty"` // target branch
}

// Rules is the trigger section for one provider.
type Rules struct {
	Secret      string            `yaml:"secret,omitempty"`
	Branches    *Filter           `yaml:"branches,omitempty"`
	Push        *PushRules        `yaml:"push,omitempty"`
	PullRequest *PullRequestRules `yaml:"pull_request,omitempty"`
}

// DecodeRules reads the rules for provider from a trigger mapping: the
// section keyed by the provider when present, the whole mapping otherwise.
// When the mapping has sections for other providers only, the provider is not
// configured and DecodeRules returns nil rules.
func DecodeRules(triggers map[string]any, provider Provider) (*Rules, error) {
	var section any = triggers
	if v, ok := triggers[string(provider)]; ok {
		m, ok := AsMapping(v)
		if !ok {
			return nil, fmt.Errorf("trigger section %q must be a mapping, got %T", provider, v)
		}
		section = m
	} else {
		for _, p := range Providers() {
			if _, other := triggers[string(p)]; other {
				return nil, nil
			}
		}
	}

	data, err := yaml.Marshal(section)
	if err != nil {
		return nil, fmt.Errorf("encode trigger rules: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode trigger rules: %w", err)
	}
	return &rules, nil
}

// Unconstrained reports whether the rules select no event type at all, in
// which case every supported event matches.
func (r *Rules) Unconstrained() bool {
	return r.Branches == nil && r.Push == nil && r.PullRequest == nil
}

// Match reports whether ev satisfies the rules.
//
// A top-level branches filter is shorthand for push.branches. Under push, a
// section with neither branches nor tags takes every push and tag event;
// otherwise only the configured ref kinds are taken.
func (r *Rules) Match(ev Event) bool {
	if r.Unconstrained() {
		return true
	}

	switch ev.Kind {
	case EventPush:
		f := r.pushBranches()
		if f == nil {
			return r.Push != nil && r.Push.Tags == nil
		}
		return f.Match(ev.Branch)

	case EventTag:
		if r.Push == nil {
			return false
		}
		if r.Push.Tags == nil {
			return r.pushBranches() == nil
		}
		return r.Push.Tags.Match(ev.Tag)

	case EventPullRequest:
		pr := r.PullRequest
		if pr == nil {
			return false
		}
		if len(pr.Types) > 0 && !contains(pr.Types, ev.Action) {
			return false
		}
		if pr.Branches != nil && !pr.Branches.Match(ev.Target) {
			return false
		}
		return true
	}
	return false
}

func (r *Rules) pushBranches() *Filter {
	if r.Push != nil && r.Push.Branches != nil {
		return r.Push.Branches
	}
	return r.Branches
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
