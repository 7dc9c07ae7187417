package dsl

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/pipewright/internal/trigger"
)

// Validate checks the pipeline shape: at least one step, every step with
// exactly one of run, script or plugin, unique step ids, and triggers (when
// present) as a mapping.
func Validate(p *Pipeline) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("steps must be non-empty")
	}

	ids := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if s.Type != "" {
			return fmt.Errorf("steps[%d]: type is assigned during resolution and cannot be set", i)
		}
		id := strings.TrimSpace(s.ID)
		if id == "" {
			continue
		}
		if prev, ok := ids[id]; ok {
			return fmt.Errorf("steps[%d]: duplicate id %q (first used by steps[%d])", i, id, prev)
		}
		ids[id] = i
	}

	if p.Triggers != nil {
		if _, ok := trigger.AsMapping(p.Triggers); !ok {
			return fmt.Errorf("triggers must be a mapping, got %T", p.Triggers)
		}
	}
	return nil
}
