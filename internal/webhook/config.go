package webhook

import (
	"fmt"

	"github.com/mattjoyce/pipewright/internal/config"
	"github.com/mattjoyce/pipewright/internal/pipeline/dsl"
	"github.com/mattjoyce/pipewright/internal/trigger"
)

// FromGlobalConfig converts config.WebhooksConfig to webhook.Config, loading
// the pipeline file of every endpoint.
func FromGlobalConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}

	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, len(wc.Endpoints)),
	}

	for i, ep := range wc.Endpoints {
		if ep.Pipeline == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no pipeline configured", ep.Path)
		}
		p, err := dsl.LoadFile(ep.Pipeline)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: %w", ep.Path, err)
		}
		// Every delivery is verified against the pipeline triggers.
		if m, ok := trigger.AsMapping(p.Triggers); !ok || len(m) == 0 {
			return Config{}, fmt.Errorf("webhook endpoint %q: pipeline %q declares no triggers", ep.Path, p.Name)
		}

		maxBodySize := ep.MaxBodySize
		if maxBodySize == 0 {
			maxBodySize = DefaultMaxBodySize
		}

		cfg.Endpoints[i] = EndpointConfig{
			Path:        ep.Path,
			Pipeline:    p,
			MaxBodySize: maxBodySize,
		}
	}

	return cfg, nil
}
