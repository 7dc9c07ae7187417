package webhook

import (
	"context"

	"github.com/mattjoyce/pipewright/internal/pipeline/dsl"
	"github.com/mattjoyce/pipewright/internal/run"
	"github.com/mattjoyce/pipewright/internal/trigger"
)

// TriggerVerifier decides whether a payload is a trigger event for a
// pipeline's trigger configuration.
type TriggerVerifier interface {
	Verify(ctx context.Context, triggers any, payload trigger.Payload) (bool, error)
}

// RunSubmitter queues verified triggers for preparation.
type RunSubmitter interface {
	Submit(ctx context.Context, p *dsl.Pipeline, provider string) (string, error)
}

// TriggerRecorder journals verification outcomes.
type TriggerRecorder interface {
	RecordTrigger(ctx context.Context, rec run.TriggerRecord) (string, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig binds a URL path to a loaded pipeline.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/hooks/build")
	Path string

	// Pipeline supplies the trigger configuration and the steps to prepare.
	Pipeline *dsl.Pipeline

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64
}

// TriggerResponse is the JSON response for a verified request.
type TriggerResponse struct {
	Triggered bool   `json:"triggered"`
	RunID     string `json:"run_id,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const DefaultMaxBodySize = 1048576 // 1 MB
