package run

import (
	"errors"
	"time"

	"github.com/mattjoyce/pipewright/internal/step"
)

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusPrepared Status = "prepared"
	StatusFailed   Status = "failed"
)

// Run is one preparation of a pipeline: its resolved, numbered step list.
type Run struct {
	ID          string      `json:"id"`
	Pipeline    string      `json:"pipeline"`
	Status      Status      `json:"status"`
	Provider    string      `json:"provider,omitempty"`
	Source      string      `json:"source,omitempty"`      // blake3 fingerprint of the pipeline file
	Fingerprint string      `json:"fingerprint,omitempty"` // blake3 fingerprint of the resolved plan
	Steps       []step.Step `json:"steps"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// TriggerRecord is one webhook verification outcome.
type TriggerRecord struct {
	Endpoint string
	Pipeline string
	Provider string
	Event    string
	Verified bool
	Error    string
	RunID    string
}

var (
	ErrRunNotFound = errors.New("run not found")
	ErrQueueFull   = errors.New("preparation queue is full")
	// ErrPreparerStopped is returned by Submit after shutdown and recorded
	// on runs that were still queued.
	ErrPreparerStopped = errors.New("preparer stopped")
)
