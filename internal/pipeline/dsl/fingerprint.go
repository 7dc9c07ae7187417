package dsl

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/pipewright/internal/step"
)

// Fingerprint hashes a resolved step list. Execution-order tokens are left
// out so the same plan resolved twice has the same fingerprint.
func Fingerprint(steps []step.Step) (string, error) {
	type fingerprintStep struct {
		step.Step
		StepCount uint64 `json:"step_count,omitempty"`
	}

	shape := make([]fingerprintStep, len(steps))
	for i, s := range steps {
		shape[i] = fingerprintStep{Step: s}
	}

	// encoding/json sorts map keys, which keeps inputs and env canonical.
	body, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("marshal plan fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
