package trigger

import (
	"errors"
	"fmt"
)

var (
	// ErrNoVerifier is returned when no factory is registered for a provider.
	ErrNoVerifier = errors.New("no verifier registered for provider")
	// ErrPayloadTooLarge is returned by FromRequest.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// PreconditionError reports trigger configuration that is not a plain
// string-keyed mapping.
type PreconditionError struct {
	Value any
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("triggers must be a mapping, got %T", e.Value)
}
