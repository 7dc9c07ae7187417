// Package trigger decides whether an inbound webhook payload is a legitimate
// trigger event for a pipeline. The provider is classified from the headers
// and verification is delegated to the verifier registered for it.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mattjoyce/pipewright/internal/log"
)

const tracerName = "github.com/mattjoyce/pipewright/internal/trigger"

// Dispatcher routes verification to provider verifiers.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over registry, DefaultRegistry when nil.
func NewDispatcher(registry *Registry) *Dispatcher {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Dispatcher{registry: registry, logger: log.WithComponent("trigger")}
}

// Verify checks payload against triggers. triggers must be a string-keyed
// mapping; anything else fails with *PreconditionError before the payload is
// looked at. Verifier results and errors are returned unchanged.
func (d *Dispatcher) Verify(ctx context.Context, triggers any, payload Payload) (bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "trigger.Verify")
	defer span.End()

	ok, provider, err := d.verify(ctx, triggers, payload)
	if provider != "" {
		span.SetAttributes(attribute.String("trigger.provider", string(provider)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetAttributes(attribute.Bool("trigger.verified", ok))
	return ok, nil
}

func (d *Dispatcher) verify(ctx context.Context, triggers any, payload Payload) (bool, Provider, error) {
	mapping, ok := AsMapping(triggers)
	if !ok {
		return false, "", &PreconditionError{Value: triggers}
	}

	d.logger.Debug("get trigger provider")
	provider, err := Classify(payload)
	if err != nil {
		return false, "", err
	}
	d.logger.Info("get trigger provider success", "provider", provider)

	factory, ok := d.registry.Lookup(provider)
	if !ok {
		return false, provider, fmt.Errorf("%w: %s", ErrNoVerifier, provider)
	}

	verified, err := factory(mapping, payload, provider).Verify(ctx)
	return verified, provider, err
}

// AsMapping converts v to map[string]any when it is a mapping with string
// keys. nil, slices and scalars are rejected.
func AsMapping(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		if m == nil {
			return nil, false
		}
		return m, true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
