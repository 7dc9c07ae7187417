// Package resolver turns a declared step list into an ordered, numbered plan:
// plugin steps are made available and loaded, post-run hooks are moved behind
// every main step, and each step receives its execution-order token.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mattjoyce/pipewright/internal/log"
	"github.com/mattjoyce/pipewright/internal/step"
)

const tracerName = "github.com/mattjoyce/pipewright/internal/resolver"

// Resolver resolves step lists. It is safe for concurrent use as long as the
// installer and loader are.
type Resolver struct {
	installer Installer
	loader    Loader
	seq       *step.Sequence
	logger    *slog.Logger
}

// New creates a resolver. A nil seq gets a private sequence; pass a shared one
// to keep tokens increasing across resolutions.
func New(installer Installer, loader Loader, seq *step.Sequence) *Resolver {
	if seq == nil {
		seq = &step.Sequence{}
	}
	return &Resolver{
		installer: installer,
		loader:    loader,
		seq:       seq,
		logger:    log.WithComponent("resolver"),
	}
}

// Resolve returns the ordered step list: plain and plugin steps in input order,
// followed by the post-run copies of plugin steps that have a post-run hook.
// The input slice is left untouched. On error no list is returned.
func (r *Resolver) Resolve(ctx context.Context, steps []step.Step) ([]step.Step, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.Int("steps.input", len(steps)))

	out, err := r.resolve(ctx, steps)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("steps.output", len(out)))
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, steps []step.Step) ([]step.Step, error) {
	run := make([]step.Step, 0, len(steps))
	var post []step.Step

	for i, s := range steps {
		if !s.IsPlugin() {
			run = append(run, s)
			continue
		}

		ref := s.Plugin
		if err := r.ensure(ctx, ref); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		p, err := r.loader.Load(ref)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		s.Type = step.KindRun
		if p.HasPostRun() {
			post = append(post, s.PostRun())
		}
		run = append(run, s)
	}

	ordered := append(run, post...)
	for i := range ordered {
		ordered[i].StepCount = r.seq.Next()
	}

	r.logger.Debug("resolved steps", "steps", len(ordered), "post_run", len(post))
	return ordered, nil
}

// ensure installs ref when it is not yet available and waits for the install.
func (r *Resolver) ensure(ctx context.Context, ref string) error {
	if !r.installer.NeedsInstall(ref) {
		return nil
	}

	h, err := r.installer.Install(ctx, ref)
	if err != nil {
		return err
	}
	if h != nil {
		if err := h.Wait(ctx); err != nil {
			return err
		}
	}

	r.logger.Info("installed plugin successfully", "plugin", ref)
	return nil
}
