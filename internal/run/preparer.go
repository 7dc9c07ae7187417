// Package run prepares pipeline runs: each accepted trigger becomes a run
// whose steps are resolved into an ordered plan and journaled in sqlite.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/pipewright/internal/log"
	"github.com/mattjoyce/pipewright/internal/pipeline/dsl"
	"github.com/mattjoyce/pipewright/internal/plugin"
	"github.com/mattjoyce/pipewright/internal/step"
)

const (
	defaultQueueSize = 64
	// installGrace is how long shutdown lets running installs finish before
	// they are killed.
	installGrace = 2 * time.Second
)

// Resolver turns declared steps into the ordered, numbered plan.
type Resolver interface {
	Resolve(ctx context.Context, steps []step.Step) ([]step.Step, error)
}

type request struct {
	runID    string
	pipeline *dsl.Pipeline
	provider string
}

// Preparer resolves runs one at a time.
type Preparer struct {
	store    *Store
	resolver Resolver
	procs    *plugin.Processes
	queue    chan request
	logger   *slog.Logger
	grace    time.Duration

	mu      sync.Mutex
	stopped bool
}

// NewPreparer creates a preparer. procs is the process registry the
// resolver's installer appends to; it is drained on shutdown.
func NewPreparer(store *Store, resolver Resolver, procs *plugin.Processes, queueSize int) *Preparer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Preparer{
		store:    store,
		resolver: resolver,
		procs:    procs,
		queue:    make(chan request, queueSize),
		logger:   log.WithComponent("preparer"),
		grace:    installGrace,
	}
}

// Prepare creates a run for p and resolves it synchronously. A resolution
// failure is recorded on the run and also returned.
func (pr *Preparer) Prepare(ctx context.Context, p *dsl.Pipeline, provider string) (*Run, error) {
	id, err := pr.store.CreateRun(ctx, p.Name, provider, p.Source)
	if err != nil {
		return nil, err
	}
	prepErr := pr.prepare(ctx, request{runID: id, pipeline: p, provider: provider})

	r, err := pr.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, prepErr
}

// Submit records an accepted run and queues it for Start. It does not block:
// a full queue fails the run with ErrQueueFull, and once Start has returned
// Submit fails with ErrPreparerStopped without creating a run.
func (pr *Preparer) Submit(ctx context.Context, p *dsl.Pipeline, provider string) (string, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.stopped {
		return "", ErrPreparerStopped
	}

	id, err := pr.store.CreateRun(ctx, p.Name, provider, p.Source)
	if err != nil {
		return "", err
	}

	select {
	case pr.queue <- request{runID: id, pipeline: p, provider: provider}:
		log.WithRun(id).Info("run accepted", "pipeline", p.Name, "provider", provider)
		return id, nil
	default:
		pr.complete(ctx, id, StatusFailed, nil, "", ErrQueueFull.Error())
		return id, ErrQueueFull
	}
}

// Start drains the queue serially until ctx is cancelled. It then fails every
// run still queued, gives running installs a short grace period and
// terminates the rest.
func (pr *Preparer) Start(ctx context.Context) error {
	pr.logger.Info("preparer started")
	for {
		if ctx.Err() != nil {
			pr.shutdown()
			return nil
		}
		select {
		case <-ctx.Done():
		case req := <-pr.queue:
			if ctx.Err() != nil {
				pr.abandon(req)
				continue
			}
			// Failures are journaled on the run.
			_ = pr.prepare(ctx, req)
		}
	}
}

func (pr *Preparer) shutdown() {
	pr.mu.Lock()
	pr.stopped = true
	pr.mu.Unlock()

	for drained := false; !drained; {
		select {
		case req := <-pr.queue:
			pr.abandon(req)
		default:
			drained = true
		}
	}

	if pr.procs != nil {
		pr.stopInstalls()
	}
	pr.logger.Info("preparer stopped")
}

// abandon fails a queued run that will never be prepared.
func (pr *Preparer) abandon(req request) {
	log.WithRun(req.runID).Warn("run abandoned", "pipeline", req.pipeline.Name)
	pr.complete(context.Background(), req.runID, StatusFailed, nil, "", ErrPreparerStopped.Error())
}

func (pr *Preparer) stopInstalls() {
	if pr.procs.Running() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), pr.grace)
		err := pr.procs.WaitAll(ctx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			pr.logger.Debug("plugin installs failed during shutdown", "error", err)
		}
	}
	if n := pr.procs.Running(); n > 0 {
		pr.logger.Info("terminating plugin installs", "count", n)
		if err := pr.procs.KillAll(); err != nil {
			pr.logger.Error("failed to terminate plugin installs", "error", err)
		}
	}
	pr.procs.Prune()
}

func (pr *Preparer) prepare(ctx context.Context, req request) error {
	logger := log.WithRun(req.runID).With("pipeline", req.pipeline.Name)
	logger.Debug("resolving steps", "steps", len(req.pipeline.Steps))

	steps, err := pr.resolver.Resolve(ctx, req.pipeline.Steps)
	if err != nil {
		logger.Error("run preparation failed", "error", err)
		pr.complete(ctx, req.runID, StatusFailed, nil, "", err.Error())
		return fmt.Errorf("prepare run %s: %w", req.runID, err)
	}

	fingerprint, err := dsl.Fingerprint(steps)
	if err != nil {
		pr.complete(ctx, req.runID, StatusFailed, nil, "", err.Error())
		return fmt.Errorf("prepare run %s: %w", req.runID, err)
	}

	pr.complete(ctx, req.runID, StatusPrepared, steps, fingerprint, "")
	logger.Info("run prepared", "steps", len(steps), "fingerprint", fingerprint)
	return nil
}

// complete journals the outcome even when ctx was cancelled mid-resolution.
func (pr *Preparer) complete(ctx context.Context, id string, status Status, steps []step.Step, fingerprint, lastError string) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := pr.store.CompleteRun(ctx, id, status, steps, fingerprint, lastError); err != nil {
		pr.logger.Error("failed to record run outcome", "run_id", id, "error", err)
	}
}
