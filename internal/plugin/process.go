package plugin

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps the amount of stdout/stderr captured per install.
	maxOutputBytes = 64 * 1024
	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Handle is a spawned, possibly still running, install process.
type Handle struct {
	ID        string
	Ref       string
	Command   string
	StartedAt time.Time

	cmd    *exec.Cmd
	stdout *cappedBuffer
	stderr *cappedBuffer
	done   chan struct{}

	mu         sync.Mutex
	exitCode   int
	err        error
	finishedAt time.Time
	timedOut   bool
}

// PID returns the OS process id, or 0 if the process never started.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits or ctx is done. A failed install is
// returned as *InstallError. Context expiry does not stop the process; it stays
// tracked in the process registry.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the install result once the process exited, nil before that.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ExitCode returns the exit status, or -1 while running or when unknown.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// FinishedAt returns when the process exited (zero while running).
func (h *Handle) FinishedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finishedAt
}

// Stdout returns captured standard output (first 64KB).
func (h *Handle) Stdout() string { return h.stdout.String() }

// Stderr returns captured standard error (first 64KB).
func (h *Handle) Stderr() string { return h.stderr.String() }

// Exited reports whether the process has finished.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Kill sends SIGTERM, waits for the grace period, then SIGKILL.
func (h *Handle) Kill() error {
	return h.terminate(terminationGracePeriod)
}

func (h *Handle) terminate(grace time.Duration) error {
	if h.Exited() || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	if err := h.signal(syscall.SIGTERM); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	if err := h.signal(syscall.SIGKILL); err != nil {
		return err
	}
	<-h.done
	return nil
}

// signal delivers sig to the whole process group, falling back to the
// process itself when it is not a group leader.
func (h *Handle) signal(sig syscall.Signal) error {
	pid := h.cmd.Process.Pid
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = h.cmd.Process.Signal(sig)
	}
	if err != nil && !errors.Is(err, syscall.ESRCH) && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (h *Handle) markTimedOut() {
	h.mu.Lock()
	h.timedOut = true
	h.mu.Unlock()
}

// settle records the outcome of cmd.Wait. Waiters are released separately by
// closing done.
func (h *Handle) settle(waitErr error) {
	h.mu.Lock()
	h.finishedAt = time.Now()
	h.exitCode = -1
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}

	switch {
	case h.timedOut:
		h.err = &InstallError{Ref: h.Ref, ExitCode: h.exitCode, Stderr: h.stderr.String(), Err: ErrInstallTimeout}
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			h.err = &InstallError{Ref: h.Ref, ExitCode: exitErr.ExitCode(), Stderr: h.stderr.String()}
		} else {
			h.err = &InstallError{Ref: h.Ref, ExitCode: h.exitCode, Stderr: h.stderr.String(), Err: waitErr}
		}
	}
	h.mu.Unlock()
}

// Processes is the shared registry of spawned install processes. The
// orchestrating caller owns it: the installer only appends.
type Processes struct {
	mu      sync.Mutex
	handles []*Handle
}

// NewProcesses creates an empty process registry.
func NewProcesses() *Processes {
	return &Processes{}
}

// Track appends a handle.
func (p *Processes) Track(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles = append(p.handles, h)
}

// Handles returns a snapshot of all tracked handles in spawn order.
func (p *Processes) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handle, len(p.handles))
	copy(out, p.handles)
	return out
}

// Running returns the number of tracked processes that have not exited.
func (p *Processes) Running() int {
	n := 0
	for _, h := range p.Handles() {
		if !h.Exited() {
			n++
		}
	}
	return n
}

// WaitAll waits for every tracked process and joins their install errors.
func (p *Processes) WaitAll(ctx context.Context) error {
	var errs []error
	for _, h := range p.Handles() {
		if err := h.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KillAll terminates every running process concurrently.
func (p *Processes) KillAll() error {
	handles := p.Handles()
	errs := make([]error, len(handles))

	var wg sync.WaitGroup
	for i, h := range handles {
		if h.Exited() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.Kill()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Prune drops exited handles and returns how many were removed.
func (p *Processes) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.handles[:0]
	for _, h := range p.handles {
		if !h.Exited() {
			kept = append(kept, h)
		}
	}
	removed := len(p.handles) - len(kept)
	for i := len(kept); i < len(p.handles); i++ {
		p.handles[i] = nil
	}
	p.handles = kept
	return removed
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
