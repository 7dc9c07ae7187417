package plugin

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/pipewright/internal/lock"
	"github.com/mattjoyce/pipewright/internal/log"
)

const (
	// DefaultInstallCommand installs a package without touching any manifest.
	DefaultInstallCommand = "npm install {{.Ref}} --no-save --registry={{.Registry}}"
	// DefaultRegistry is the package registry the install command points at.
	DefaultRegistry = "https://registry.npmmirror.com"

	installLockName = ".pipewright-install.lock"
)

// Options configures plugin resolution and installation.
type Options struct {
	SearchPaths    []string
	Registry       string
	InstallCommand string // text/template over {{.Ref}} and {{.Registry}}
	InstallDir     string // working directory of the install command
	InstallTimeout time.Duration
}

// InstallRecord is what the installer reports once an install finished.
type InstallRecord struct {
	HandleID   string
	Ref        string
	Command    string
	ExitCode   int
	Error      string
	Stdout     string
	Stderr     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Journal receives install outcomes.
type Journal interface {
	RecordInstall(ctx context.Context, rec InstallRecord) error
}

// Installer makes plugins locally available.
type Installer struct {
	loader  *Loader
	procs   *Processes
	opts    Options
	tmpl    *template.Template
	journal Journal
	logger  *slog.Logger
}

// NewInstaller validates opts and builds an installer that tracks spawned
// processes in procs.
func NewInstaller(loader *Loader, procs *Processes, opts Options) (*Installer, error) {
	if loader == nil {
		return nil, fmt.Errorf("plugin loader is nil")
	}
	if procs == nil {
		return nil, fmt.Errorf("process registry is nil")
	}
	if strings.TrimSpace(opts.InstallCommand) == "" {
		opts.InstallCommand = DefaultInstallCommand
	}
	if strings.TrimSpace(opts.Registry) == "" {
		opts.Registry = DefaultRegistry
	}
	if opts.InstallDir == "" {
		opts.InstallDir = "."
	}

	tmpl, err := template.New("install").Option("missingkey=error").Parse(opts.InstallCommand)
	if err != nil {
		return nil, fmt.Errorf("parse install command: %w", err)
	}

	return &Installer{
		loader: loader,
		procs:  procs,
		opts:   opts,
		tmpl:   tmpl,
		logger: log.WithComponent("installer"),
	}, nil
}

// SetJournal attaches a journal that is told about every finished install.
func (i *Installer) SetJournal(j Journal) {
	i.journal = j
}

// NeedsInstall reports whether ref must be installed before it can load.
// It has no side effects.
func (i *Installer) NeedsInstall(ref string) bool {
	return !i.loader.Available(ref)
}

// EnsureAvailable returns nil when ref is already available, otherwise it
// starts an install and returns its handle.
func (i *Installer) EnsureAvailable(ctx context.Context, ref string) (*Handle, error) {
	if !i.NeedsInstall(ref) {
		return nil, nil
	}
	return i.Install(ctx, ref)
}

// Install spawns the install command for ref and returns immediately. The
// handle is appended to the shared process registry before Install returns.
func (i *Installer) Install(ctx context.Context, ref string) (*Handle, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &InstallError{Ref: ref, ExitCode: -1, Err: fmt.Errorf("plugin reference is empty")}
	}
	if IsLocalRef(ref) {
		return nil, &LoadError{Ref: ref, Err: fmt.Errorf("local plugin path does not exist: %w", ErrPluginNotFound)}
	}

	command, err := i.render(ref)
	if err != nil {
		return nil, &InstallError{Ref: ref, ExitCode: -1, Err: err}
	}

	if err := os.MkdirAll(i.opts.InstallDir, 0o755); err != nil {
		return nil, &InstallError{Ref: ref, ExitCode: -1, Err: fmt.Errorf("create install dir: %w", err)}
	}
	installLock, err := lock.Acquire(ctx, filepath.Join(i.opts.InstallDir, installLockName), 0)
	if err != nil {
		return nil, &InstallError{Ref: ref, ExitCode: -1, Err: err}
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = i.opts.InstallDir
	// Own process group so termination reaches the package manager's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = terminationGracePeriod
	h := &Handle{
		ID:        uuid.NewString(),
		Ref:       ref,
		Command:   command,
		StartedAt: time.Now(),
		cmd:       cmd,
		stdout:    newCappedBuffer(maxOutputBytes),
		stderr:    newCappedBuffer(maxOutputBytes),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	if err := cmd.Start(); err != nil {
		_ = installLock.Release()
		return nil, &InstallError{Ref: ref, ExitCode: -1, Err: fmt.Errorf("start process: %w", err)}
	}
	i.procs.Track(h)
	i.logger.Info("installing plugin", "plugin", ref, "command", command, "pid", h.PID())

	go func() {
		waitErr := cmd.Wait()
		_ = installLock.Release()
		h.settle(waitErr)
		// The journal entry is written before Wait returns.
		i.report(h)
		close(h.done)
	}()

	if i.opts.InstallTimeout > 0 {
		go i.enforceTimeout(h, i.opts.InstallTimeout)
	}

	return h, nil
}

func (i *Installer) enforceTimeout(h *Handle, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		i.logger.Warn("plugin install timed out, terminating", "plugin", h.Ref, "timeout", timeout)
		h.markTimedOut()
		if err := h.Kill(); err != nil {
			i.logger.Error("failed to terminate plugin install", "plugin", h.Ref, "error", err)
		}
	}
}

func (i *Installer) report(h *Handle) {
	rec := InstallRecord{
		HandleID:   h.ID,
		Ref:        h.Ref,
		Command:    h.Command,
		ExitCode:   h.ExitCode(),
		Stdout:     h.Stdout(),
		Stderr:     h.Stderr(),
		StartedAt:  h.StartedAt,
		FinishedAt: h.FinishedAt(),
	}
	if err := h.Err(); err != nil {
		rec.Error = err.Error()
		i.logger.Warn("plugin install failed", "plugin", h.Ref, "exit_code", rec.ExitCode)
	} else {
		i.logger.Debug("plugin install exited", "plugin", h.Ref, "duration", rec.FinishedAt.Sub(rec.StartedAt))
	}

	if i.journal == nil {
		return
	}
	if err := i.journal.RecordInstall(context.Background(), rec); err != nil {
		i.logger.Error("failed to record plugin install", "plugin", h.Ref, "error", err)
	}
}

func (i *Installer) render(ref string) (string, error) {
	var buf bytes.Buffer
	err := i.tmpl.Execute(&buf, struct {
		Ref      string
		Registry string
	}{
		Ref:      shellQuote(ref),
		Registry: shellQuote(i.opts.Registry),
	})
	if err != nil {
		return "", fmt.Errorf("render install command: %w", err)
	}
	return buf.String(), nil
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
