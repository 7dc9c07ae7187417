package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPluginNotFound means the reference is neither a builtin nor a
	// locatable directory.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrInstallTimeout is wrapped by InstallError when the install command
	// ran past the configured timeout and was terminated.
	ErrInstallTimeout = errors.New("install timed out")
)

// LoadError reports a plugin that could not be loaded after (claimed)
// availability.
type LoadError struct {
	Ref string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %q: %v", e.Ref, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InstallError reports an install command that could not be spawned or exited
// unsuccessfully.
type InstallError struct {
	Ref      string
	ExitCode int // -1 when the process never produced an exit status
	Stderr   string
	Err      error
}

func (e *InstallError) Error() string {
	msg := fmt.Sprintf("install plugin %q", e.Ref)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(": exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *InstallError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
