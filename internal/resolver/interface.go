package resolver

import (
	"context"

	"github.com/mattjoyce/pipewright/internal/plugin"
)

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks github.com/mattjoyce/pipewright/internal/resolver Installer,Loader

// Installer makes plugins locally available.
type Installer interface {
	NeedsInstall(ref string) bool
	Install(ctx context.Context, ref string) (*plugin.Handle, error)
}

// Loader turns a plugin reference into a loaded plugin.
type Loader interface {
	Load(ref string) (*plugin.Plugin, error)
}
