package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pipewright/internal/log"
	"github.com/mattjoyce/pipewright/internal/plugin"
	"github.com/mattjoyce/pipewright/internal/resolver/mocks"
	"github.com/mattjoyce/pipewright/internal/step"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func assertOrdered(t *testing.T, out []step.Step) {
	t.Helper()
	seenPost := false
	for i, s := range out {
		if i > 0 {
			assert.Greater(t, s.StepCount, out[i-1].StepCount, "tokens must strictly increase")
		}
		if s.Type == step.KindPostRun {
			seenPost = true
			continue
		}
		assert.False(t, seenPost, "step %d (%s) follows a post-run step", i, s.DisplayName())
	}
}

func TestResolveWithoutPlugins(t *testing.T) {
	ctrl := gomock.NewController(t)
	inst := mocks.NewMockInstaller(ctrl)
	loader := mocks.NewMockLoader(ctrl)
	// No calls expected on either collaborator.

	in := []step.Step{
		{Name: "lint", Run: "make lint"},
		{Name: "test", Run: "make test", Env: map[string]string{"CI": "1"}},
		{Script: "echo done"},
	}
	out, err := New(inst, loader, nil).Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, len(in))

	for i := range in {
		want := in[i]
		want.StepCount = out[i].StepCount
		if diff := cmp.Diff(want, out[i]); diff != "" {
			t.Errorf("step %d mismatch (-want +got):\n%s", i, diff)
		}
		assert.Equal(t, step.KindPlain, out[i].Type)
	}
	assertOrdered(t, out)
	assert.Zero(t, in[0].StepCount, "input must not be mutated")
}

func TestResolvePostRunOrdering(t *testing.T) {
	ctrl := gomock.NewController(t)
	inst := mocks.NewMockInstaller(ctrl)
	loader := mocks.NewMockLoader(ctrl)

	inst.EXPECT().NeedsInstall("./local-plugin").Return(false)
	loader.EXPECT().Load("./local-plugin").Return(&plugin.Plugin{Name: "local", PostRun: "/p/post.sh"}, nil)

	in := []step.Step{
		{Name: "a", Run: "echo a"},
		{Plugin: "./local-plugin", Inputs: map[string]any{"k": "v"}},
		{Name: "b", Run: "echo b"},
	}
	out, err := New(inst, loader, nil).Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, "a", out[0].Name)
	assert.Equal(t, step.KindPlain, out[0].Type)
	assert.Equal(t, "./local-plugin", out[1].Plugin)
	assert.Equal(t, step.KindRun, out[1].Type)
	assert.Equal(t, "b", out[2].Name)
	assert.Equal(t, "./local-plugin", out[3].Plugin)
	assert.Equal(t, step.KindPostRun, out[3].Type)
	assertOrdered(t, out)

	// The post-run copy shares inputs with its run step.
	out[1].Inputs["k"] = "changed"
	assert.Equal(t, "changed", out[3].Inputs["k"])
	assert.Equal(t, step.KindPlain, in[1].Type, "input must not be mutated")
}

func TestResolveInstallsMissingPlugins(t *testing.T) {
	ctrl := gomock.NewController(t)
	inst := mocks.NewMockInstaller(ctrl)
	loader := mocks.NewMockLoader(ctrl)

	gomock.InOrder(
		inst.EXPECT().NeedsInstall("@ci/cache").Return(true),
		inst.EXPECT().Install(gomock.Any(), "@ci/cache").Return(nil, nil),
		loader.EXPECT().Load("@ci/cache").Return(&plugin.Plugin{Name: "cache"}, nil),
		// Every occurrence is checked again.
		inst.EXPECT().NeedsInstall("@ci/cache").Return(false),
		loader.EXPECT().Load("@ci/cache").Return(&plugin.Plugin{Name: "cache"}, nil),
	)

	in := []step.Step{{Plugin: "@ci/cache"}, {Plugin: "@ci/cache"}}
	out, err := New(inst, loader, nil).Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, step.KindRun, out[0].Type)
	assert.Equal(t, step.KindRun, out[1].Type)
}

func TestResolveInstallFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	inst := mocks.NewMockInstaller(ctrl)
	loader := mocks.NewMockLoader(ctrl)

	installErr := &plugin.InstallError{Ref: "@ci/ghost", ExitCode: 1}
	inst.EXPECT().NeedsInstall("@ci/ghost").Return(true)
	inst.EXPECT().Install(gomock.Any(), "@ci/ghost").Return(nil, installErr)

	out, err := New(inst, loader, nil).Resolve(context.Background(), []step.Step{
		{Name: "a", Run: "true"},
		{Plugin: "@ci/ghost"},
	})
	assert.Nil(t, out)
	var got *plugin.InstallError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "@ci/ghost", got.Ref)
	assert.Contains(t, err.Error(), "step 1")
}

func TestResolveLoadFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	inst := mocks.NewMockInstaller(ctrl)
	loader := mocks.NewMockLoader(ctrl)

	inst.EXPECT().NeedsInstall("./broken").Return(false)
	loader.EXPECT().Load("./broken").Return(nil, &plugin.LoadError{Ref: "./broken", Err: plugin.ErrPluginNotFound})

	out, err := New(inst, loader, nil).Resolve(context.Background(), []step.Step{{Plugin: "./broken"}})
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, plugin.ErrPluginNotFound))
}

func TestResolveSharedSequence(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := New(mocks.NewMockInstaller(ctrl), mocks.NewMockLoader(ctrl), &step.Sequence{})

	first, err := r.Resolve(context.Background(), []step.Step{{Run: "a"}, {Run: "b"}})
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), []step.Step{{Run: "c"}})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first[0].StepCount)
	assert.Equal(t, uint64(2), first[1].StepCount)
	assert.Equal(t, uint64(3), second[0].StepCount)
}

// TestResolveLocalPlugin exercises the real loader and installer against a
// plugin directory on disk.
func TestResolveLocalPlugin(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "local-plugin")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"),
		[]byte("name: local\nentrypoint: run.sh\npost_run: run.sh\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\n"), 0o755))

	loader := plugin.NewLoader(nil, nil)
	procs := plugin.NewProcesses()
	inst, err := plugin.NewInstaller(loader, procs, plugin.Options{InstallCommand: "exit 1", InstallDir: dir})
	require.NoError(t, err)

	out, err := New(inst, loader, nil).Resolve(context.Background(), []step.Step{
		{Name: "a", Run: "echo a"},
		{Plugin: pluginDir},
		{Name: "b", Run: "echo b"},
	})
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, []step.Kind{step.KindPlain, step.KindRun, step.KindPlain, step.KindPostRun},
		[]step.Kind{out[0].Type, out[1].Type, out[2].Type, out[3].Type})
	assertOrdered(t, out)
	assert.Empty(t, procs.Handles())
}
