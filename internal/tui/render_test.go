package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/google/go-cmp/cmp"

	"github.com/mattjoyce/pipewright/internal/plugin"
	"github.com/mattjoyce/pipewright/internal/run"
	"github.com/mattjoyce/pipewright/internal/step"
)

func TestPlanRows(t *testing.T) {
	steps := []step.Step{
		{Name: "lint", Run: "make lint\nmake vet", StepCount: 1},
		{Plugin: "@ci/cache", Type: step.KindRun, StepCount: 2},
		{Script: "echo hi", StepCount: 3},
		{Plugin: "@ci/cache", Type: step.KindPostRun, StepCount: 4},
	}

	got := PlanRows(steps)
	want := []table.Row{
		{"1", "plain", steps[0].DisplayName(), "make lint"},
		{"2", "run", steps[1].DisplayName(), "@ci/cache"},
		{"3", "plain", steps[2].DisplayName(), "script"},
		{"4", "postRun", steps[3].DisplayName(), "@ci/cache"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PlanRows mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderPlan(t *testing.T) {
	out := RenderPlan(&run.Run{
		Pipeline:    "build",
		Status:      run.StatusPrepared,
		Fingerprint: "blake3:abc",
		Steps:       []step.Step{{Name: "lint", Run: "make lint", StepCount: 1}},
	})
	for _, want := range []string{"pipeline build", "prepared", "blake3:abc", "lint", "make lint"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderPlan output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderRuns(t *testing.T) {
	out := RenderRuns([]*run.Run{{
		ID:        "0123456789abcdef",
		Pipeline:  "build",
		Status:    run.StatusFailed,
		Provider:  "github",
		CreatedAt: time.Now(),
	}})
	for _, want := range []string{"01234567", "build", "failed", "github"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderRuns output missing %q:\n%s", want, out)
		}
	}
}

func TestPluginRows(t *testing.T) {
	got := PluginRows([]*plugin.Plugin{
		{Name: "notify", Version: "2.0.0", Entrypoint: "/usr/bin/notify"},
		{Name: "cache", Version: "1.0.0", Entrypoint: "cache restore", PostRun: "cache save"},
	})
	want := []table.Row{
		{"cache", "1.0.0", "yes", "cache restore"},
		{"notify", "2.0.0", "-", "/usr/bin/notify"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PluginRows mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderInstalls(t *testing.T) {
	out := RenderInstalls(map[string]int{"@ci/cache": 2, "@ci/notify": 0})
	for _, want := range []string{"plugin installs", "@ci/cache", "2", "@ci/notify"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderInstalls output missing %q:\n%s", want, out)
		}
	}
}
