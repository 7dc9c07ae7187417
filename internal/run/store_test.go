package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/pipewright/internal/log"
	"github.com/mattjoyce/pipewright/internal/plugin"
	"github.com/mattjoyce/pipewright/internal/step"
	"github.com/mattjoyce/pipewright/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreRunLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	id, err := s.CreateRun(ctx, "build", "github", "blake3:abc")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	r, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != StatusAccepted || r.Provider != "github" || r.Source != "blake3:abc" || r.CompletedAt != nil {
		t.Fatalf("unexpected accepted run: %#v", r)
	}

	steps := []step.Step{
		{Name: "a", Run: "echo a", StepCount: 1},
		{Plugin: "p", Type: step.KindRun, StepCount: 2},
		{Plugin: "p", Type: step.KindPostRun, StepCount: 3},
	}
	if err := s.CompleteRun(ctx, id, StatusPrepared, steps, "blake3:plan", ""); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	r, err = s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != StatusPrepared || r.Fingerprint != "blake3:plan" || r.CompletedAt == nil {
		t.Fatalf("unexpected prepared run: %#v", r)
	}
	if len(r.Steps) != 3 || r.Steps[2].Type != step.KindPostRun || r.Steps[2].StepCount != 3 {
		t.Fatalf("steps not round-tripped: %#v", r.Steps)
	}

	if err := s.CompleteRun(ctx, "missing", StatusFailed, nil, "", "x"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("CompleteRun(missing) error = %v, want ErrRunNotFound", err)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("GetRun(missing) error = %v, want ErrRunNotFound", err)
	}
}

func TestStoreListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	var ids []string
	for _, name := range []string{"one", "two", "three"} {
		id, err := s.CreateRun(ctx, name, "", "")
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		ids = append(ids, id)
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Fatalf("unexpected order: %v", runs)
	}
}

func TestStoreRecordInstallAndTrigger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	now := time.Now()
	rec := plugin.InstallRecord{
		HandleID:   "h-1",
		Ref:        "@ci/cache",
		Command:    "npm install '@ci/cache'",
		ExitCode:   1,
		Error:      "exit code 1",
		Stdout:     "resolving @ci/cache",
		Stderr:     "npm ERR! 404",
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
	}
	if err := s.RecordInstall(ctx, rec); err != nil {
		t.Fatalf("RecordInstall: %v", err)
	}
	n, err := s.CountInstalls(ctx, "@ci/cache")
	if err != nil || n != 1 {
		t.Fatalf("CountInstalls = %d, %v", n, err)
	}
	var stdout, stderr string
	if err := s.db.QueryRowContext(ctx, `SELECT stdout, stderr FROM plugin_installs WHERE id = ?;`, "h-1").Scan(&stdout, &stderr); err != nil {
		t.Fatalf("read install row: %v", err)
	}
	if stdout != rec.Stdout || stderr != rec.Stderr {
		t.Fatalf("journaled output = %q / %q", stdout, stderr)
	}

	id, err := s.RecordTrigger(ctx, TriggerRecord{
		Endpoint: "/hooks/build",
		Pipeline: "build",
		Provider: "github",
		Event:    "push",
		Verified: true,
		RunID:    "run-1",
	})
	if err != nil || id == "" {
		t.Fatalf("RecordTrigger = %q, %v", id, err)
	}
}
