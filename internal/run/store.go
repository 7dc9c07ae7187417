package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/pipewright/internal/plugin"
	"github.com/mattjoyce/pipewright/internal/step"
)

// maxOutputBytes caps the tail of install output kept per journal entry.
const maxOutputBytes = 64 * 1024

// Store journals runs, plugin installs and trigger checks in sqlite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRun inserts an accepted run and returns its id.
func (s *Store) CreateRun(ctx context.Context, pipeline, provider, source string) (string, error) {
	if pipeline == "" {
		return "", fmt.Errorf("pipeline is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(id, pipeline, status, provider, source, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, pipeline, StatusAccepted, nullable(provider), nullable(source), now)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// CompleteRun records the outcome of a preparation.
func (s *Store) CompleteRun(ctx context.Context, id string, status Status, steps []step.Step, fingerprint, lastError string) error {
	var stepsJSON any
	if steps != nil {
		b, err := json.Marshal(steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		stepsJSON = string(b)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, steps = ?, fingerprint = ?, last_error = ?, completed_at = ?
WHERE id = ?;
`, status, stepsJSON, nullable(fingerprint), nullable(lastError), now, id)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

const runColumns = `id, pipeline, status, provider, source, fingerprint, steps, last_error, created_at, completed_at`

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM runs
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordInstall journals a finished plugin install.
func (s *Store) RecordInstall(ctx context.Context, rec plugin.InstallRecord) error {
	id := rec.HandleID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_installs(id, plugin, command, exit_code, last_error, stdout, stderr, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, rec.Ref, rec.Command, rec.ExitCode, nullable(rec.Error), nullable(outputTail(rec.Stdout)), nullable(outputTail(rec.Stderr)),
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record plugin install: %w", err)
	}
	return nil
}

func outputTail(s string) string {
	if len(s) > maxOutputBytes {
		return s[len(s)-maxOutputBytes:]
	}
	return s
}

// CountInstalls returns how many installs were journaled for ref.
func (s *Store) CountInstalls(ctx context.Context, ref string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plugin_installs WHERE plugin = ?;`, ref).Scan(&n); err != nil {
		return 0, fmt.Errorf("count plugin installs: %w", err)
	}
	return n, nil
}

// RecordTrigger journals a webhook verification and returns its id.
func (s *Store) RecordTrigger(ctx context.Context, rec TriggerRecord) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	verified := 0
	if rec.Verified {
		verified = 1
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO trigger_events(id, endpoint, pipeline, provider, event, verified, last_error, run_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, rec.Endpoint, rec.Pipeline, nullable(rec.Provider), nullable(rec.Event), verified,
		nullable(rec.Error), nullable(rec.RunID), now)
	if err != nil {
		return "", fmt.Errorf("record trigger event: %w", err)
	}
	return id, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r            Run
		statusS      string
		provider     sql.NullString
		source       sql.NullString
		fingerprint  sql.NullString
		stepsJSON    sql.NullString
		lastError    sql.NullString
		createdAtS   string
		completedAtS sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Pipeline, &statusS, &provider, &source, &fingerprint, &stepsJSON,
		&lastError, &createdAtS, &completedAtS); err != nil {
		return nil, err
	}

	r.Status = Status(statusS)
	r.Provider = provider.String
	r.Source = source.String
	r.Fingerprint = fingerprint.String
	r.Error = lastError.String
	if stepsJSON.Valid {
		if err := json.Unmarshal([]byte(stepsJSON.String), &r.Steps); err != nil {
			return nil, fmt.Errorf("decode steps of run %s: %w", r.ID, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		r.CreatedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
