package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gwfetch/internal/domain"
	"gwfetch/internal/repository"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	request TEXT NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	succeeded INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME NULL,
	finished_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

const selectRunColumns = `id, status, request, total, succeeded, skipped, failed, cancelled, error_message, created_at, updated_at, started_at, finished_at`

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) repository.RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createRunsTable); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	return nil
}

func (r *RunRepository) Create(ctx context.Context, run *domain.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	request, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("encode run request: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO runs (id, status, request, total, succeeded, skipped, failed, cancelled, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		string(run.Status),
		string(request),
		run.Summary.Total,
		run.Summary.Succeeded,
		run.Summary.Skipped,
		run.Summary.Failed,
		run.Summary.Cancelled,
		run.ErrorMessage,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (r *RunRepository) UpdateStatus(ctx context.Context, id string, status domain.RunStatus, errorMessage *string) error {
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE runs
SET status=?, error_message=?, updated_at=?
WHERE id=?`,
		string(status),
		msg,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return expectRow(res, "update run status")
}

func (r *RunRepository) MarkStarted(ctx context.Context, id string, startedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE runs
SET status=?, started_at=?, updated_at=?
WHERE id=?`,
		string(domain.RunStatusRunning),
		startedAt.UTC(),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	return expectRow(res, "mark run started")
}

func (r *RunRepository) MarkFinished(ctx context.Context, id string, status domain.RunStatus, summary domain.Summary, errorMessage string, finishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE runs
SET status=?, total=?, succeeded=?, skipped=?, failed=?, cancelled=?, error_message=?, finished_at=?, updated_at=?
WHERE id=?`,
		string(status),
		summary.Total,
		summary.Succeeded,
		summary.Skipped,
		summary.Failed,
		summary.Cancelled,
		errorMessage,
		finishedAt.UTC(),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark run finished: %w", err)
	}
	return expectRow(res, "mark run finished")
}

func (r *RunRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_id=?`, id); err != nil {
		return fmt.Errorf("delete run events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_tasks WHERE run_id=?`, id); err != nil {
		return fmt.Errorf("delete run tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if err := expectRow(res, "delete run"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run delete: %w", err)
	}
	return nil
}

func (r *RunRepository) Get(ctx context.Context, id string) (*domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectRunColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row)
}

func (r *RunRepository) List(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectRunColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *RunRepository) ListByStatuses(ctx context.Context, statuses ...domain.RunStatus) ([]domain.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectRunColumns+` FROM runs WHERE status IN (`+strings.Join(placeholders, ",")+`) ORDER BY created_at ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query runs by status: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectRuns(rows *sql.Rows) ([]domain.Run, error) {
	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(scanner rowScanner) (*domain.Run, error) {
	var (
		run        domain.Run
		status     string
		request    string
		createdAt  time.Time
		updatedAt  time.Time
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := scanner.Scan(
		&run.ID,
		&status,
		&request,
		&run.Summary.Total,
		&run.Summary.Succeeded,
		&run.Summary.Skipped,
		&run.Summary.Failed,
		&run.Summary.Cancelled,
		&run.ErrorMessage,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal([]byte(request), &run.Request); err != nil {
		return nil, fmt.Errorf("decode run request: %w", err)
	}
	run.Status = domain.RunStatus(status)
	run.CreatedAt = createdAt.UTC()
	run.UpdatedAt = updatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		run.FinishedAt = &t
	}
	return &run, nil
}

func expectRow(res sql.Result, op string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if aff == 0 {
		return fmt.Errorf("run %w", repository.ErrNotFound)
	}
	return nil
}
