package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gwfetch/internal/domain"
	"gwfetch/internal/repository"
)

const createRunTasksTable = `
CREATE TABLE IF NOT EXISTS run_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	gps_start INTEGER NOT NULL,
	gps_end INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	files TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_tasks_run_id ON run_tasks(run_id);
`

type RunTaskRepository struct {
	db *sql.DB
}

func NewRunTaskRepository(db *sql.DB) repository.RunTaskRepository {
	return &RunTaskRepository{db: db}
}

func (r *RunTaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createRunTasksTable); err != nil {
		return fmt.Errorf("create run_tasks table: %w", err)
	}
	return nil
}

func (r *RunTaskRepository) ReplaceForRun(ctx context.Context, runID string, outcomes []domain.TaskOutcome) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_tasks WHERE run_id=?`, runID); err != nil {
		return fmt.Errorf("delete run tasks: %w", err)
	}

	for _, o := range outcomes {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_tasks (run_id, channel, gps_start, gps_end, status, attempts, error_message, files)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID,
			o.Channel,
			o.Start,
			o.End,
			string(o.Status),
			o.Attempts,
			o.ErrorMessage,
			strings.Join(o.Files, "\n"),
		); err != nil {
			return fmt.Errorf("insert run task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *RunTaskRepository) ListByRun(ctx context.Context, runID string) ([]domain.TaskOutcome, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, run_id, channel, gps_start, gps_end, status, attempts, error_message, files
FROM run_tasks
WHERE run_id=?
ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run tasks: %w", err)
	}
	defer rows.Close()

	var outcomes []domain.TaskOutcome
	for rows.Next() {
		var (
			o      domain.TaskOutcome
			status string
			files  string
		)
		if err := rows.Scan(&o.ID, &o.RunID, &o.Channel, &o.Start, &o.End, &status, &o.Attempts, &o.ErrorMessage, &files); err != nil {
			return nil, fmt.Errorf("scan run task: %w", err)
		}
		o.Status = domain.TaskStatus(status)
		if files != "" {
			o.Files = strings.Split(files, "\n")
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
