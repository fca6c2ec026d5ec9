package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gwfetch/internal/domain"
	"gwfetch/internal/repository"
)

const createRunEventsTable = `
CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	emitted_at DATETIME NOT NULL,
	level TEXT NOT NULL,
	kind TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT '',
	gps_start INTEGER NOT NULL DEFAULT 0,
	gps_end INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '',
	bytes INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	summary TEXT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id);
`

type RunEventRepository struct {
	db *sql.DB
}

func NewRunEventRepository(db *sql.DB) repository.RunEventRepository {
	return &RunEventRepository{db: db}
}

func (r *RunEventRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createRunEventsTable); err != nil {
		return fmt.Errorf("create run_events table: %w", err)
	}
	return nil
}

func (r *RunEventRepository) Append(ctx context.Context, ev *domain.Event) error {
	var summary any
	if ev.Summary != nil {
		encoded, err := json.Marshal(ev.Summary)
		if err != nil {
			return fmt.Errorf("encode event summary: %w", err)
		}
		summary = string(encoded)
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO run_events (run_id, emitted_at, level, kind, channel, gps_start, gps_end, path, bytes, message, summary)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID,
		ev.Time.UTC(),
		string(ev.Level),
		string(ev.Kind),
		ev.Channel,
		ev.Start,
		ev.End,
		ev.Path,
		ev.Bytes,
		ev.Message,
		summary,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// ListByRun returns events with id greater than afterID, oldest first.
func (r *RunEventRepository) ListByRun(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, run_id, emitted_at, level, kind, channel, gps_start, gps_end, path, bytes, message, summary
FROM run_events
WHERE run_id=? AND id>?
ORDER BY id ASC
LIMIT ?`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev      domain.Event
			at      time.Time
			level   string
			kind    string
			summary sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &at, &level, &kind, &ev.Channel, &ev.Start, &ev.End, &ev.Path, &ev.Bytes, &ev.Message, &summary); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Time = at.UTC()
		ev.Level = domain.EventLevel(level)
		ev.Kind = domain.EventKind(kind)
		if summary.Valid && summary.String != "" {
			var s domain.Summary
			if err := json.Unmarshal([]byte(summary.String), &s); err != nil {
				return nil, fmt.Errorf("decode event summary: %w", err)
			}
			ev.Summary = &s
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
