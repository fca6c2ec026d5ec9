package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"gwfetch/internal/repository"
)

// Open opens (or creates) the run database at path, creating parent directories. ":memory:"
// gives a private in-process database.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// one writer; events arrive from several run goroutines
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{`PRAGMA foreign_keys = ON;`, `PRAGMA busy_timeout = 5000;`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	return db, nil
}

// Repositories bundles the run store tables.
type Repositories struct {
	Runs   repository.RunRepository
	Tasks  repository.RunTaskRepository
	Events repository.RunEventRepository
}

// NewRepositories creates every table in dependency order.
func NewRepositories(ctx context.Context, db *sql.DB) (Repositories, error) {
	repos := Repositories{
		Runs:   NewRunRepository(db),
		Tasks:  NewRunTaskRepository(db),
		Events: NewRunEventRepository(db),
	}
	if err := repos.Runs.Init(ctx); err != nil {
		return Repositories{}, fmt.Errorf("init run repository: %w", err)
	}
	if err := repos.Tasks.Init(ctx); err != nil {
		return Repositories{}, fmt.Errorf("init run task repository: %w", err)
	}
	if err := repos.Events.Init(ctx); err != nil {
		return Repositories{}, fmt.Errorf("init run event repository: %w", err)
	}
	return repos, nil
}
