package repository

import (
	"context"
	"errors"
	"time"

	"gwfetch/internal/domain"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunRepository exposes persistence operations for batch runs.
type RunRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, run *domain.Run) error
	UpdateStatus(ctx context.Context, id string, status domain.RunStatus, errorMessage *string) error
	MarkStarted(ctx context.Context, id string, startedAt time.Time) error
	MarkFinished(ctx context.Context, id string, status domain.RunStatus, summary domain.Summary, errorMessage string, finishedAt time.Time) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Run, error)
	List(ctx context.Context, limit int) ([]domain.Run, error)
	ListByStatuses(ctx context.Context, statuses ...domain.RunStatus) ([]domain.Run, error)
}

// RunTaskRepository stores the final outcome of every task in a run.
type RunTaskRepository interface {
	Init(ctx context.Context) error
	ReplaceForRun(ctx context.Context, runID string, outcomes []domain.TaskOutcome) error
	ListByRun(ctx context.Context, runID string) ([]domain.TaskOutcome, error)
}

// RunEventRepository keeps the event timeline of each run.
type RunEventRepository interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, ev *domain.Event) error
	ListByRun(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error)
}
