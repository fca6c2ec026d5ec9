package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"gwfetch/internal/domain"
	"gwfetch/internal/repository"
)

// RunService coordinates run level operations backed by repositories.
type RunService interface {
	CreateRun(ctx context.Context, req domain.SegmentRequest) (*domain.Run, error)
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	ListByStatuses(ctx context.Context, statuses ...domain.RunStatus) ([]domain.Run, error)
	MarkStarted(ctx context.Context, id string) error
	FinishRun(ctx context.Context, id string, status domain.RunStatus, summary domain.Summary, outcomes []domain.TaskOutcome, errMsg string) error
	FailRun(ctx context.Context, id string, errMsg string) error
	RecordEvent(ctx context.Context, ev *domain.Event) error
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error)
	DeleteRun(ctx context.Context, id string) error
}

type runService struct {
	runs   repository.RunRepository
	tasks  repository.RunTaskRepository
	events repository.RunEventRepository
}

func NewRunService(runs repository.RunRepository, tasks repository.RunTaskRepository, events repository.RunEventRepository) RunService {
	return &runService{
		runs:   runs,
		tasks:  tasks,
		events: events,
	}
}

// CreateRun persists a queued run for an already validated request.
func (s *runService) CreateRun(ctx context.Context, req domain.SegmentRequest) (*domain.Run, error) {
	if len(req.Channels) == 0 || len(req.Ranges) == 0 {
		return nil, domain.Validationf("create run", "request needs at least one channel and one range")
	}

	run := &domain.Run{
		ID:      uuid.NewString(),
		Status:  domain.RunStatusQueued,
		Request: req,
		Summary: domain.Summary{Total: len(req.Channels) * len(req.Ranges)},
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *runService) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ListByRun(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Tasks = tasks
	return run, nil
}

func (s *runService) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	return s.runs.List(ctx, limit)
}

func (s *runService) ListByStatuses(ctx context.Context, statuses ...domain.RunStatus) ([]domain.Run, error) {
	return s.runs.ListByStatuses(ctx, statuses...)
}

func (s *runService) MarkStarted(ctx context.Context, id string) error {
	return s.runs.MarkStarted(ctx, id, time.Now())
}

func (s *runService) FinishRun(ctx context.Context, id string, status domain.RunStatus, summary domain.Summary, outcomes []domain.TaskOutcome, errMsg string) error {
	if err := s.tasks.ReplaceForRun(ctx, id, outcomes); err != nil {
		return err
	}
	return s.runs.MarkFinished(ctx, id, status, summary, errMsg, time.Now())
}

// FailRun ends a run that could not be executed at all, keeping its planned totals.
func (s *runService) FailRun(ctx context.Context, id string, errMsg string) error {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.runs.MarkFinished(ctx, id, domain.RunStatusFailed, run.Summary, errMsg, time.Now())
}

func (s *runService) RecordEvent(ctx context.Context, ev *domain.Event) error {
	return s.events.Append(ctx, ev)
}

func (s *runService) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error) {
	if _, err := s.runs.Get(ctx, runID); err != nil {
		return nil, err
	}
	return s.events.ListByRun(ctx, runID, afterID, limit)
}

func (s *runService) DeleteRun(ctx context.Context, id string) error {
	return s.runs.Delete(ctx, id)
}
