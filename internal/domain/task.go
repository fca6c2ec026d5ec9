package domain

import "time"

type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusInProgress      TaskStatus = "in_progress"
	TaskStatusSucceeded       TaskStatus = "succeeded"
	TaskStatusSkippedExisting TaskStatus = "skipped_existing"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusSkippedExisting, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// FetchTask is one segment plus the runtime state the worker drives it through.
type FetchTask struct {
	Segment
	Status    TaskStatus
	Attempts  int
	LastError error
	// Files lists the local files written for this task, one per index entry.
	Files []string
}

// Summary counts task outcomes for a run. Tasks never reached because of cancellation are
// counted as Cancelled.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Summarize counts tasks by status.
func Summarize(tasks []*FetchTask) Summary {
	s := Summary{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusSucceeded:
			s.Succeeded++
		case TaskStatusSkippedExisting:
			s.Skipped++
		case TaskStatusFailed:
			s.Failed++
		default:
			s.Cancelled++
		}
	}
	return s
}

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persisted record of one batch.
type Run struct {
	ID           string
	Status       RunStatus
	Request      SegmentRequest
	Summary      Summary
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Tasks        []TaskOutcome
}

// TaskOutcome is what survives of a FetchTask once its run ends.
type TaskOutcome struct {
	ID           int64
	RunID        string
	Channel      string
	Start        int64
	End          int64
	Status       TaskStatus
	Attempts     int
	ErrorMessage string
	Files        []string
}

// OutcomeOf captures the final state of a task.
func OutcomeOf(runID string, t *FetchTask) TaskOutcome {
	out := TaskOutcome{
		RunID:    runID,
		Channel:  t.Channel,
		Start:    t.Start,
		End:      t.End,
		Status:   t.Status,
		Attempts: t.Attempts,
		Files:    append([]string(nil), t.Files...),
	}
	if t.LastError != nil {
		out.ErrorMessage = t.LastError.Error()
	}
	return out
}
