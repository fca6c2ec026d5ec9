package domain

import "time"

type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelSuccess EventLevel = "success"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

type EventKind string

const (
	EventRunStarted   EventKind = "run-started"
	EventSkip         EventKind = "skip"
	EventFetching     EventKind = "fetching"
	EventFileSkipped  EventKind = "file-skipped"
	EventFileSaved    EventKind = "file-saved"
	EventSucceeded    EventKind = "succeeded"
	EventGap          EventKind = "gap"
	EventNoData       EventKind = "no-data"
	EventRetry        EventKind = "retry"
	EventFailed       EventKind = "failed"
	EventDisconnected EventKind = "disconnected"
	EventWaiting      EventKind = "waiting-for-connectivity"
	EventReconnected  EventKind = "reconnected"
	EventStopped      EventKind = "stopped"
	EventSummary      EventKind = "summary"
	EventArchived     EventKind = "archived"
)

// Event is a single entry on a run's progress timeline. Successes, warnings and errors all
// travel through the same stream.
type Event struct {
	ID      int64      `json:"id,omitempty"`
	RunID   string     `json:"run_id,omitempty"`
	Time    time.Time  `json:"time"`
	Level   EventLevel `json:"level"`
	Kind    EventKind  `json:"kind"`
	Channel string     `json:"channel,omitempty"`
	Start   int64      `json:"start,omitempty"`
	End     int64      `json:"end,omitempty"`
	Path    string     `json:"path,omitempty"`
	Bytes   int64      `json:"bytes,omitempty"`
	Message string     `json:"message"`
	Summary *Summary   `json:"summary,omitempty"`
}
