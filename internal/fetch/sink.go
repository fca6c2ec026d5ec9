package fetch

import (
	"github.com/sirupsen/logrus"

	"gwfetch/internal/domain"
)

// Sink receives the event timeline of a run. Emit must not block for long; it is called from
// the worker goroutine.
type Sink interface {
	Emit(ev domain.Event)
}

type SinkFunc func(ev domain.Event)

func (f SinkFunc) Emit(ev domain.Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(domain.Event) {})

// MultiSink fans each event out in order.
type MultiSink []Sink

func (m MultiSink) Emit(ev domain.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// LogSink mirrors events into logrus at a matching level.
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Emit(ev domain.Event) {
	fields := logrus.Fields{"run_id": ev.RunID, "event": ev.Kind}
	if ev.Channel != "" {
		fields["channel"] = ev.Channel
	}
	if ev.Start != 0 || ev.End != 0 {
		fields["segment"] = domain.Segment{Start: ev.Start, End: ev.End}.Key()
	}
	entry := s.Logger.WithFields(fields)

	switch ev.Level {
	case domain.LevelError:
		entry.Error(ev.Message)
	case domain.LevelWarning:
		entry.Warn(ev.Message)
	default:
		entry.Info(ev.Message)
	}
}
