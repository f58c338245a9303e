// Package audit writes a structured trail of replica changes.
package audit

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/replicastore/replicastore/internal/replica"
	"github.com/replicastore/replicastore/internal/repository"
)

// Logger records repository events and faults with an event_type field
// for easy filtering. It implements repository.Listener and
// repository.FaultListener.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// OnEvent logs one committed replica change. State changes log at info,
// or warn when the replica broke. Access time and removability changes
// are frequent and log at debug.
func (l *Logger) OnEvent(ev repository.Event) {
	switch ev.Kind {
	case repository.StateChanged:
		level := zerolog.InfoLevel
		if ev.NewState == replica.Broken {
			level = zerolog.WarnLevel
		}
		l.logger.WithLevel(level).
			Str("event_type", "state").
			Str("id", ev.ID).
			Stringer("from", ev.OldState).
			Stringer("to", ev.NewState).
			Int64("size", ev.Entry.Size).
			Msg("replica state changed")

	case repository.StickyChanged:
		owners := make([]string, 0, len(ev.Entry.Sticky))
		for _, s := range ev.Entry.Sticky {
			owners = append(owners, s.String())
		}
		l.logger.Info().
			Str("event_type", "sticky").
			Str("id", ev.ID).
			Str("sticky", strings.Join(owners, ",")).
			Msg("replica sticky flags changed")

	case repository.AccessTimeChanged:
		l.logger.Debug().
			Str("event_type", "atime").
			Str("id", ev.ID).
			Time("last_access", ev.Entry.LastAccess).
			Msg("replica accessed")

	case repository.RemovableChanged:
		l.logger.Debug().
			Str("event_type", "removable").
			Str("id", ev.ID).
			Int("links", ev.Entry.LinkCount).
			Msg("replica removability changed")
	}
}

// OnFault logs a fault at error level.
func (l *Logger) OnFault(ev repository.FaultEvent) {
	event := l.logger.Error().Str("event_type", "fault")
	if ev.ID != "" {
		event = event.Str("id", ev.ID)
	}
	if ev.Cause != nil {
		event = event.AnErr("cause", ev.Cause)
	}
	event.Msg(ev.Message)
}

// LogEviction records a replica removed by the sweeper to reclaim space.
func (l *Logger) LogEviction(id string, size int64) {
	l.logger.Info().
		Str("event_type", "eviction").
		Str("id", id).
		Int64("size", size).
		Msg("replica evicted")
}
