package logging

import (
	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region sink
// Sink records supervisor events as structured log lines.
type Sink struct {
	log zerolog.Logger
}

// NewSink returns a sink writing to l.
func NewSink(l zerolog.Logger) *Sink {
	return &Sink{log: l.With().Str("component", "supervisor").Logger()}
}

// Record writes ev. It never returns an error and never blocks longer than
// the underlying writer; use an async logger on the control path.
func (s *Sink) Record(ev supervisor.Event) {
	var e *zerolog.Event
	switch ev.Level {
	case supervisor.LevelDebug:
		e = s.log.Debug()
	case supervisor.LevelInfo:
		e = s.log.Info()
	case supervisor.LevelWarn:
		e = s.log.Warn()
	default:
		e = s.log.Error()
	}

	e = e.Str("code", string(ev.Code)).
		Uint16("block", uint16(ev.Block)).
		Uint16("score", ev.Score).
		Str("from", ev.From.String()).
		Str("to", ev.To.String())
	if ev.Cause != "" {
		e = e.Str("cause", string(ev.Cause))
	}
	if ev.Reason != "" {
		e = e.Str("reason", string(ev.Reason))
	}
	if !ev.At.IsZero() {
		e = e.Time("at", ev.At)
	}
	e.Msg(ev.Message)
}

// #endregion sink
