package cliutil

import (
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/Paintersrp/pipewait/internal/engine"
	"github.com/Paintersrp/pipewait/internal/runtime"
)

// EventRenderer prints supervisor events. Lifecycle events always go through
// the logger; child stderr lines go through the logger too unless a JSON
// encoder was configured, in which case they are written as LogRecords.
type EventRenderer struct {
	log      *logrus.Logger
	enc      *json.Encoder
	stderr   io.Writer
	redactor *Redactor
}

// NewEventRenderer returns a renderer. jsonOut may be nil for logger-only
// rendering.
func NewEventRenderer(log *logrus.Logger, jsonOut io.Writer, redactor *Redactor) *EventRenderer {
	r := &EventRenderer{log: log, stderr: log.Out, redactor: redactor}
	if jsonOut != nil {
		r.enc = json.NewEncoder(jsonOut)
	}
	return r
}

// Render prints a single event.
func (r *EventRenderer) Render(evt engine.Event) {
	if evt.Type == engine.EventTypeLog {
		r.renderLog(evt)
		return
	}

	fields := logrus.Fields{
		"event":   string(evt.Type),
		"process": evt.Process,
	}
	if evt.PID != 0 {
		fields["pid"] = evt.PID
	}
	if evt.RunID != "" {
		fields["run_id"] = evt.RunID
	}
	if evt.Reason != "" {
		fields["reason"] = evt.Reason
	}
	if evt.Type == engine.EventTypeCompleted {
		fields["exit_code"] = evt.ExitCode
	}
	entry := r.log.WithFields(fields)
	if evt.Err != nil {
		entry = entry.WithError(evt.Err)
	}
	entry.Log(parseLevel(evt.Level, logrus.InfoLevel), evt.Message)
}

func (r *EventRenderer) renderLog(evt engine.Event) {
	evt.Message = r.redactor.Redact(evt.Message)
	if r.enc != nil {
		EncodeLogEvent(r.enc, r.stderr, evt)
		return
	}
	source := evt.Source
	if source == "" {
		source = runtime.LogSourceStderr
	}
	r.log.WithFields(logrus.Fields{
		"process": evt.Process,
		"pid":     evt.PID,
		"source":  source,
	}).Log(parseLevel(evt.Level, logrus.WarnLevel), evt.Message)
}

func parseLevel(level string, fallback logrus.Level) logrus.Level {
	if level == "" {
		return fallback
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fallback
	}
	// Entry.Log panics at PanicLevel.
	if lvl < logrus.ErrorLevel {
		return logrus.ErrorLevel
	}
	return lvl
}
