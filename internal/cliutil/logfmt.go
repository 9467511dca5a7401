package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Paintersrp/pipewait/internal/engine"
	"github.com/Paintersrp/pipewait/internal/runtime"
)

// LogRecord represents a structured log event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id,omitempty"`
	Process   string    `json:"process"`
	PID       int       `json:"pid"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
}

// NewLogRecord converts an engine event into a structured log record with
// secrets masked.
func NewLogRecord(event engine.Event) LogRecord {
	level := event.Level
	if level == "" {
		level = runtime.InferLevel(event.Message, "info")
	}
	source := event.Source
	if source == "" {
		source = runtime.LogSourceSystem
	}
	return LogRecord{
		Timestamp: event.Timestamp,
		RunID:     event.RunID,
		Process:   event.Process,
		PID:       event.PID,
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Source:    source,
	}
}

// EncodeLogEvent encodes a log event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event engine.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}
