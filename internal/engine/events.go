package engine

import (
	"time"

	"github.com/Paintersrp/pipewait/internal/runtime"
)

// EventType captures the lifecycle notifications emitted by a supervisor.
type EventType string

const (
	EventTypeStarting     EventType = "starting"
	EventTypeRunning      EventType = "running"
	EventTypeTransferring EventType = "transferring"
	EventTypeTransferred  EventType = "transferred"
	EventTypeAwaiting     EventType = "awaiting"
	EventTypeCompleted    EventType = "completed"
	EventTypeCancelled    EventType = "cancelled"
	EventTypeFaulted      EventType = "faulted"
	EventTypeStopped      EventType = "stopped"
	EventTypeDetached     EventType = "detached"
	EventTypeLog          EventType = "log"
)

// Event represents a single lifecycle or log notification.
type Event struct {
	Timestamp time.Time
	RunID     string
	Process   string
	PID       int
	Type      EventType
	Message   string
	Level     string
	Source    string
	Err       error
	ExitCode  int
	Reason    string
}

const (
	ReasonLaunchFailure  = "launch_failure"
	ReasonTransferFault  = "transfer_fault"
	ReasonWaitFault      = "wait_fault"
	ReasonUnknownFault   = "unknown_fault"
	ReasonCancelled      = "cancelled"
	ReasonKillOnCancel   = "kill_on_cancel"
	ReasonStopAfterFault = "stop_after_fault"
	ReasonExited         = "exited"
)

func (s *Supervisor) sendEvent(t EventType, message, reason string, err error) {
	if s.events == nil {
		return
	}
	level := "info"
	if err != nil {
		level = "error"
	}
	s.events <- Event{
		Timestamp: time.Now(),
		RunID:     s.runID,
		Process:   s.name,
		PID:       s.pid,
		Type:      t,
		Message:   message,
		Level:     level,
		Source:    runtime.LogSourceSystem,
		Err:       err,
		ExitCode:  s.exitCode,
		Reason:    reason,
	}
}
