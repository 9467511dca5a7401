package engine

import (
	"errors"
	"fmt"

	"github.com/Paintersrp/pipewait/internal/transfer"
)

// State is a supervisor lifecycle state.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateTransferring
	StateAwaitingExit
	StateCompleted
	StateCancelled
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTransferring:
		return "transferring"
	case StateAwaitingExit:
		return "awaiting_exit"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFaulted
}

var (
	// ErrInvalidSpec is returned before launch when the run spec is unusable.
	ErrInvalidSpec = errors.New("invalid run spec")
	// ErrLaunchFailure is returned when the child could not be started.
	ErrLaunchFailure = errors.New("launch failure")
	// ErrCancelled is returned when the run was cancelled before the child exited.
	ErrCancelled = errors.New("run cancelled")
	// ErrUnknownFault wraps unexpected failures, including recovered panics.
	ErrUnknownFault = errors.New("unknown fault")
	// ErrAlreadyRun is returned when Run is called twice on one supervisor.
	ErrAlreadyRun = errors.New("supervisor already ran")
)

// Process exit codes reported by ExitCodeFor when the child produced none.
const (
	ExitGeneric       = 1
	ExitInvalidSpec   = 2
	ExitLaunchFailure = 3
	ExitTransferFault = 4
	ExitCancelled     = 130
)

// ExitCodeFor maps a run outcome to the return code of the supervising
// process. A completed run propagates the child's exit code.
func ExitCodeFor(res Result, err error) int {
	switch {
	case err == nil && res.State == StateCompleted:
		if res.ExitCode < 0 {
			return ExitGeneric
		}
		return res.ExitCode
	case errors.Is(err, ErrCancelled):
		return ExitCancelled
	case errors.Is(err, ErrInvalidSpec):
		return ExitInvalidSpec
	case errors.Is(err, ErrLaunchFailure):
		return ExitLaunchFailure
	case errors.Is(err, transfer.ErrChannelClosedEarly), errors.Is(err, transfer.ErrIOFault):
		return ExitTransferFault
	default:
		return ExitGeneric
	}
}
