package runtime

import (
	"context"
	"io"
	"time"
)

// Log sources attached to LogEntry values.
const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "pipewait"
)

// LogEntry is a single line emitted by a child process.
type LogEntry struct {
	Timestamp time.Time
	Message   string
	Source    string
	Level     string
}

// StartSpec describes the child to launch.
type StartSpec struct {
	// Name tags log lines and errors; it defaults to the executable name.
	Name string
	// Command holds the executable followed by its arguments. It is executed
	// directly, never through a shell.
	Command []string
	Workdir string
	Env     map[string]string
	// Stdin requests a writable input channel. Without it the child reads
	// from the null device.
	Stdin bool
	// Stdout receives the child's standard output. Nil discards it.
	Stdout io.Writer
}

// Handle represents one started child process. A handle is owned by a single
// caller and must be closed once the caller is done with it.
type Handle interface {
	// PID returns the operating system process identifier.
	PID() int

	// Name returns the label used for log lines.
	Name() string

	// OnExit registers fn to run once with the exit code when the process
	// terminates. Registrations made after termination are never invoked.
	OnExit(fn func(code int)) (cancel func())

	// ExitCode reports the exit code and true once the process has exited.
	ExitCode() (code int, exited bool)

	// Stdin returns the input channel, or nil when StartSpec.Stdin was false.
	Stdin() io.WriteCloser

	// Logs streams standard error line by line. The channel is closed when
	// the stream reaches EOF or the handle is closed.
	Logs() <-chan LogEntry

	// Alive reports whether the process is still running.
	Alive(ctx context.Context) (bool, error)

	// Stop terminates the process, gracefully first. It is idempotent and a
	// no-op once the process has exited.
	Stop(ctx context.Context) error

	// Close releases the handle's pipes. It does not stop the process.
	Close() error
}

// Runtime launches child processes.
type Runtime interface {
	// Start launches the child described by spec. Failures to launch are
	// returned directly; the caller owns the returned handle.
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}
