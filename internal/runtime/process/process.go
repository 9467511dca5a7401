package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/Paintersrp/pipewait/internal/runtime"
)

const (
	logBuffer       = 64
	maxLogLineBytes = 1 << 20
)

type runtimeImpl struct{}

// New constructs a runtime that executes children as local processes.
func New() runtime.Runtime {
	return &runtimeImpl{}
}

func (r *runtimeImpl) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, errors.New("process runtime requires a command")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	name := spec.Name
	if name == "" {
		name = filepath.Base(spec.Command[0])
	}

	// exec.Command rather than CommandContext: cancelling the caller's context
	// must never kill the child.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}

	env := os.Environ()
	if spec.Env != nil {
		envOverrides := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			envOverrides = append(envOverrides, fmt.Sprintf("%s=%s", k, v))
		}
		env = append(env, envOverrides...)
	}
	cmd.Env = env
	cmd.Stdout = spec.Stdout

	var stdin io.WriteCloser
	if spec.Stdin {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("process %s stdin: %w", name, err)
		}
	}

	// A plain pipe instead of StderrPipe: Wait must not close the read side
	// while the drain is still consuming buffered lines.
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		if stdin != nil {
			_ = stdin.Close()
		}
		return nil, fmt.Errorf("process %s stderr: %w", name, err)
	}
	cmd.Stderr = stderrW

	configureCmdSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = stderrR.Close()
		_ = stderrW.Close()
		if stdin != nil {
			_ = stdin.Close()
		}
		return nil, fmt.Errorf("start process %s: %w", name, err)
	}
	// The child holds its own copy of the write end.
	_ = stderrW.Close()

	h := &Handle{
		name:      name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		stdin:     stdin,
		stderr:    stderrR,
		logs:      make(chan runtime.LogEntry, logBuffer),
		waitDone:  make(chan struct{}),
		closing:   make(chan struct{}),
		exitCode:  -1,
		listeners: make(map[uint64]func(int)),
	}

	lines := make(chan runtime.LogEntry)
	go h.readStderr(stderrR, lines)
	go h.forwardLogs(lines)
	go h.waitLoop()

	return h, nil
}

// Handle is a started local process.
type Handle struct {
	name    string
	cmd     *exec.Cmd
	pid     int
	stdin   io.WriteCloser
	stderr  *os.File
	logs    chan runtime.LogEntry

	waitDone chan struct{}
	closing  chan struct{}

	mu        sync.Mutex
	exited    bool
	exitCode  int
	nextID    uint64
	listeners map[uint64]func(int)

	closeOnce sync.Once
	closeErr  error
}

var _ runtime.Handle = (*Handle)(nil)

func (h *Handle) PID() int {
	return h.pid
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) Stdin() io.WriteCloser {
	return h.stdin
}

func (h *Handle) Logs() <-chan runtime.LogEntry {
	return h.logs
}

func (h *Handle) OnExit(fn func(code int)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

// listenerCount reports how many exit listeners are registered.
func (h *Handle) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *Handle) Alive(ctx context.Context) (bool, error) {
	if _, exited := h.ExitCode(); exited {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	alive, err := gopsprocess.PidExistsWithContext(ctx, int32(h.pid))
	if err != nil {
		return false, fmt.Errorf("probe process %s: %w", h.name, err)
	}
	return alive, nil
}

// Close stops log delivery and closes stdin. The stderr read end is closed
// here only once the process has exited; a live child keeps its pipe, which
// is drained to EOF in the background so its writes never fail.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closing)
		var errs []error
		if h.stdin != nil {
			if err := h.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, fmt.Errorf("close stdin: %w", err))
			}
		}
		if _, exited := h.ExitCode(); exited {
			if err := h.stderr.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, fmt.Errorf("close stderr: %w", err))
			}
		}
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}

func (h *Handle) waitLoop() {
	err := h.cmd.Wait()
	code := exitCodeOf(err)

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	ids := make([]uint64, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	close(h.waitDone)

	for _, id := range ids {
		// A listener removed after the snapshot must not run.
		h.mu.Lock()
		fn, ok := h.listeners[id]
		delete(h.listeners, id)
		h.mu.Unlock()
		if ok {
			fn(code)
		}
	}
}

// readStderr scans the child's stderr until EOF. Lines read after Close are
// discarded rather than delivered.
func (h *Handle) readStderr(r *os.File, lines chan<- runtime.LogEntry) {
	defer func() { _ = r.Close() }()
	defer close(lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		entry := runtime.LogEntry{
			Timestamp: time.Now(),
			Message:   line,
			Source:    runtime.LogSourceStderr,
			Level:     runtime.InferLevel(line, "warn"),
		}
		select {
		case lines <- entry:
		case <-h.closing:
		}
	}
	if errors.Is(scanner.Err(), bufio.ErrTooLong) {
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}
}

// forwardLogs owns the Logs channel and closes it at EOF or on Close,
// whichever comes first.
func (h *Handle) forwardLogs(lines <-chan runtime.LogEntry) {
	defer close(h.logs)
	for {
		select {
		case entry, ok := <-lines:
			if !ok {
				return
			}
			select {
			case h.logs <- entry:
			case <-h.closing:
				return
			}
		case <-h.closing:
			return
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
