package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Paintersrp/pipewait/internal/exitwait"
	"github.com/Paintersrp/pipewait/internal/metrics"
	"github.com/Paintersrp/pipewait/internal/runtime"
	"github.com/Paintersrp/pipewait/internal/transfer"
)

const (
	tracerName = "github.com/Paintersrp/pipewait/internal/engine"

	defaultStopTimeout  = 5 * time.Second
	defaultDrainTimeout = 2 * time.Second
	droppedFlushTimeout = time.Second
	aliveCheckTimeout   = time.Second
)

// TransferSpec configures the payload written to the child's stdin.
type TransferSpec struct {
	Size int
	Fill byte
}

// Spec describes one supervised run.
type Spec struct {
	Name    string
	Command []string
	Workdir string
	Env     map[string]string
	// Transfer enables stdin redirection. The payload length becomes the
	// child's sole argument, so Command must then hold only the executable.
	Transfer *TransferSpec
	Stdout   io.Writer
	// KillOnCancel stops the child after cancellation has been observed.
	KillOnCancel bool
	StopTimeout  time.Duration
	// DrainTimeout bounds how long stderr may keep draining after the run
	// reached a terminal state.
	DrainTimeout time.Duration
}

func (s Spec) name() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Command) > 0 {
		return filepath.Base(s.Command[0])
	}
	return ""
}

func (s Spec) validate() error {
	if len(s.Command) == 0 || s.Command[0] == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidSpec)
	}
	if s.Transfer != nil {
		if s.Transfer.Size < 0 {
			return fmt.Errorf("%w: transfer size must be >= 0", ErrInvalidSpec)
		}
		if len(s.Command) > 1 {
			return fmt.Errorf("%w: the transfer size is the child's only argument; got extra arguments %q", ErrInvalidSpec, s.Command[1:])
		}
	}
	return nil
}

func (s Spec) stopTimeout() time.Duration {
	if s.StopTimeout > 0 {
		return s.StopTimeout
	}
	return defaultStopTimeout
}

func (s Spec) drainTimeout() time.Duration {
	if s.DrainTimeout > 0 {
		return s.DrainTimeout
	}
	return defaultDrainTimeout
}

// Result summarises a run. ChildAlive is set when a cancelled run left the
// child running.
type Result struct {
	RunID        string
	Name         string
	PID          int
	State        State
	ExitCode     int
	Transfer     transfer.Stats
	Transferred  bool
	StderrLines  int
	DroppedLines int
	Killed       bool
	ChildAlive   bool
	Started      time.Time
	Finished     time.Time
}

// Duration is the wall-clock time of the whole run.
func (r Result) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithTracer overrides the tracer used for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Supervisor) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithRunID overrides run identifier generation.
func WithRunID(fn func() string) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Supervisor owns a single child process for one run: it starts the child,
// drains its stderr, optionally transfers the payload, awaits exit and
// releases the handle on every path.
type Supervisor struct {
	runtime runtime.Runtime
	events  chan<- Event
	tracer  trace.Tracer
	newID   func() string

	state atomic.Int32

	// Set before the drain goroutine starts and read-only afterwards.
	runID string
	name  string
	pid   int

	exitCode   int
	killed     bool
	childAlive bool

	lines   atomic.Int64
	dropped atomic.Int64
}

// NewSupervisor returns a supervisor that launches through rt and publishes
// lifecycle and stderr events on events. A nil events channel disables
// publishing; stderr is still drained.
func NewSupervisor(rt runtime.Runtime, events chan<- Event, opts ...Option) *Supervisor {
	sup := &Supervisor{
		runtime:  rt,
		events:   events,
		tracer:   otel.Tracer(tracerName),
		newID:    uuid.NewString,
		exitCode: exitwait.NoExitCode,
	}
	for _, opt := range opts {
		opt(sup)
	}
	return sup
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Run executes the run described by spec. The returned Result is populated on
// every path; the error is nil only when the child exited on its own.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (res Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.state.CompareAndSwap(int32(StateNotStarted), int32(StateStarting)) {
		return Result{State: s.State(), ExitCode: exitwait.NoExitCode}, ErrAlreadyRun
	}

	s.runID = s.newID()
	s.name = spec.name()
	res = Result{RunID: s.runID, Name: s.name, ExitCode: exitwait.NoExitCode, Started: time.Now()}

	ctx, span := s.tracer.Start(ctx, "pipewait.run", trace.WithAttributes(
		attribute.String("pipewait.run_id", s.runID),
		attribute.String("pipewait.process", s.name),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnknownFault, r)
			s.setState(StateFaulted)
			s.sendEvent(EventTypeFaulted, "run aborted", ReasonUnknownFault, err)
		}
		res.Finished = time.Now()
		s.record(span, &res, err)
	}()

	err = s.run(ctx, spec, &res)
	return res, err
}

func (s *Supervisor) run(ctx context.Context, spec Spec, res *Result) error {
	s.sendEvent(EventTypeStarting, "starting process", "", nil)

	if err := spec.validate(); err != nil {
		return s.fault(err, ReasonLaunchFailure)
	}

	var payload *transfer.Payload
	startSpec := runtime.StartSpec{
		Name:    s.name,
		Command: append([]string(nil), spec.Command...),
		Workdir: spec.Workdir,
		Env:     spec.Env,
		Stdout:  spec.Stdout,
	}
	if spec.Transfer != nil {
		p, err := transfer.NewPayload(spec.Transfer.Size, spec.Transfer.Fill)
		if err != nil {
			return s.fault(fmt.Errorf("%w: %w", ErrInvalidSpec, err), ReasonLaunchFailure)
		}
		payload = &p
		startSpec.Stdin = true
		startSpec.Command = append(startSpec.Command, p.Arg())
	}

	handle, err := s.runtime.Start(ctx, startSpec)
	if err != nil {
		return s.fault(fmt.Errorf("%w: %w", ErrLaunchFailure, err), ReasonLaunchFailure)
	}

	s.pid = handle.PID()
	res.PID = s.pid

	// Stderr is drained for the whole run so the child never blocks on a
	// full pipe, whatever phase the supervisor is in.
	var logWG sync.WaitGroup
	logWG.Add(1)
	go func() {
		defer logWG.Done()
		s.streamLogs(handle.Logs())
	}()
	drained := make(chan struct{})
	go func() {
		logWG.Wait()
		close(drained)
	}()
	defer s.release(handle, drained, spec)

	s.setState(StateRunning)
	s.sendEvent(EventTypeRunning, fmt.Sprintf("process %s started (pid %d)", s.name, s.pid), "", nil)

	if payload != nil {
		s.setState(StateTransferring)
		s.sendEvent(EventTypeTransferring, fmt.Sprintf("sending %d bytes", payload.Len()), "", nil)

		stats, err := s.transfer(ctx, handle, *payload)
		res.Transfer = stats
		if err != nil {
			if errors.Is(err, transfer.ErrCancelled) {
				return s.cancelled(handle, spec, err)
			}
			return s.fault(err, ReasonTransferFault)
		}
		res.Transferred = true
		s.sendEvent(EventTypeTransferred, fmt.Sprintf("sent %d bytes in %s", stats.Bytes, stats.Elapsed), "", nil)
	}

	s.setState(StateAwaitingExit)
	s.sendEvent(EventTypeAwaiting, "awaiting exit", "", nil)

	code, err := s.await(ctx, handle)
	if err != nil {
		if errors.Is(err, exitwait.ErrCancelled) {
			return s.cancelled(handle, spec, err)
		}
		return s.fault(fmt.Errorf("%w: %w", ErrUnknownFault, err), ReasonWaitFault)
	}

	s.exitCode = code
	res.ExitCode = code
	s.setState(StateCompleted)
	// Lines the child wrote before exiting are reported ahead of the exit.
	s.awaitDrain(drained, spec)
	s.sendEvent(EventTypeCompleted, fmt.Sprintf("process exited with code %d", code), ReasonExited, nil)
	return nil
}

func (s *Supervisor) transfer(ctx context.Context, handle runtime.Handle, payload transfer.Payload) (transfer.Stats, error) {
	ctx, span := s.tracer.Start(ctx, "pipewait.transfer", trace.WithAttributes(
		attribute.Int("pipewait.transfer.size", payload.Len()),
	))
	defer span.End()

	stats, err := transfer.Send(ctx, handle.Stdin(), payload)
	span.SetAttributes(
		attribute.Int("pipewait.transfer.bytes", stats.Bytes),
		attribute.Int64("pipewait.transfer.elapsed_us", stats.Elapsed.Microseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.ObserveTransfer(s.name, stats.Bytes, stats.Elapsed, err == nil)
	return stats, err
}

func (s *Supervisor) await(ctx context.Context, handle runtime.Handle) (int, error) {
	ctx, span := s.tracer.Start(ctx, "pipewait.await")
	defer span.End()

	code, err := exitwait.Await(ctx, handle)
	if err != nil {
		span.RecordError(err)
		return code, err
	}
	span.SetAttributes(attribute.Int("process.exit_code", code))
	return code, nil
}

func (s *Supervisor) fault(err error, reason string) error {
	s.setState(StateFaulted)
	s.sendEvent(EventTypeFaulted, "run failed", reason, err)
	return err
}

// cancelled records the cancellation and, when configured, stops the child
// as an explicit follow-up. Observing cancellation never touches the child.
func (s *Supervisor) cancelled(handle runtime.Handle, spec Spec, cause error) error {
	s.setState(StateCancelled)
	s.sendEvent(EventTypeCancelled, "run cancelled", ReasonCancelled, nil)

	if spec.KillOnCancel {
		stopErr := s.stop(handle, spec)
		s.killed = stopErr == nil
		s.sendEvent(EventTypeStopped, "process stopped after cancellation", ReasonKillOnCancel, stopErr)
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}

	ctx, cancel := context.WithTimeout(context.Background(), aliveCheckTimeout)
	defer cancel()
	alive, err := handle.Alive(ctx)
	s.childAlive = alive && err == nil
	if s.childAlive {
		s.sendEvent(EventTypeDetached, fmt.Sprintf("process %s left running (pid %d)", s.name, s.pid), ReasonCancelled, nil)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func (s *Supervisor) stop(handle runtime.Handle, spec Spec) error {
	ctx, cancel := context.WithTimeout(context.Background(), spec.stopTimeout())
	defer cancel()
	return handle.Stop(ctx)
}

// release stops a child left behind by a fault, waits (bounded) for the
// stderr drain and closes the handle. A child left running after
// cancellation keeps its stderr pipe; the handle drains it in the background.
func (s *Supervisor) release(handle runtime.Handle, drained <-chan struct{}, spec Spec) {
	state := s.State()
	if state == StateFaulted || !state.Terminal() {
		if _, exited := handle.ExitCode(); !exited {
			stopErr := s.stop(handle, spec)
			s.killed = stopErr == nil
			s.sendEvent(EventTypeStopped, "process stopped after failure", ReasonStopAfterFault, stopErr)
		}
	}

	if _, exited := handle.ExitCode(); exited {
		s.awaitDrain(drained, spec)
	}

	_ = handle.Close()
	<-drained
}

func (s *Supervisor) awaitDrain(drained <-chan struct{}, spec Spec) {
	timer := time.NewTimer(spec.drainTimeout())
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
	}
}

func (s *Supervisor) record(span trace.Span, res *Result, err error) {
	res.State = s.State()
	res.StderrLines = int(s.lines.Load())
	res.DroppedLines = int(s.dropped.Load())
	res.Killed = s.killed
	res.ChildAlive = s.childAlive

	metrics.ObserveRun(res.Name, res.State.String(), res.ExitCode, res.Duration())
	metrics.AddStderrLines(res.Name, res.StderrLines, res.DroppedLines)

	span.SetAttributes(
		attribute.String("pipewait.state", res.State.String()),
		attribute.Int("process.pid", res.PID),
		attribute.Int("process.exit_code", res.ExitCode),
	)
	if err != nil && res.State != StateCancelled {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (s *Supervisor) streamLogs(logs <-chan runtime.LogEntry) {
	var dropped int
	for entry := range logs {
		s.lines.Add(1)
		if dropped > 0 {
			if !s.emitDropped(dropped, false) {
				dropped++
				s.dropped.Add(1)
				continue
			}
			dropped = 0
		}
		if !s.emitLog(s.normalizeLog(entry), false) {
			dropped++
			s.dropped.Add(1)
		}
	}
	if dropped > 0 {
		s.emitDropped(dropped, true)
	}
}

func (s *Supervisor) normalizeLog(entry runtime.LogEntry) Event {
	source := entry.Source
	if source == "" {
		source = runtime.LogSourceStderr
	}
	level := entry.Level
	if level == "" {
		level = "warn"
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{
		Timestamp: ts,
		RunID:     s.runID,
		Process:   s.name,
		PID:       s.pid,
		Type:      EventTypeLog,
		Message:   entry.Message,
		Level:     level,
		Source:    source,
		ExitCode:  exitwait.NoExitCode,
	}
}

func (s *Supervisor) emitLog(evt Event, block bool) bool {
	if s.events == nil {
		return true
	}
	if block {
		timer := time.NewTimer(droppedFlushTimeout)
		defer timer.Stop()
		select {
		case s.events <- evt:
			return true
		case <-timer.C:
			return false
		}
	}
	select {
	case s.events <- evt:
		return true
	default:
		return false
	}
}

func (s *Supervisor) emitDropped(count int, block bool) bool {
	evt := Event{
		Timestamp: time.Now(),
		RunID:     s.runID,
		Process:   s.name,
		PID:       s.pid,
		Type:      EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", count),
		Level:     "warn",
		Source:    runtime.LogSourceSystem,
		ExitCode:  exitwait.NoExitCode,
	}
	return s.emitLog(evt, block)
}
