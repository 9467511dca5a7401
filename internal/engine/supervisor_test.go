package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/pipewait/internal/exitwait"
	"github.com/Paintersrp/pipewait/internal/runtime"
	"github.com/Paintersrp/pipewait/internal/transfer"
)

func TestRunCompletesAfterTransfer(t *testing.T) {
	h := newFakeHandle(101)
	h.stdin.onClose = func(buf []byte) {
		if len(buf) != 1024 || bytes.Count(buf, []byte{0xFF}) != 1024 {
			h.exit(1)
			return
		}
		h.exit(42)
	}
	rt := &fakeRuntime{handle: h}
	events := make(chan Event, 64)

	sup := NewSupervisor(rt, events, WithRunID(func() string { return "run-1" }))
	res, err := sup.Run(context.Background(), Spec{
		Command:  []string{"/usr/bin/child"},
		Transfer: &TransferSpec{Size: 1024, Fill: 0xFF},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted || res.ExitCode != 42 {
		t.Fatalf("expected completed with 42, got %s %d", res.State, res.ExitCode)
	}
	if res.RunID != "run-1" || res.Name != "child" || res.PID != 101 {
		t.Fatalf("unexpected identity %+v", res)
	}
	if !res.Transferred || res.Transfer.Bytes != 1024 {
		t.Fatalf("expected 1024 bytes transferred, got %+v", res.Transfer)
	}
	if got := strings.Join(rt.spec.Command, " "); got != "/usr/bin/child 1024" {
		t.Fatalf("expected payload length as sole argument, got %q", got)
	}
	if !rt.spec.Stdin {
		t.Fatalf("expected stdin redirection")
	}
	if h.closeCalls() != 1 || h.stopCount() != 0 {
		t.Fatalf("expected one close and no stop, got close=%d stop=%d", h.closeCalls(), h.stopCount())
	}
	if n := h.listenerCount(); n != 0 {
		t.Fatalf("expected no exit listeners after run, got %d", n)
	}
	if code := ExitCodeFor(res, err); code != 42 {
		t.Fatalf("expected cli exit code 42, got %d", code)
	}

	want := []EventType{
		EventTypeStarting,
		EventTypeRunning,
		EventTypeTransferring,
		EventTypeTransferred,
		EventTypeAwaiting,
		EventTypeCompleted,
	}
	got := lifecycleTypes(events)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected lifecycle %v, want %v", got, want)
	}
}

func TestRunWithoutTransferKeepsArguments(t *testing.T) {
	h := newFakeHandle(7)
	rt := &fakeRuntime{handle: h}
	go func() {
		rt.waitStarted()
		h.exit(0)
	}()

	res, err := NewSupervisor(rt, nil).Run(context.Background(), Spec{
		Name:    "echo",
		Command: []string{"echo", "a", "b"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted || res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if rt.spec.Stdin {
		t.Fatalf("stdin should not be redirected without a transfer")
	}
	if got := strings.Join(rt.spec.Command, " "); got != "echo a b" {
		t.Fatalf("unexpected command %q", got)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("exec: not found")}
	res, err := NewSupervisor(rt, nil).Run(context.Background(), Spec{Command: []string{"missing"}})
	if !errors.Is(err, ErrLaunchFailure) {
		t.Fatalf("expected ErrLaunchFailure, got %v", err)
	}
	if res.State != StateFaulted || res.PID != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if code := ExitCodeFor(res, err); code != ExitLaunchFailure {
		t.Fatalf("expected exit code %d, got %d", ExitLaunchFailure, code)
	}
}

func TestRunRejectsExtraArgumentsWithTransfer(t *testing.T) {
	rt := &fakeRuntime{handle: newFakeHandle(1)}
	res, err := NewSupervisor(rt, nil).Run(context.Background(), Spec{
		Command:  []string{"child", "--flag"},
		Transfer: &TransferSpec{Size: 10},
	})
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
	if rt.starts() != 0 {
		t.Fatalf("runtime must not be started for an invalid spec")
	}
	if res.State != StateFaulted {
		t.Fatalf("expected faulted, got %s", res.State)
	}
}

func TestRunRequiresCommand(t *testing.T) {
	_, err := NewSupervisor(&fakeRuntime{}, nil).Run(context.Background(), Spec{})
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestRunTransferFaultStopsChild(t *testing.T) {
	h := newFakeHandle(9)
	h.stdin.writeErr = syscall.EPIPE
	rt := &fakeRuntime{handle: h}
	events := make(chan Event, 64)

	res, err := NewSupervisor(rt, events).Run(context.Background(), Spec{
		Command:  []string{"child"},
		Transfer: &TransferSpec{Size: 64},
	})
	if !errors.Is(err, transfer.ErrChannelClosedEarly) {
		t.Fatalf("expected ErrChannelClosedEarly, got %v", err)
	}
	if res.State != StateFaulted || res.Transferred {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.stopCount() != 1 || !res.Killed {
		t.Fatalf("expected faulted child to be stopped, stop=%d killed=%v", h.stopCount(), res.Killed)
	}
	if h.closeCalls() != 1 {
		t.Fatalf("expected handle closed once, got %d", h.closeCalls())
	}
	if code := ExitCodeFor(res, err); code != ExitTransferFault {
		t.Fatalf("expected exit code %d, got %d", ExitTransferFault, code)
	}

	var sawFault, sawStop bool
	for _, evt := range drain(events) {
		switch evt.Type {
		case EventTypeFaulted:
			sawFault = evt.Reason == ReasonTransferFault && evt.Level == "error"
		case EventTypeStopped:
			sawStop = evt.Reason == ReasonStopAfterFault
		case EventTypeAwaiting:
			t.Fatalf("faulted transfer must not await exit")
		}
	}
	if !sawFault || !sawStop {
		t.Fatalf("expected fault and stop events, fault=%v stop=%v", sawFault, sawStop)
	}
}

func TestRunCancelledKillsChildByDefaultPolicy(t *testing.T) {
	h := newFakeHandle(11)
	rt := &fakeRuntime{handle: h}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		rt.waitStarted()
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := NewSupervisor(rt, nil).Run(ctx, Spec{Command: []string{"child"}, KillOnCancel: true})
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, exitwait.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if res.State != StateCancelled || !res.Killed {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.stopCount() != 1 {
		t.Fatalf("expected explicit stop after cancellation, got %d", h.stopCount())
	}
	if res.ExitCode != exitwait.NoExitCode {
		t.Fatalf("cancelled run must not report an exit code, got %d", res.ExitCode)
	}
	if code := ExitCodeFor(res, err); code != ExitCancelled {
		t.Fatalf("expected exit code %d, got %d", ExitCancelled, code)
	}
}

func TestRunCancelledWithoutKillLeavesChild(t *testing.T) {
	h := newFakeHandle(12)
	rt := &fakeRuntime{handle: h}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	events := make(chan Event, 32)
	res, err := NewSupervisor(rt, events).Run(ctx, Spec{Command: []string{"child"}})
	close(events)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res.State != StateCancelled || res.Killed || !res.ChildAlive {
		t.Fatalf("unexpected result %+v", res)
	}
	var detached bool
	for evt := range events {
		if evt.Type == EventTypeDetached && evt.PID == 12 {
			detached = true
		}
	}
	if !detached {
		t.Fatalf("expected a detached event naming the running child")
	}
	if h.stopCount() != 0 {
		t.Fatalf("cancellation alone must not stop the child")
	}
	if _, exited := h.ExitCode(); exited {
		t.Fatalf("child should still be running")
	}
	if n := h.listenerCount(); n != 0 {
		t.Fatalf("expected no exit listeners after cancellation, got %d", n)
	}
	if h.closeCalls() != 1 {
		t.Fatalf("expected handle closed once, got %d", h.closeCalls())
	}
}

func TestRunCancelledDuringTransfer(t *testing.T) {
	h := newFakeHandle(13)
	h.stdin.block = make(chan struct{})
	rt := &fakeRuntime{handle: h}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = NewSupervisor(rt, nil).Run(ctx, Spec{
			Command:      []string{"child"},
			Transfer:     &TransferSpec{Size: 4096},
			KillOnCancel: true,
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("cancelled transfer did not unblock the run")
	}
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, transfer.ErrCancelled) {
		t.Fatalf("expected transfer cancellation, got %v", err)
	}
	if res.State != StateCancelled || res.Transferred {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.stopCount() != 1 {
		t.Fatalf("expected child stopped after cancellation, got %d", h.stopCount())
	}
}

func TestRunReportsStderrBeforeCompletion(t *testing.T) {
	h := newFakeHandle(21)
	for i := 0; i < 5; i++ {
		h.logs <- runtime.LogEntry{Message: fmt.Sprintf("line %d", i)}
	}
	h.exit(0)

	events := make(chan Event, 64)
	res, err := NewSupervisor(&fakeRuntime{handle: h}, events).Run(context.Background(), Spec{Command: []string{"child"}})
	close(events)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var lines int
	var completed bool
	for evt := range events {
		switch evt.Type {
		case EventTypeLog:
			if completed {
				t.Fatalf("stderr line %q reported after completion", evt.Message)
			}
			lines++
		case EventTypeCompleted:
			completed = true
		}
	}
	if !completed || lines != 5 || res.StderrLines != 5 {
		t.Fatalf("expected 5 lines then completion, got lines=%d completed=%v result=%+v", lines, completed, res)
	}
}

func TestRunOnlyOnce(t *testing.T) {
	h := newFakeHandle(1)
	h.exit(0)
	sup := NewSupervisor(&fakeRuntime{handle: h}, nil)
	if _, err := sup.Run(context.Background(), Spec{Command: []string{"child"}}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := sup.Run(context.Background(), Spec{Command: []string{"child"}}); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("expected ErrAlreadyRun, got %v", err)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	rt := &fakeRuntime{panicOnStart: true}
	res, err := NewSupervisor(rt, nil).Run(context.Background(), Spec{Command: []string{"child"}})
	if !errors.Is(err, ErrUnknownFault) {
		t.Fatalf("expected ErrUnknownFault, got %v", err)
	}
	if res.State != StateFaulted || res.Finished.IsZero() {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunForwardsStderr(t *testing.T) {
	h := newFakeHandle(21)
	rt := &fakeRuntime{handle: h}
	events := make(chan Event, 64)
	go func() {
		rt.waitStarted()
		h.logs <- runtime.LogEntry{Message: "warming up", Source: runtime.LogSourceStderr}
		h.logs <- runtime.LogEntry{Message: "ready"}
		h.exit(0)
	}()

	res, err := NewSupervisor(rt, events).Run(context.Background(), Spec{Name: "worker", Command: []string{"worker"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.StderrLines != 2 || res.DroppedLines != 0 {
		t.Fatalf("expected 2 stderr lines, got %+v", res)
	}

	var lines []string
	for _, evt := range drain(events) {
		if evt.Type != EventTypeLog {
			continue
		}
		if evt.Process != "worker" || evt.PID != 21 || evt.Source != runtime.LogSourceStderr {
			t.Fatalf("log event not tagged with process: %+v", evt)
		}
		lines = append(lines, evt.Message)
	}
	if strings.Join(lines, ",") != "warming up,ready" {
		t.Fatalf("unexpected stderr lines %v", lines)
	}
}

func TestStreamLogsDropsWhenConsumerLags(t *testing.T) {
	events := make(chan Event, 1)
	sup := NewSupervisor(nil, events)
	sup.name = "flood"

	logs := make(chan runtime.LogEntry, 5)
	for i := 0; i < 5; i++ {
		logs <- runtime.LogEntry{Message: fmt.Sprintf("line %d", i)}
	}
	close(logs)

	received := make(chan []Event, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		var got []Event
		for i := 0; i < 2; i++ {
			select {
			case evt := <-events:
				got = append(got, evt)
			case <-time.After(2 * time.Second):
			}
		}
		received <- got
	}()

	sup.streamLogs(logs)
	got := <-received

	if sup.lines.Load() != 5 || sup.dropped.Load() != 4 {
		t.Fatalf("expected 5 lines with 4 dropped, got %d/%d", sup.lines.Load(), sup.dropped.Load())
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Message != "line 0" {
		t.Fatalf("expected first line delivered, got %q", got[0].Message)
	}
	if got[1].Message != "dropped=4" || got[1].Source != runtime.LogSourceSystem {
		t.Fatalf("expected dropped summary, got %+v", got[1])
	}
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		res  Result
		err  error
		want int
	}{
		{"completed", Result{State: StateCompleted, ExitCode: 5}, nil, 5},
		{"completed signalled", Result{State: StateCompleted, ExitCode: -1}, nil, ExitGeneric},
		{"cancelled", Result{State: StateCancelled}, fmt.Errorf("%w: %w", ErrCancelled, exitwait.ErrCancelled), ExitCancelled},
		{"invalid", Result{State: StateFaulted}, ErrInvalidSpec, ExitInvalidSpec},
		{"launch", Result{State: StateFaulted}, fmt.Errorf("%w: boom", ErrLaunchFailure), ExitLaunchFailure},
		{"io fault", Result{State: StateFaulted}, fmt.Errorf("%w: boom", transfer.ErrIOFault), ExitTransferFault},
		{"unknown", Result{State: StateFaulted}, ErrUnknownFault, ExitGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCodeFor(tc.res, tc.err); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func lifecycleTypes(events chan Event) []EventType {
	var types []EventType
	for _, evt := range drain(events) {
		if evt.Type != EventTypeLog {
			types = append(types, evt.Type)
		}
	}
	return types
}

func drain(events chan Event) []Event {
	var out []Event
	for {
		select {
		case evt := <-events:
			out = append(out, evt)
		default:
			return out
		}
	}
}

type fakeRuntime struct {
	mu           sync.Mutex
	handle       *fakeHandle
	startErr     error
	panicOnStart bool
	spec         runtime.StartSpec
	startCount   int
	started      chan struct{}
	once         sync.Once
}

func (f *fakeRuntime) startedCh() chan struct{} {
	f.once.Do(func() { f.started = make(chan struct{}) })
	return f.started
}

func (f *fakeRuntime) waitStarted() {
	<-f.startedCh()
}

func (f *fakeRuntime) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCount
}

func (f *fakeRuntime) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	if f.panicOnStart {
		panic("runtime exploded")
	}
	f.mu.Lock()
	f.spec = spec
	f.startCount++
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.handle == nil {
		return nil, errors.New("no handle configured")
	}
	close(f.startedCh())
	return f.handle, nil
}

type fakeHandle struct {
	pid   int
	stdin *fakeStdin
	logs  chan runtime.LogEntry

	mu        sync.Mutex
	exited    bool
	code      int
	nextID    int
	listeners map[int]func(int)
	stops     int
	closes    int
	logsOnce  sync.Once
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{
		pid:       pid,
		stdin:     &fakeStdin{},
		logs:      make(chan runtime.LogEntry, 16),
		code:      exitwait.NoExitCode,
		listeners: make(map[int]func(int)),
	}
}

func (f *fakeHandle) exit(code int) {
	f.mu.Lock()
	if f.exited {
		f.mu.Unlock()
		return
	}
	f.exited = true
	f.code = code
	listeners := make([]func(int), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.listeners = map[int]func(int){}
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(code)
	}
	f.closeLogs()
}

func (f *fakeHandle) closeLogs() {
	f.logsOnce.Do(func() { close(f.logs) })
}

func (f *fakeHandle) PID() int {
	return f.pid
}

func (f *fakeHandle) Name() string {
	return "fake"
}

func (f *fakeHandle) OnExit(fn func(code int)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return func() {}
	}
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeHandle) ExitCode() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.exited
}

func (f *fakeHandle) Stdin() io.WriteCloser {
	return f.stdin
}

func (f *fakeHandle) Logs() <-chan runtime.LogEntry {
	return f.logs
}

func (f *fakeHandle) Alive(context.Context) (bool, error) {
	_, exited := f.ExitCode()
	return !exited, nil
}

func (f *fakeHandle) Stop(context.Context) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.exit(-1)
	return nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeLogs()
	return nil
}

func (f *fakeHandle) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeHandle) closeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeHandle) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type fakeStdin struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	block    chan struct{}
	closed   bool
	onClose  func([]byte)
}

func (f *fakeStdin) Write(p []byte) (int, error) {
	if f.block != nil {
		<-f.block
		return 0, io.ErrClosedPipe
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *fakeStdin) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.block != nil {
		close(f.block)
	}
	data := append([]byte(nil), f.buf.Bytes()...)
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		onClose(data)
	}
	return nil
}
