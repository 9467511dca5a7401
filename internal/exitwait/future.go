package exitwait

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// NoExitCode is returned alongside an error when no exit code was observed.
const NoExitCode = -1

var (
	// ErrInvalidArgument is returned when no process is supplied.
	ErrInvalidArgument = errors.New("exitwait: process is required")
	// ErrCancelled is returned when the wait was abandoned before the process exited.
	ErrCancelled = errors.New("exitwait: wait cancelled")
	// ErrPending is returned by Result while the future is unresolved.
	ErrPending = errors.New("exitwait: result pending")
)

// Source is a process whose termination can be observed.
type Source interface {
	// OnExit registers fn to be invoked once with the exit code when the
	// process terminates. Listeners registered after the process exited are
	// never invoked. The returned function removes the registration and is
	// safe to call more than once.
	OnExit(fn func(code int)) (cancel func())

	// ExitCode reports the exit code and true once the process has exited.
	ExitCode() (code int, exited bool)
}

// Future holds the eventual exit code of one Source.
type Future struct {
	once sync.Once
	done chan struct{}
	code int
	err  error

	mu          sync.Mutex
	released    bool
	unsubscribe func()
}

func newFuture() *Future {
	return &Future{done: make(chan struct{}), code: NoExitCode}
}

// Watch subscribes to src and returns a Future that settles when src exits.
// Callers must call Release (or Wait until the future settles) to drop the
// subscription.
func Watch(src Source) (*Future, error) {
	if isNil(src) {
		return nil, ErrInvalidArgument
	}

	f := newFuture()
	f.attach(src.OnExit(func(code int) {
		f.complete(code, nil)
	}))

	// The process may have exited before the listener was installed.
	if code, exited := src.ExitCode(); exited {
		f.complete(code, nil)
	}
	return f, nil
}

// Await blocks until src exits or ctx is done. The exit listener is removed
// before Await returns.
func Await(ctx context.Context, src Source) (int, error) {
	f, err := Watch(src)
	if err != nil {
		return NoExitCode, err
	}
	defer f.Release()
	return f.Wait(ctx)
}

// Wait blocks until the future settles. When ctx is done first the future
// settles as cancelled; a later exit notification is ignored.
func (f *Future) Wait(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	stop := context.AfterFunc(ctx, func() {
		f.complete(NoExitCode, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
	})
	defer stop()

	<-f.done
	return f.code, f.err
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled value, or ErrPending.
func (f *Future) Result() (int, error) {
	select {
	case <-f.done:
		return f.code, f.err
	default:
		return NoExitCode, ErrPending
	}
}

// Release removes the exit listener. It does not settle the future.
func (f *Future) Release() {
	f.mu.Lock()
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	f.released = true
	f.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// complete assigns the result if nothing else has and reports whether this
// call won.
func (f *Future) complete(code int, err error) bool {
	won := false
	f.once.Do(func() {
		f.code = code
		f.err = err
		close(f.done)
		won = true
	})
	if won {
		f.Release()
	}
	return won
}

func (f *Future) attach(unsubscribe func()) {
	if unsubscribe == nil {
		return
	}
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		unsubscribe()
		return
	}
	f.unsubscribe = unsubscribe
	f.mu.Unlock()
}

func isNil(src Source) bool {
	if src == nil {
		return true
	}
	v := reflect.ValueOf(src)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Interface, reflect.Slice, reflect.Chan:
		return v.IsNil()
	}
	return false
}
