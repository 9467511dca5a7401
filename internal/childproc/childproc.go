// Package childproc implements the companion child used to benchmark and
// exercise stdin transfers: it consumes an exact number of bytes, reports on
// stderr and exits with a chosen code.
package childproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

var (
	// ErrShortInput is returned when stdin ends before the expected size.
	ErrShortInput = errors.New("stdin ended before the expected size")
	// ErrFillMismatch is returned when verification finds an unexpected byte.
	ErrFillMismatch = errors.New("payload byte does not match fill")
)

// Options controls the child's behaviour after it has been launched.
type Options struct {
	Size        int
	Fill        byte
	Verify      bool
	ExitCode    int
	StderrLines int
	// Heartbeat emits one stderr line per interval while holding.
	Heartbeat time.Duration
	// Hold keeps the child alive after reading. Negative holds until ctx ends.
	Hold time.Duration
}

// ParseSize parses the sole positional argument passed by the supervisor.
func ParseSize(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", arg, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size must be >= 0, got %d", n)
	}
	return n, nil
}

// Run executes the child behaviour and returns the exit code to use. A
// non-nil error means the input could not be consumed as requested.
func Run(ctx context.Context, opts Options, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if opts.Size < 0 {
		return 1, fmt.Errorf("size must be >= 0, got %d", opts.Size)
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	if opts.Size > 0 {
		if stdin == nil {
			return 1, fmt.Errorf("%w: no input", ErrShortInput)
		}
		buf := make([]byte, opts.Size)
		n, err := io.ReadFull(stdin, buf)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return 1, fmt.Errorf("%w: read %d of %d bytes", ErrShortInput, n, opts.Size)
			}
			return 1, fmt.Errorf("read stdin: %w", err)
		}
		if opts.Verify {
			for i, b := range buf {
				if b != opts.Fill {
					return 1, fmt.Errorf("%w: offset %d has 0x%02x, want 0x%02x", ErrFillMismatch, i, b, opts.Fill)
				}
			}
		}
	}
	fmt.Fprintf(stdout, "received %d bytes\n", opts.Size)

	for i := 0; i < opts.StderrLines; i++ {
		if _, err := fmt.Fprintf(stderr, "line %d\n", i); err != nil {
			return 1, fmt.Errorf("write stderr: %w", err)
		}
	}

	hold(ctx, opts, stderr)
	return opts.ExitCode, nil
}

func hold(ctx context.Context, opts Options, stderr io.Writer) {
	if opts.Hold == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Hold > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Hold)
		defer cancel()
	}

	var tick <-chan time.Time
	if opts.Heartbeat > 0 {
		ticker := time.NewTicker(opts.Heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			fmt.Fprintf(stderr, "%d seconds since start\n", int(time.Since(start).Seconds()))
		}
	}
}
