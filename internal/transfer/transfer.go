// Package transfer writes a fixed payload into a child's input channel and
// signals end of input by closing it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	// ErrChannelClosedEarly is returned when the reading side went away
	// before the payload was fully written.
	ErrChannelClosedEarly = errors.New("transfer: channel closed early")
	// ErrIOFault is returned for any other write, flush or close failure.
	ErrIOFault = errors.New("transfer: i/o fault")
	// ErrCancelled is returned when the context ended before the transfer
	// completed.
	ErrCancelled = errors.New("transfer: cancelled")
)

// Payload is an immutable byte sequence staged before the child starts.
type Payload struct {
	data []byte
}

// NewPayload returns a payload of size bytes, each set to fill.
func NewPayload(size int, fill byte) (Payload, error) {
	if size < 0 {
		return Payload{}, fmt.Errorf("transfer: payload size must be >= 0, got %d", size)
	}
	data := make([]byte, size)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return Payload{data: data}, nil
}

// Len reports the payload length in bytes.
func (p Payload) Len() int {
	return len(p.data)
}

// Arg renders the payload length as the child's command-line argument.
func (p Payload) Arg() string {
	return strconv.Itoa(len(p.data))
}

// Stats describes a finished or failed transfer.
type Stats struct {
	// Bytes is the number of bytes accepted by the channel.
	Bytes int
	// Elapsed covers the write phase only. Flush and close are excluded.
	Elapsed time.Duration
}

// Throughput returns bytes per second for the write phase.
func (s Stats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

type flusher interface {
	Flush() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Send writes the whole payload to w, flushes it when w buffers, and closes
// it. The channel is closed only after every byte was written; on a write or
// flush failure it is left open so the reader never mistakes a truncated
// payload for a complete one.
//
// When ctx ends mid-write the pending write is interrupted (through a write
// deadline when w supports one, otherwise by closing w) and Send returns
// ErrCancelled.
func Send(ctx context.Context, w io.WriteCloser, p Payload) (Stats, error) {
	if w == nil {
		return Stats{}, fmt.Errorf("%w: no input channel", ErrIOFault)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, fmt.Errorf("%w before write: %w", ErrCancelled, context.Cause(ctx))
	}

	var interrupted atomic.Bool
	stop := context.AfterFunc(ctx, func() {
		interrupted.Store(true)
		if d, ok := w.(writeDeadliner); ok {
			if err := d.SetWriteDeadline(time.Unix(1, 0)); err == nil {
				return
			}
		}
		_ = w.Close()
	})

	start := time.Now()
	n, err := writeFull(w, p.data)
	stats := Stats{Bytes: n, Elapsed: time.Since(start)}

	if err == nil {
		if f, ok := w.(flusher); ok {
			err = f.Flush()
		}
	}

	if !stop() || interrupted.Load() {
		return stats, fmt.Errorf("%w after %d of %d bytes: %w", ErrCancelled, n, p.Len(), context.Cause(ctx))
	}
	if err != nil {
		return stats, classify(err, n, p.Len())
	}

	if err := w.Close(); err != nil {
		return stats, classify(fmt.Errorf("close: %w", err), n, p.Len())
	}
	return stats, nil
}

func writeFull(w io.Writer, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := w.Write(data[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func classify(err error, n, total int) error {
	if isClosedChannel(err) {
		return fmt.Errorf("%w after %d of %d bytes: %w", ErrChannelClosedEarly, n, total, err)
	}
	return fmt.Errorf("%w after %d of %d bytes: %w", ErrIOFault, n, total, err)
}

func isClosedChannel(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
