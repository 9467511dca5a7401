//go:build windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

const gracePeriod = 2 * time.Second

func (h *Handle) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.waitDone:
		return nil
	default:
	}
	// Attempt a graceful shutdown first.
	_ = h.cmd.Process.Signal(os.Interrupt)

	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()
	select {
	case <-h.waitDone:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	return h.kill(ctx)
}

// kill terminates the process without a grace period.
func (h *Handle) kill(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %s: %w", h.name, err)
	}
	select {
	case <-h.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
