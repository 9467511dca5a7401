//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

const gracePeriod = 2 * time.Second

// Stop sends SIGTERM to the process group and escalates to SIGKILL after a
// grace period.
func (h *Handle) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.waitDone:
		return nil
	default:
	}

	if err := syscall.Kill(-h.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group %s: %w", h.name, err)
	}

	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()
	select {
	case <-h.waitDone:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %s: %w", h.name, err)
	}
	select {
	case <-h.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
