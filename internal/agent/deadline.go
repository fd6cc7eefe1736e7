package agent

import (
	"context"
	"fmt"
	"time"
)

// RunWithDeadline runs r on its own goroutine and waits at most timeout for
// it. On expiry the caller is released with ErrRunTimeout and the run's
// context is cancelled; the sandbox itself is left alone.
func RunWithDeadline(ctx context.Context, r Runner, timeout time.Duration) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.Run(runCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrRunTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
