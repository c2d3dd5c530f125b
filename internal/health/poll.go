// Package health gates orchestration progress on service readiness. One
// generic bounded-poll primitive backs every check; strategies decide what
// a single probe means for a given service.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout means the poll budget elapsed without the probe succeeding.
var ErrTimeout = errors.New("health check timed out")

type terminalError struct {
	err error
}

func (e terminalError) Error() string {
	return e.err.Error()
}

func (e terminalError) Unwrap() error {
	return e.err
}

// Terminal wraps an error so Poll aborts immediately instead of retrying
// until the timeout. Used when a service has crashed: waiting longer
// cannot help.
func Terminal(err error) error {
	return terminalError{err: err}
}

// IsTerminal reports whether an error was marked Terminal.
func IsTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

// Probe performs one readiness check. done=true means ready. A returned
// error marked Terminal aborts the poll; any other error counts as
// not-yet-ready and is retried.
type Probe func(ctx context.Context) (done bool, err error)

// Poll runs the probe at the given interval until it reports ready, fails
// terminally, or the timeout elapses. The first probe runs immediately, so
// an already-healthy service succeeds without sleeping. Returns no later
// than timeout + interval after the call began.
func Poll(ctx context.Context, interval, timeout time.Duration, probe Probe) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for {
		done, err := probe(ctx)
		if err != nil {
			if IsTerminal(err) {
				return err
			}
			lastErr = err
		}
		if done && err == nil {
			return nil
		}

		if !time.Now().Before(deadline) {
			if lastErr != nil {
				return fmt.Errorf("%w after %s (last error: %v)", ErrTimeout, timeout, lastErr)
			}
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
