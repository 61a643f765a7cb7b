package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// enforce runs one provider call under the wall-clock limit.
//
// The deadline is the only cancellation trigger: the parent context's
// values are kept but its cancellation is not, so a disconnecting client
// does not cut a run short. Providers are expected to kill their unit when
// the deadline fires; if one has not returned within grace after that, the
// unit is abandoned to the provider's own cleanup and a timeout outcome is
// returned so the caller is never blocked indefinitely.
func enforce(parent context.Context, p Provider, req RunRequest, grace time.Duration, logger zerolog.Logger) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), req.Limits.Timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("provider", p.Name()).Msg("provider panicked")
				done <- infraOutcome(req.ExecID, "run", ErrProviderPanic, fmt.Errorf("%v", r))
			}
		}()
		done <- p.Run(ctx, req)
	}()

	select {
	case out := <-done:
		if ctx.Err() != nil && out.Err == nil {
			// Completed in the same instant the deadline fired. The kill
			// path may have produced the exit status, so report the timeout.
			return timeoutOutcome(req.ExecID, out.Stdout, out.Stderr)
		}
		return out
	case <-ctx.Done():
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.Err == nil {
			return timeoutOutcome(req.ExecID, out.Stdout, out.Stderr)
		}
		return out
	case <-timer.C:
		logger.Error().
			Str("provider", p.Name()).
			Dur("grace", grace).
			Msg("provider did not return after forced termination, abandoning unit")
		return timeoutOutcome(req.ExecID, "", "")
	}
}
