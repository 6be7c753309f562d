// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"context"
	"errors"
	"time"
)

// waitForDelay polls the server until it allows completion. The server is
// authoritative: reaching CompletionAllowedAt locally only brings the next
// poll forward. Transport errors are retried on the next tick.
func (o *Orchestrator) waitForDelay(ctx context.Context, env *stepEnv) Event {
	recoveryID, err := env.attempt.ServerRecoveryID.UnwrapOrErr(
		errors.New("missing server recovery id"),
	)
	if err != nil {
		return failed(ctx, err)
	}

	t := o.cfg.NewTicker(o.cfg.DelayPollInterval)
	t.Resume()
	defer t.Stop()

	allowedAt := env.attempt.CompletionAllowedAt
	for {
		status, err := o.cfg.Coordinator.Status(
			ctx, &env.account, recoveryID,
		)
		switch {
		case ctx.Err() != nil:
			return nil

		case errors.Is(err, ErrRecoveryNotFound):
			log.Warnf("Recovery %s was cancelled during the delay "+
				"window", recoveryID)

			return evRecoveryGone{}

		case errors.Is(err, ErrNetworking):
			log.Warnf("Unable to poll recovery %s: %v", recoveryID,
				err)

		case err != nil:
			return failed(ctx, err)

		case status.Ready:
			return evDelayElapsed{}

		case !status.CompletionAllowedAt.IsZero() &&
			!status.CompletionAllowedAt.Equal(allowedAt):

			allowedAt = status.CompletionAllowedAt
			env.emit(evDelayUpdate{completionAllowedAt: allowedAt})
		}

		var early <-chan time.Time
		wait := allowedAt.Sub(o.cfg.Clock.Now())
		if wait > 0 && wait < o.cfg.DelayPollInterval {
			early = o.cfg.Clock.TickAfter(wait)
		}

		log.Tracef("Recovery %s pending, completion allowed at %v",
			recoveryID, allowedAt)

		select {
		case <-t.Ticks():
		case <-early:
		case <-ctx.Done():
			return nil
		}
	}
}
