// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	coreactivity "github.com/juju/activityctl/core/activity"
)

// bodyWorker runs a single activity Body under its own catacomb, so
// that forced termination can carry a structured reason: Kill(reason)
// is recorded as the tomb's first error and is what Wait() returns,
// unless the body itself already returned a different error first.
// This is the "terminate-and-wait" pattern from spec.md §5: send a
// shutdown signal carrying the reason, then wait for confirmation.
type bodyWorker struct {
	catacomb catacomb.Catacomb
}

func newBodyWorker(ctx context.Context, tok coreactivity.Token, body Body) (*bodyWorker, error) {
	w := &bodyWorker{}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: func() error {
			// Derive a context that's cancelled the moment the
			// catacomb is killed, so a cooperative body can unwind
			// instead of running forever past a forced termination.
			bodyCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-w.catacomb.Dying():
					cancel()
				case <-bodyCtx.Done():
				}
			}()
			_, err := body(WithToken(bodyCtx, tok))
			return err
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of worker.Worker.
func (w *bodyWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of worker.Worker.
func (w *bodyWorker) Wait() error {
	return w.catacomb.Wait()
}

// KillWithReason forcibly terminates the activity, recording reason as
// the error Wait() will return (unless the body had already finished
// with its own error).
func (w *bodyWorker) KillWithReason(reason error) {
	w.catacomb.Kill(reason)
}
