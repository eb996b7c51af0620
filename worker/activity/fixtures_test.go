// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity_test

import (
	"context"
	"time"

	"github.com/juju/clock"
	gc "gopkg.in/check.v1"

	coreactivity "github.com/juju/activityctl/core/activity"
	"github.com/juju/activityctl/worker/activity"
)

// fakeWorker is a minimal worker.Worker a test can kill on demand (die)
// to simulate a collaborator or adopted activity crashing.
type fakeWorker struct {
	killed chan struct{}
	done   chan error
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{killed: make(chan struct{}), done: make(chan error, 1)}
}

func (w *fakeWorker) Kill() {
	select {
	case <-w.killed:
	default:
		close(w.killed)
	}
}

func (w *fakeWorker) Wait() error {
	return <-w.done
}

// die simulates the worker exiting with err, as if it crashed or was
// told to stop by something other than the coordinator.
func (w *fakeWorker) die(err error) {
	w.done <- err
}

func newCoordinator(c *gc.C, localNode string) *activity.Coordinator {
	coord, err := activity.NewCoordinator(activity.Config{
		LocalNode: localNode,
		Clock:     clock.WallClock,
	})
	c.Assert(err, gc.IsNil)
	return coord
}

func grantLocalLease(c *gc.C, coord *activity.Coordinator, agentID string, holder coreactivity.Lease) *fakeWorker {
	w := newFakeWorker()
	c.Assert(coord.RegisterAgent(agentID, w), gc.IsNil)
	c.Assert(coord.LocalLeaseGranted(agentID, holder), gc.IsNil)
	return w
}

func registerAcquirer(c *gc.C, coord *activity.Coordinator, acquirerID string, remoteLeases ...string) *fakeWorker {
	w := newFakeWorker()
	c.Assert(coord.RegisterAcquirer(acquirerID, w), gc.IsNil)
	for _, n := range remoteLeases {
		c.Assert(coord.LeaseAcquired(acquirerID, n), gc.IsNil)
	}
	return w
}

func identityBody(value interface{}) activity.Body {
	return func(ctx context.Context) (interface{}, error) {
		return value, nil
	}
}

func blockingBody(unblock <-chan struct{}) activity.Body {
	return func(ctx context.Context) (interface{}, error) {
		select {
		case <-unblock:
		case <-ctx.Done():
		}
		return nil, nil
	}
}

const shortTimeout = 50 * time.Millisecond
