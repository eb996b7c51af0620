// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity_test

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/testing"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	coreactivity "github.com/juju/activityctl/core/activity"
	"github.com/juju/activityctl/worker/activity"
)

type BypassSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&BypassSuite{})

func newBypassCoordinator(c *gc.C, bypass bool) *activity.Coordinator {
	coord, err := activity.NewCoordinator(activity.Config{
		LocalNode: "n1",
		Clock:     clock.WallClock,
		Bypass:    func() bool { return bypass },
	})
	c.Assert(err, gc.IsNil)
	return coord
}

// TestBypassRunsRegardlessOfLease is spec.md §4.7: in bypass mode an
// activity runs to completion with no lease or quorum admitted at all.
func (s *BypassSuite) TestBypassRunsRegardlessOfLease(c *gc.C) {
	coord := newBypassCoordinator(c, true)
	defer workertest.CleanKill(c, coord)

	result, err := coord.RunActivity(context.Background(), activity.ActivityRequest{
		Name:   "x",
		Quorum: coreactivity.MajorityOf("n1", "n2", "n3"),
		Body:   identityBody(42),
	})
	c.Assert(err, gc.IsNil)
	c.Check(result, gc.Equals, 42)
}

// TestBypassSwitchQuorumIsNoop is spec.md §4.7: switch_quorum is a
// no-op in bypass mode, since there's no admitted activity record to
// mutate.
func (s *BypassSuite) TestBypassSwitchQuorumIsNoop(c *gc.C) {
	coord := newBypassCoordinator(c, true)
	defer workertest.CleanKill(c, coord)

	unblock := make(chan struct{})
	switchErrCh := make(chan error, 1)
	w, _, err := coord.StartActivity(context.Background(), activity.ActivityRequest{
		Name:   "x",
		Quorum: coreactivity.All(),
		Body: func(ctx context.Context) (interface{}, error) {
			switchErrCh <- coord.SwitchQuorum(ctx, coreactivity.Follower(), coreactivity.Options{})
			<-unblock
			return nil, nil
		},
	})
	c.Assert(err, gc.IsNil)

	select {
	case err := <-switchErrCh:
		c.Check(err, gc.IsNil)
	case <-time.After(time.Second):
		c.Fatal("switch_quorum never completed")
	}
	close(unblock)
	c.Assert(w.Wait(), gc.IsNil)
}
