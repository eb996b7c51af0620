// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity_test

import (
	"context"
	"time"

	"github.com/juju/testing"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	coreactivity "github.com/juju/activityctl/core/activity"
	"github.com/juju/activityctl/worker/activity"
)

type SupervisorSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&SupervisorSuite{})

// TestDomainConflictAndNestedReentry is spec.md §8 scenario 5: a fresh
// top-level start in a domain already occupied by another tree fails
// with a domain conflict, but a nested call from inside that tree
// (same domain-token, inherited) succeeds.
func (s *SupervisorSuite) TestDomainConflictAndNestedReentry(c *gc.C) {
	coord := newCoordinator(c, "n1")
	defer workertest.CleanKill(c, coord)

	grantLocalLease(c, coord, "agent", coreactivity.Lease{Node: "n1", Epoch: "e1"})
	registerAcquirer(c, coord, "acquirer", "n1")

	innerStarted := make(chan struct{})
	unblock := make(chan struct{})
	innerErrCh := make(chan error, 1)

	outerBody := func(ctx context.Context) (interface{}, error) {
		innerW, _, err := coord.StartActivity(ctx, activity.ActivityRequest{
			Name:   "inner",
			Quorum: coreactivity.Follower(),
			Body: func(ctx context.Context) (interface{}, error) {
				close(innerStarted)
				<-unblock
				return nil, nil
			},
		})
		innerErrCh <- err
		if err != nil {
			return nil, nil
		}
		return nil, innerW.Wait()
	}

	outerW, _, err := coord.StartActivity(context.Background(), activity.ActivityRequest{
		Domain: "d",
		Name:   "outer",
		Quorum: coreactivity.Follower(),
		Body:   outerBody,
	})
	c.Assert(err, gc.IsNil)

	select {
	case <-innerStarted:
	case <-time.After(time.Second):
		c.Fatal("nested activity never started")
	}
	c.Assert(<-innerErrCh, gc.IsNil)

	// A fresh, unrelated top-level start in the same domain must be
	// rejected: the domain is still held by the outer/inner tree.
	_, _, conflictErr := coord.StartActivity(context.Background(), activity.ActivityRequest{
		Domain: "d",
		Name:   "competitor",
		Quorum: coreactivity.Follower(),
		Body:   identityBody(nil),
	})
	c.Assert(coreactivity.IsDomainConflict(conflictErr), gc.Equals, true)

	close(unblock)
	c.Assert(outerW.Wait(), gc.IsNil)
}

// TestSwitchQuorumIdempotent is spec.md §4.6: switch_quorum(q) composed
// with an immediate switch_quorum(q) for the same q is idempotent.
func (s *SupervisorSuite) TestSwitchQuorumIdempotent(c *gc.C) {
	coord := newCoordinator(c, "n1")
	defer workertest.CleanKill(c, coord)

	c.Assert(coord.UpdateMembership([]string{"n1", "n2"}), gc.IsNil)
	grantLocalLease(c, coord, "agent", coreactivity.Lease{Node: "n1", Epoch: "e1"})
	registerAcquirer(c, coord, "acquirer", "n1", "n2")

	unblock := make(chan struct{})
	resultCh := make(chan [2]error, 1)

	w, _, err := coord.StartActivity(context.Background(), activity.ActivityRequest{
		Name:   "x",
		Quorum: coreactivity.All(),
		Body: func(ctx context.Context) (interface{}, error) {
			err1 := coord.SwitchQuorum(ctx, coreactivity.All(), coreactivity.Options{})
			err2 := coord.SwitchQuorum(ctx, coreactivity.All(), coreactivity.Options{})
			resultCh <- [2]error{err1, err2}
			<-unblock
			return nil, nil
		},
	})
	c.Assert(err, gc.IsNil)

	select {
	case res := <-resultCh:
		c.Check(res[0], gc.IsNil)
		c.Check(res[1], gc.IsNil)
	case <-time.After(time.Second):
		c.Fatal("switch_quorum calls never completed")
	}
	close(unblock)
	c.Assert(w.Wait(), gc.IsNil)
}

// TestSwitchQuorumReverifiesAdmission is spec.md §4.6: switching from
// follower to a stricter quorum at runtime re-runs admission against
// the new expression, blocking (and failing on timeout) rather than
// taking effect unconditionally.
func (s *SupervisorSuite) TestSwitchQuorumReverifiesAdmission(c *gc.C) {
	coord := newCoordinator(c, "n1")
	defer workertest.CleanKill(c, coord)

	c.Assert(coord.UpdateMembership([]string{"n1", "n2"}), gc.IsNil)
	grantLocalLease(c, coord, "agent", coreactivity.Lease{Node: "n1", Epoch: "e1"})
	registerAcquirer(c, coord, "acquirer", "n1")

	proceed := make(chan struct{})
	firstResult := make(chan error, 1)
	secondResult := make(chan error, 1)

	w, _, err := coord.StartActivity(context.Background(), activity.ActivityRequest{
		Name:   "x",
		Quorum: coreactivity.Follower(),
		Body: func(ctx context.Context) (interface{}, error) {
			firstResult <- coord.SwitchQuorum(ctx, coreactivity.All(), coreactivity.Options{QuorumTimeout: shortTimeout})
			<-proceed
			secondResult <- coord.SwitchQuorum(ctx, coreactivity.All(), coreactivity.Options{})
			return nil, nil
		},
	})
	c.Assert(err, gc.IsNil)

	select {
	case err := <-firstResult:
		c.Check(coreactivity.IsNoQuorum(err), gc.Equals, true)
	case <-time.After(time.Second):
		c.Fatal("first switch_quorum never completed")
	}

	c.Assert(coord.LeaseAcquired("acquirer", "n2"), gc.IsNil)
	close(proceed)

	select {
	case err := <-secondResult:
		c.Check(err, gc.IsNil)
	case <-time.After(time.Second):
		c.Fatal("second switch_quorum never completed")
	}
	c.Assert(w.Wait(), gc.IsNil)
}
