// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	coreactivity "github.com/juju/activityctl/core/activity"
)

type membershipRequest struct {
	nodes set.Strings
	reply chan<- error
}

func (r *membershipRequest) handle(s *state) {
	for _, n := range r.nodes.Values() {
		if err := validateNode(n); err != nil {
			r.reply <- errors.Trace(err)
			return
		}
	}
	if s.quorumNodes.Difference(r.nodes).Size() == 0 && r.nodes.Difference(s.quorumNodes).Size() == 0 {
		// No change: nothing to re-evaluate.
		r.reply <- nil
		return
	}
	s.quorumNodes = r.nodes
	s.reevaluateTerminate(func(*liveActivity) error {
		return &coreactivity.QuorumLostError{}
	})
	r.reply <- nil
}

// UpdateMembership recomputes the active quorum-node set from a
// membership event. If it changed, every live activity is re-evaluated
// and those whose quorum (an implicit "all"/"majority" scoped to this
// set) no longer holds are terminated.
func (c *Coordinator) UpdateMembership(nodes []string) error {
	reply := make(chan error, 1)
	req := &membershipRequest{nodes: set.NewStrings(nodes...), reply: reply}
	if err := c.send(req); err != nil {
		return errors.Trace(err)
	}
	return <-reply
}
