// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"

	coreactivity "github.com/juju/activityctl/core/activity"
)

// collaboratorSlot is a single-registration slot for either the
// lease-agent or the lease-acquirer. Pointer identity of the slot (not
// just the worker id) is what guards against a stale death
// notification from a collaborator that has since been replaced.
type collaboratorSlot struct {
	role string
	id   string
	w    worker.Worker
}

// validateNode rejects malformed node identifiers at the boundary,
// rather than letting them into the remote lease set or quorum-node
// set unchecked. Node-ids here are opaque cluster member identifiers,
// not juju machine/unit tags, so this deliberately doesn't reuse
// names.IsValidMachine or similar tag parsers from the entity-naming
// package; it only rejects what could never sensibly be a node-id.
func validateNode(node string) error {
	if node == "" {
		return errors.NotValidf("empty node id")
	}
	if strings.TrimSpace(node) != node {
		return errors.NotValidf("node id %q", node)
	}
	return nil
}

func (s *state) monitor(slot *collaboratorSlot) {
	go func() {
		err := slot.w.Wait()
		_ = s.coordinatorSend(requestFunc(func(s *state) {
			s.handleCollaboratorDeath(slot, err)
		}))
	}()
}

// --- Registration ---

type registerCollaboratorRequest struct {
	role  string
	id    string
	w     worker.Worker
	reply chan<- error
}

func (r *registerCollaboratorRequest) handle(s *state) {
	slotPtr := s.slotFor(r.role)
	if *slotPtr != nil {
		r.reply <- &coreactivity.WrongIdentityError{
			Role:     r.role,
			Supplied: r.id,
			Expected: (*slotPtr).id,
		}
		return
	}
	slot := &collaboratorSlot{role: r.role, id: r.id, w: r.w}
	*slotPtr = slot
	s.monitor(slot)
	r.reply <- nil
}

func (s *state) slotFor(role string) **collaboratorSlot {
	switch role {
	case roleAgent:
		return &s.agent
	case roleAcquirer:
		return &s.acquirer
	default:
		panic("unknown collaborator role " + role)
	}
}

const (
	roleAgent    = "agent"
	roleAcquirer = "acquirer"
)

// RegisterAgent registers w as the lease-agent, identified by id. It
// fails if an agent is already registered.
func (c *Coordinator) RegisterAgent(id string, w worker.Worker) error {
	reply := make(chan error, 1)
	if err := c.send(&registerCollaboratorRequest{roleAgent, id, w, reply}); err != nil {
		return errors.Trace(err)
	}
	return <-reply
}

// RegisterAcquirer registers w as the lease-acquirer, identified by id.
// It fails if an acquirer is already registered.
func (c *Coordinator) RegisterAcquirer(id string, w worker.Worker) error {
	reply := make(chan error, 1)
	if err := c.send(&registerCollaboratorRequest{roleAcquirer, id, w, reply}); err != nil {
		return errors.Trace(err)
	}
	return <-reply
}

// --- Lease events ---

type leaseEventRequest struct {
	role  string
	id    string
	apply func(s *state) error
	reply chan<- error
}

func (r *leaseEventRequest) handle(s *state) {
	slotPtr := s.slotFor(r.role)
	slot := *slotPtr
	if slot == nil || slot.id != r.id {
		expected := ""
		if slot != nil {
			expected = slot.id
		}
		r.reply <- &coreactivity.WrongIdentityError{Role: r.role, Supplied: r.id, Expected: expected}
		return
	}
	r.reply <- r.apply(s)
}

// LeaseAcquired reports that the acquirer (identified by id) now holds
// a remote lease from node.
func (c *Coordinator) LeaseAcquired(id, node string) error {
	if err := validateNode(node); err != nil {
		return errors.Trace(err)
	}
	reply := make(chan error, 1)
	req := &leaseEventRequest{roleAcquirer, id, func(s *state) error {
		s.remoteLeases.Add(node)
		return nil
	}, reply}
	if err := c.send(req); err != nil {
		return errors.Trace(err)
	}
	return <-reply
}

// LeaseLost reports that the acquirer (identified by id) no longer
// holds a remote lease from node. Every live activity is re-evaluated;
// those whose quorum no longer holds are terminated with
// *coreactivity.QuorumLostError{Node: node}.
func (c *Coordinator) LeaseLost(id, node string) error {
	if err := validateNode(node); err != nil {
		return errors.Trace(err)
	}
	reply := make(chan error, 1)
	req := &leaseEventRequest{roleAcquirer, id, func(s *state) error {
		s.remoteLeases.Remove(node)
		s.reevaluateTerminate(func(a *liveActivity) error {
			return &coreactivity.QuorumLostError{Node: node}
		})
		return nil
	}, reply}
	if err := c.send(req); err != nil {
		return errors.Trace(err)
	}
	return <-reply
}

// LocalLeaseGranted reports that the agent (identified by id) accepted
// holder as the local lease. Valid only when no local lease is
// currently held (one grant per expiry cycle).
func (c *Coordinator) LocalLeaseGranted(id string, holder coreactivity.Lease) error {
	reply := make(chan error, 1)
	req := &leaseEventRequest{roleAgent, id, func(s *state) error {
		if s.haveLocalLease {
			return errors.Errorf("local lease already granted (holds %s)", s.localLease)
		}
		s.haveLocalLease = true
		s.localLease = holder
		return nil
	}, reply}
	if err := c.send(req); err != nil {
		return errors.Trace(err)
	}
	return <-reply
}

// LocalLeaseExpired reports that the agent (identified by id) lost the
// local lease it held as holder. Every live activity is terminated
// with coreactivity.ErrLocalLeaseExpired, since every activity requires
// the local lease in one form or another.
func (c *Coordinator) LocalLeaseExpired(id string, holder coreactivity.Lease) error {
	reply := make(chan error, 1)
	req := &leaseEventRequest{roleAgent, id, func(s *state) error {
		if !s.haveLocalLease || s.localLease != holder {
			return errors.Errorf("local lease expiry for %s does not match held lease %s", holder, s.localLease)
		}
		s.expireLocalLease()
		return nil
	}, reply}
	if err := c.send(req); err != nil {
		return errors.Trace(err)
	}
	return <-reply
}

func (s *state) expireLocalLease() {
	s.haveLocalLease = false
	s.localLease = coreactivity.Lease{}
	s.terminateAll(coreactivity.ErrLocalLeaseExpired)
}

// handleCollaboratorDeath runs when a registered collaborator's
// monitored worker exits. It is a no-op if slot has since been
// replaced or cleared (stale notification).
func (s *state) handleCollaboratorDeath(slot *collaboratorSlot, err error) {
	slotPtr := s.slotFor(slot.role)
	if *slotPtr != slot {
		return
	}
	*slotPtr = nil
	switch slot.role {
	case roleAgent:
		logger.Infof("lease-agent %q died (%v); local lease is implicitly gone", slot.id, err)
		s.expireLocalLease()
	case roleAcquirer:
		logger.Infof("lease-acquirer %q died (%v); clearing remote lease set", slot.id, err)
		s.remoteLeases = set.NewStrings()
		s.reevaluateTerminate(func(a *liveActivity) error {
			return coreactivity.ErrLeaderProcessDied
		})
	}
}
