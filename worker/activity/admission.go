// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"time"

	coreactivity "github.com/juju/activityctl/core/activity"
)

// admissible evaluates the full wait_for_quorum predicate: the lease
// requirement is held, the quorum expression is satisfied, and — if
// the quorum requires leadership — the local node is currently
// recognised as leader. That third clause is what "requires-leader-ok"
// in spec.md §4.3 names: it is strictly stronger than HaveLease, since
// a pinned lease can still be literally held while the node has lost
// its acquirer and therefore its leader status.
func admissible(lease coreactivity.LeaseRequirement, quorum coreactivity.Quorum, ps coreactivity.PreconditionState) bool {
	if !coreactivity.HaveLease(lease, ps) {
		return false
	}
	if coreactivity.QuorumRequiresLeader(quorum) && !ps.IsLeader() {
		return false
	}
	return coreactivity.HaveQuorum(quorum, ps)
}

// unsafeAdmissible is the degraded-mode predicate used once the quorum
// timeout has fired for an Options.Unsafe request: it skips HaveQuorum
// entirely but never relaxes the local-lease/leadership preconditions.
func unsafeAdmissible(lease coreactivity.LeaseRequirement, quorum coreactivity.Quorum, ps coreactivity.PreconditionState) bool {
	if !coreactivity.HaveLease(lease, ps) {
		return false
	}
	if coreactivity.QuorumRequiresLeader(quorum) && !ps.IsLeader() {
		return false
	}
	return true
}

// admitResult is what a dispatched sub-call produces.
type admitResult struct {
	value interface{}
	err   error
}

// deferredAdmit is a wait_for_quorum request that could not be admitted
// immediately and is waiting for a state change (or its own timeout)
// to re-evaluate its predicate.
type deferredAdmit struct {
	lease  coreactivity.LeaseRequirement
	quorum coreactivity.Quorum
	unsafe bool
	sub    func(s *state) (interface{}, error)
	reply  chan<- admitResult
	timer  clockTimer
}

// clockTimer is the subset of clock.Timer admission needs; named here
// so admission.go doesn't import clock directly.
type clockTimer interface {
	Stop() bool
}

// admitRequest is the request type sent by RunActivity/StartActivity/
// RegisterProcess/SwitchQuorum.
type admitRequest struct {
	lease         coreactivity.LeaseRequirement
	quorum        coreactivity.Quorum
	unsafe        bool
	quorumTimeout time.Duration
	sub           func(s *state) (interface{}, error)
	reply         chan<- admitResult
}

func (r *admitRequest) handle(s *state) {
	ps := s.preconditionState()
	if admissible(r.lease, r.quorum, ps) {
		val, err := r.sub(s)
		r.reply <- admitResult{val, err}
		return
	}
	d := &deferredAdmit{
		lease:  r.lease,
		quorum: r.quorum,
		unsafe: r.unsafe,
		sub:    r.sub,
		reply:  r.reply,
	}
	s.deferred = append(s.deferred, d)
	d.timer = s.owner.scheduleTimeout(r.quorumTimeout, func(s *state) {
		s.expireDeferred(d)
	})
}

// dispatchDeferred re-checks every outstanding deferred admission in
// the order it was registered, dispatching (and removing) any whose
// predicate now holds. It runs after every request that could have
// changed coordinator state, which is how a single state transition
// can satisfy many waiters at once.
func (s *state) dispatchDeferred() {
	if len(s.deferred) == 0 {
		return
	}
	remaining := s.deferred[:0:0]
	ps := s.preconditionState()
	for _, d := range s.deferred {
		if admissible(d.lease, d.quorum, ps) {
			d.timer.Stop()
			val, err := d.sub(s)
			d.reply <- admitResult{val, err}
			// sub() may itself have mutated state (e.g. spawned an
			// activity); refresh before checking the rest.
			ps = s.preconditionState()
			continue
		}
		remaining = append(remaining, d)
	}
	s.deferred = remaining
}

// expireDeferred runs when d's quorum timeout fires. It is a no-op if
// d was already dispatched by dispatchDeferred in the meantime.
func (s *state) expireDeferred(d *deferredAdmit) {
	idx := -1
	for i, cand := range s.deferred {
		if cand == d {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	s.deferred = append(s.deferred[:idx], s.deferred[idx+1:]...)

	ps := s.preconditionState()
	if d.unsafe && unsafeAdmissible(d.lease, d.quorum, ps) {
		val, err := d.sub(s)
		d.reply <- admitResult{val, err}
		return
	}
	d.reply <- admitResult{nil, &coreactivity.NoQuorumError{
		RequiredLease:        d.lease,
		RequiredQuorum:       d.quorum,
		ObservedLocalLease:   ps.LocalLeaseHolder,
		ObservedRemoteLeases: ps.RemoteLeases.SortedValues(),
	}}
}
