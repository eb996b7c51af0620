// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package activity holds the pure, dependency-free data types shared by
// the activity coordinator and its callers: lease identities, quorum
// expressions, activity tokens, and the option set that governs
// admission. Nothing in this package blocks or mutates shared state —
// that's worker/activity's job.
package activity

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// defaultQuorumTimeout is how long wait_for_quorum waits for its
// admission predicate to become true before giving up.
const defaultQuorumTimeout = 15 * time.Second

// unsafeQuorumTimeout is the default used instead when the caller set
// Options.Unsafe, since the whole point of unsafe mode is to not wait
// around for a quorum that may never arrive.
const unsafeQuorumTimeout = 2 * time.Second

// outerTimeoutSlop is added to QuorumTimeout to produce the caller's
// total wait bound when Options.Timeout is left unset.
const outerTimeoutSlop = 5 * time.Second

// Lease identifies a specific local-lease epoch: the node that holds it
// and the opaque epoch token the granting leader issued. Equality is
// structural, so two Leases compare equal only if both fields match —
// in particular a rotated epoch on the same node is a different Lease.
type Lease struct {
	Node  string
	Epoch string
}

// IsZero reports whether l is the zero Lease (no node, no epoch).
func (l Lease) IsZero() bool {
	return l == Lease{}
}

func (l Lease) String() string {
	if l.IsZero() {
		return "<no lease>"
	}
	return fmt.Sprintf("%s/%s", l.Node, l.Epoch)
}

// LeaseRequirement is what an activity (or a wait_for_quorum caller) was
// admitted under: either a pinned Lease, or the Leader sentinel, which
// means "whichever lease the local node currently holds as leader".
//
// The sentinel is what run_activity mints a fresh request with; once
// admission actually succeeds, the coordinator pins the requirement to
// the concrete Lease that was live at that moment, so that a later
// epoch rotation on the same node is detected rather than silently
// tolerated (see the design note on lease-epoch fencing).
type LeaseRequirement struct {
	Leader bool
	Lease  Lease
}

// LeaderRequirement is the sentinel meaning "whoever is currently
// leader", used for fresh, non-nested activity requests.
func LeaderRequirement() LeaseRequirement {
	return LeaseRequirement{Leader: true}
}

// SpecificRequirement pins admission to exactly this Lease.
func SpecificRequirement(l Lease) LeaseRequirement {
	return LeaseRequirement{Lease: l}
}

func (r LeaseRequirement) String() string {
	if r.Leader {
		return "leader"
	}
	return r.Lease.String()
}

// Domain is a mutual-exclusion class: at most one activity-tree may be
// live per domain at a time (see DomainToken).
type Domain string

// DomainToken opaquely identifies a single activity-tree within a
// domain, distinguishing nested calls belonging to that tree from a
// competing top-level call in the same domain.
type DomainToken string

// Options are the caller-supplied knobs governing admission and
// termination behaviour for an activity.
type Options struct {
	// QuorumTimeout bounds how long wait_for_quorum waits for its
	// admission predicate. Zero means "apply the default".
	QuorumTimeout time.Duration

	// Timeout bounds the caller's total wait. Zero means
	// "QuorumTimeout + 5s".
	Timeout time.Duration

	// Quiet suppresses the log line normally emitted on normal
	// (error-free) termination; terminations with an error or a forced
	// reason are still logged.
	Quiet bool

	// Unsafe permits admission on quorum-timeout so long as the local
	// lease and requires-leader preconditions still hold. Inheritable
	// to nested activities.
	Unsafe bool
}

// WithDefaults returns a copy of o with zero-valued timeouts filled in.
func (o Options) WithDefaults() Options {
	out := o
	if out.QuorumTimeout == 0 {
		if out.Unsafe {
			out.QuorumTimeout = unsafeQuorumTimeout
		} else {
			out.QuorumTimeout = defaultQuorumTimeout
		}
	}
	if out.Timeout == 0 {
		out.Timeout = out.QuorumTimeout + outerTimeoutSlop
	}
	return out
}

// InheritFor computes the Options a nested activity runs under, given
// the parent's Options and the child's own explicit request. Unsafe is
// the only inheritable option, and it only ever gets laxer: a child
// cannot become safe by omission when its parent is unsafe, though it
// may still explicitly ask for unsafe itself even if the parent is
// safe. Every other option is the child's own, never inherited.
func (parent Options) InheritFor(child Options) Options {
	out := child
	out.Unsafe = parent.Unsafe || child.Unsafe
	return out
}

// Token is the context propagated into a running activity's body so
// that nested activities can re-enter the coordinator correctly. It is
// threaded explicitly through every admission call; nothing is read
// from ambient/thread-local state.
type Token struct {
	// WorkerID names the activity this token was issued for, for use
	// with SwitchQuorum.
	WorkerID string

	// Lease is the lease this activity tree was admitted under. A
	// nested request is checked against this value, not against
	// whatever the local lease happens to be right now.
	Lease LeaseRequirement

	// Domain every nested request from this tree must match.
	Domain Domain

	// DomainToken identifies this activity-tree within Domain.
	DomainToken DomainToken

	// Name is the path of nested activity names down to this point.
	Name []string

	// Options are the options a nested request inherits from.
	Options Options
}

// ChildName returns the name path for a nested activity called name
// underneath t.
func (t Token) ChildName(name string) []string {
	out := make([]string, 0, len(t.Name)+1)
	out = append(out, t.Name...)
	out = append(out, name)
	return out
}

// Errors returned by the admission protocol and the collaborator
// interface. Simple sentinels use errors.ConstError so callers can test
// with errors.Is; the ones that carry data are concrete types tested
// with errors.As (or the Is* helpers below, mirroring how
// core/lease.ErrNotHeld/ErrClaimDenied are checked in the teacher via
// errors.Cause).
const (
	// ErrLocalLeaseExpired is the termination reason when the agent
	// dies or reports the local lease expired.
	ErrLocalLeaseExpired = errors.ConstError("local lease expired")

	// ErrLeaderProcessDied is the termination reason when the
	// acquirer dies out from under a requires-leader activity.
	ErrLeaderProcessDied = errors.ConstError("leader process died")

	// ErrNonLocalFunctionDisallowed rejects shipping an anonymous
	// activity body to a remote node.
	ErrNonLocalFunctionDisallowed = errors.ConstError("only named functions may run on remote nodes")
)

// NoQuorumError is returned when wait_for_quorum's admission predicate
// never became true before its timeout.
type NoQuorumError struct {
	RequiredLease        LeaseRequirement
	RequiredQuorum       Quorum
	ObservedLocalLease   Lease
	ObservedRemoteLeases []string
}

func (e *NoQuorumError) Error() string {
	return fmt.Sprintf(
		"no quorum: required lease %s, required quorum %s, observed local lease %s, observed remote leases %v",
		e.RequiredLease, e.RequiredQuorum, e.ObservedLocalLease, e.ObservedRemoteLeases,
	)
}

// IsNoQuorum reports whether err is (or wraps) a *NoQuorumError.
func IsNoQuorum(err error) bool {
	_, ok := errors.Cause(err).(*NoQuorumError)
	return ok
}

// DomainConflictError is returned when a start request's domain-token
// does not match the domain-token already live for that domain.
type DomainConflictError struct {
	Domain         Domain
	RequestedToken DomainToken
	ExistingToken  DomainToken
	ExistingWorker string
}

func (e *DomainConflictError) Error() string {
	return fmt.Sprintf(
		"domain %q already has activity %q running under token %q (requested token %q)",
		e.Domain, e.ExistingWorker, e.ExistingToken, e.RequestedToken,
	)
}

// IsDomainConflict reports whether err is (or wraps) a
// *DomainConflictError.
func IsDomainConflict(err error) bool {
	_, ok := errors.Cause(err).(*DomainConflictError)
	return ok
}

// WrongIdentityError is returned when a collaborator call is made by
// someone other than the currently-registered holder of that role.
type WrongIdentityError struct {
	Role     string
	Supplied string
	Expected string
}

func (e *WrongIdentityError) Error() string {
	return fmt.Sprintf("wrong %s: supplied %q, expected %q", e.Role, e.Supplied, e.Expected)
}

// IsWrongIdentity reports whether err is (or wraps) a
// *WrongIdentityError.
func IsWrongIdentity(err error) bool {
	_, ok := errors.Cause(err).(*WrongIdentityError)
	return ok
}

// QuorumLostError is the termination reason when a live activity's
// quorum predicate stops holding. Node names the node whose remote
// lease was lost; it is empty when the cause was a change of the
// quorum-node set rather than a single lost lease.
type QuorumLostError struct {
	Node string
}

func (e *QuorumLostError) Error() string {
	return fmt.Sprintf("quorum lost: lease_lost(%s)", e.Node)
}

// IsQuorumLost reports whether err is (or wraps) a *QuorumLostError.
func IsQuorumLost(err error) bool {
	_, ok := errors.Cause(err).(*QuorumLostError)
	return ok
}

// Failed is the structured result run_activity produces when an
// activity was started and then forcibly shut down by the coordinator,
// as opposed to never being admitted at all.
type Failed struct {
	Domain Domain
	Name   []string
	Reason error
}

func (e *Failed) Error() string {
	return fmt.Sprintf("activity %s/%v failed: %s", e.Domain, e.Name, e.Reason)
}

func (e *Failed) Unwrap() error {
	return e.Reason
}
