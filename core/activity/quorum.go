// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"fmt"
	"strings"

	"github.com/juju/collections/set"
)

// QuorumKind distinguishes the shape of a Quorum value.
type QuorumKind int

const (
	// QuorumAll is satisfied when every node in scope holds a remote
	// lease.
	QuorumAll QuorumKind = iota

	// QuorumMajority is satisfied when strictly more than half the
	// nodes in scope hold a remote lease.
	QuorumMajority

	// QuorumFollower imposes no remote requirement at all; only the
	// local lease precondition applies.
	QuorumFollower

	// QuorumList is the conjunction of its List members.
	QuorumList
)

// Quorum is a recursive quorum expression, as described in spec.md §3:
// all, majority, follower, either scoped to an explicit node set, or a
// conjunction of sub-expressions.
type Quorum struct {
	Kind QuorumKind

	// Nodes is the explicit node set for QuorumAll/QuorumMajority. A
	// nil (not just empty) set means "use whatever the coordinator's
	// current quorum-node set is" rather than an empty explicit set.
	Nodes set.Strings

	// List holds the conjuncts for QuorumList.
	List []Quorum
}

// All returns the "all" quorum over the coordinator's current
// quorum-node set.
func All() Quorum { return Quorum{Kind: QuorumAll} }

// AllOf returns the "all" quorum over an explicit node set.
func AllOf(nodes ...string) Quorum {
	return Quorum{Kind: QuorumAll, Nodes: set.NewStrings(nodes...)}
}

// Majority returns the "majority" quorum over the coordinator's
// current quorum-node set.
func Majority() Quorum { return Quorum{Kind: QuorumMajority} }

// MajorityOf returns the "majority" quorum over an explicit node set.
func MajorityOf(nodes ...string) Quorum {
	return Quorum{Kind: QuorumMajority, Nodes: set.NewStrings(nodes...)}
}

// Follower returns the quorum that requires no remote leases at all.
func Follower() Quorum { return Quorum{Kind: QuorumFollower} }

// And returns the conjunction of exprs.
func And(exprs ...Quorum) Quorum {
	return Quorum{Kind: QuorumList, List: exprs}
}

func (q Quorum) String() string {
	switch q.Kind {
	case QuorumFollower:
		return "follower"
	case QuorumAll:
		if q.Nodes == nil {
			return "all"
		}
		return fmt.Sprintf("all(%s)", strings.Join(q.Nodes.SortedValues(), ","))
	case QuorumMajority:
		if q.Nodes == nil {
			return "majority"
		}
		return fmt.Sprintf("majority(%s)", strings.Join(q.Nodes.SortedValues(), ","))
	case QuorumList:
		parts := make([]string, len(q.List))
		for i, sub := range q.List {
			parts[i] = sub.String()
		}
		return fmt.Sprintf("[%s]", strings.Join(parts, " & "))
	default:
		return "<invalid quorum>"
	}
}

// PreconditionState is the slice of coordinator state the quorum
// evaluator needs. It is passed explicitly rather than read off a
// shared struct so HaveLease/HaveQuorum stay pure and independently
// testable.
type PreconditionState struct {
	// LocalNode is this node's own identity.
	LocalNode string

	// LocalLeaseHolder is the lease currently granted by the leader to
	// this node, or the zero Lease if none is held.
	LocalLeaseHolder Lease

	// AcquirerRegistered is true while a lease-acquirer is registered;
	// "leader" status requires both a registered acquirer and a local
	// lease whose node is this node.
	AcquirerRegistered bool

	// RemoteLeases is the set of nodes the acquirer currently holds
	// leases from.
	RemoteLeases set.Strings

	// QuorumNodes is the current active membership, used when a
	// quorum expression doesn't carry an explicit node set.
	QuorumNodes set.Strings
}

// IsLeader reports whether the local node currently holds the local
// lease and has a registered acquirer driving remote leases on its
// behalf.
func (s PreconditionState) IsLeader() bool {
	return s.AcquirerRegistered &&
		!s.LocalLeaseHolder.IsZero() &&
		s.LocalLeaseHolder.Node == s.LocalNode
}

// HaveLease reports whether expected is currently held: either expected
// is the Leader sentinel and the local node is leader, or expected
// pins a specific Lease that equals the current local lease holder.
func HaveLease(expected LeaseRequirement, s PreconditionState) bool {
	if expected.Leader {
		return s.IsLeader()
	}
	return !s.LocalLeaseHolder.IsZero() && s.LocalLeaseHolder == expected.Lease
}

// HaveQuorum recursively evaluates q against s, per spec.md §3.
func HaveQuorum(q Quorum, s PreconditionState) bool {
	switch q.Kind {
	case QuorumFollower:
		return true
	case QuorumAll:
		nodes := scopeNodes(q.Nodes, s.QuorumNodes)
		return nodes.Difference(s.RemoteLeases).Size() == 0
	case QuorumMajority:
		nodes := scopeNodes(q.Nodes, s.QuorumNodes)
		held := nodes.Intersection(s.RemoteLeases).Size()
		return held*2 > nodes.Size()
	case QuorumList:
		for _, sub := range q.List {
			if !HaveQuorum(sub, s) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// QuorumRequiresLeader reports whether q requires the local node to be
// leader: true unless q is follower, or a list every member of which
// does not require leader.
func QuorumRequiresLeader(q Quorum) bool {
	switch q.Kind {
	case QuorumFollower:
		return false
	case QuorumList:
		for _, sub := range q.List {
			if QuorumRequiresLeader(sub) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// scopeNodes returns explicit if it is non-nil, else fallback. An
// explicit-but-empty set is a legitimate scope of zero nodes (see the
// majority-over-empty-set boundary case), so only nil triggers the
// fallback to the ambient quorum-node set.
func scopeNodes(explicit, fallback set.Strings) set.Strings {
	if explicit == nil {
		return fallback
	}
	return explicit
}
