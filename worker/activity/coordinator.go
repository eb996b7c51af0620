// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package activity implements the cluster leader-activity coordinator:
// it gates administrative activities on a local lease plus a quorum of
// remote leases, and supervises their teardown when either precondition
// lapses. See core/activity for the pure data model this worker
// serializes over.
package activity

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	coreactivity "github.com/juju/activityctl/core/activity"
)

var logger = loggo.GetLogger("juju.worker.activity")

// BypassFunc reports whether the coordinator should run in bypass mode
// for the current call: compat version below threshold, or the
// "new orchestration disabled" flag set. It is consulted per call, not
// cached at startup, so an upgrade takes effect without a restart.
type BypassFunc func() bool

// Config holds a Coordinator's dependencies.
type Config struct {
	// LocalNode is this node's own identity.
	LocalNode string

	// Clock provides time for admission timeouts. Any clock.Clock may
	// be supplied; this package's own tests use clock.WallClock.
	Clock clock.Clock

	// Bypass reports whether pre-upgrade bypass behaviour applies.
	// A nil Bypass is treated as "never bypass".
	Bypass BypassFunc
}

// Validate returns an error if config cannot be used to run a
// Coordinator.
func (config Config) Validate() error {
	if config.LocalNode == "" {
		return errors.NotValidf("empty LocalNode")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Coordinator is the activity coordinator worker. It is a
// single-threaded serializer: every method below sends a request into
// the loop goroutine and waits for the response, so that admission
// decisions, state mutations and the dispatched sub-call execute as
// one indivisible step (spec.md §5).
type Coordinator struct {
	catacomb catacomb.Catacomb
	config   Config
	requests chan request
}

// NewCoordinator starts a Coordinator and returns it running.
func NewCoordinator(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Bypass == nil {
		config.Bypass = func() bool { return false }
	}
	c := &Coordinator{
		config:   config,
		requests: make(chan request),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &c.catacomb,
		Work: c.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Kill is part of the worker.Worker interface.
func (c *Coordinator) Kill() {
	c.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *Coordinator) Wait() error {
	return c.catacomb.Wait()
}

var _ worker.Worker = (*Coordinator)(nil)

// send delivers req to the loop goroutine, unless the coordinator dies
// first.
func (c *Coordinator) send(req request) error {
	select {
	case c.requests <- req:
		return nil
	case <-c.catacomb.Dying():
		return c.catacomb.ErrDying()
	}
}

// state is everything the loop goroutine owns. It is never touched
// outside loop() or the request.handle methods it calls, which is what
// makes the invariants in spec.md §3 enforceable.
type state struct {
	config   Config
	catacomb *catacomb.Catacomb
	owner    *Coordinator

	agent    *collaboratorSlot
	acquirer *collaboratorSlot

	haveLocalLease bool
	localLease     coreactivity.Lease

	remoteLeases set.Strings
	quorumNodes  set.Strings

	activities map[string]*liveActivity
	// domains and domainCounts index activities by domain, for the
	// domain-conflict check in spec.md §3 invariant 4: domains records
	// the single domain-token every live activity in that domain must
	// share, domainCounts how many activities are currently using it.
	domains      map[coreactivity.Domain]coreactivity.DomainToken
	domainCounts map[coreactivity.Domain]int

	deferred []*deferredAdmit
}

func newState(config Config, cb *catacomb.Catacomb, owner *Coordinator) *state {
	return &state{
		config:       config,
		catacomb:     cb,
		owner:        owner,
		remoteLeases: set.NewStrings(),
		quorumNodes:  set.NewStrings(),
		activities:   make(map[string]*liveActivity),
		domains:      make(map[coreactivity.Domain]coreactivity.DomainToken),
		domainCounts: make(map[coreactivity.Domain]int),
	}
}

// coordinatorSend lets handle() methods spawn goroutines (monitors,
// timeouts) that post back into the loop without holding a reference to
// the whole Coordinator themselves.
func (s *state) coordinatorSend(r request) error {
	return s.owner.send(r)
}

func (s *state) preconditionState() coreactivity.PreconditionState {
	return coreactivity.PreconditionState{
		LocalNode:          s.config.LocalNode,
		LocalLeaseHolder:   s.localLease,
		AcquirerRegistered: s.acquirer != nil,
		RemoteLeases:       s.remoteLeases,
		QuorumNodes:        s.quorumNodes,
	}
}

// request is a single unit of work the loop goroutine executes.
// Implementations must not block.
type request interface {
	handle(s *state)
}

func (c *Coordinator) loop() error {
	s := newState(c.config, &c.catacomb, c)
	for {
		select {
		case <-c.catacomb.Dying():
			return c.catacomb.ErrDying()
		case req := <-c.requests:
			req.handle(s)
			s.dispatchDeferred()
		}
	}
}

// scheduleTimeout arranges for fn to be delivered back onto the loop
// goroutine (as opposed to running fn directly from a timer goroutine,
// which would race with loop()'s exclusive ownership of state).
func (c *Coordinator) scheduleTimeout(d time.Duration, fn func(s *state)) clock.Timer {
	return c.config.Clock.AfterFunc(d, func() {
		_ = c.send(requestFunc(fn))
	})
}

// requestFunc adapts a plain func into a request, for the internal
// plumbing (timeouts, monitor deaths) that doesn't need a reply
// channel.
type requestFunc func(s *state)

func (f requestFunc) handle(s *state) { f(s) }
