// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"context"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"github.com/juju/worker/v4"

	coreactivity "github.com/juju/activityctl/core/activity"
)

// Body is the work a running activity performs. It receives a context
// carrying the activity's Token (recoverable via TokenFromContext), so
// that a nested start/register call made from inside body can thread
// the parent's domain, lease and inherited options through explicitly.
type Body func(ctx context.Context) (interface{}, error)

// ActivityRequest describes a start/register/run request. When issued
// from inside a running activity (ctx carries a Token), Domain,
// DomainToken, Lease and the inheritable Options are taken from that
// Token rather than from this struct, and Name is appended to the
// parent's name path — see spec.md §4.8.
type ActivityRequest struct {
	// Node is the target node for this activity, per spec.md §6's
	// `node?` parameter. Empty (or equal to the coordinator's own
	// LocalNode) means "run here", which is the only case this package
	// executes directly — shipping a body to a genuinely remote node
	// is mediated by the RPC transport collaborator, which spec.md §1
	// lists as out of scope for this package. What is in scope, and
	// enforced here regardless of transport, is the
	// non_local_function_disallowed check: an anonymous body can't be
	// named in a cross-node call, so it's rejected before anything
	// would be shipped.
	Node string

	// Domain groups this activity for mutual exclusion. Empty means no
	// mutual-exclusion grouping at all.
	Domain coreactivity.Domain

	// DomainToken identifies a fresh top-level activity-tree. Ignored
	// (and taken from the parent Token) for nested requests.
	DomainToken coreactivity.DomainToken

	// Name is this activity's own path segment.
	Name string

	Quorum  coreactivity.Quorum
	Options coreactivity.Options
	Body    Body
}

// isNamedFunction reports whether body is a reference to a named,
// package-level function rather than a closure or function literal.
// Only the former can be meaningfully named in a cross-node dispatch
// message; a closure's code doesn't exist on the remote node. There's
// no third-party library for this — it's an inherent property of a Go
// func value, readable only via reflect/runtime.
func isNamedFunction(body Body) bool {
	if body == nil {
		return false
	}
	fn := runtime.FuncForPC(reflect.ValueOf(body).Pointer())
	if fn == nil {
		return false
	}
	name := fn.Name()
	last := name
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		last = name[idx+1:]
	}
	return !strings.HasPrefix(last, "func")
}

// liveActivity is the registry's bookkeeping record for one admitted
// activity.
type liveActivity struct {
	id          string
	domain      coreactivity.Domain
	domainToken coreactivity.DomainToken
	name        []string
	quorum      coreactivity.Quorum
	options     coreactivity.Options
	lease       coreactivity.LeaseRequirement

	w worker.Worker

	// killWithReason is non-nil for activities the coordinator itself
	// spawned (start_activity/run_activity): it lets termination carry
	// a structured reason through to the worker's Wait() error. It is
	// nil for adopted workers (register_process), whose owner — not
	// the coordinator — decides how Kill() is surfaced.
	killWithReason func(error)
}

func (s *state) terminate(a *liveActivity, reason error) {
	if reason != nil || !a.options.Quiet {
		if reason != nil {
			logger.Warningf("terminating activity %v (domain %q): %v", a.name, a.domain, reason)
		} else {
			logger.Infof("terminating activity %v (domain %q)", a.name, a.domain)
		}
	}
	if a.killWithReason != nil {
		a.killWithReason(reason)
	} else {
		a.w.Kill()
	}
}

// reevaluateTerminate re-checks every live activity's admission
// predicate against current state and terminates those that now fail
// it, using reason(a) as the termination reason. Activities whose
// predicate still holds (e.g. a follower activity surviving acquirer
// death) are left untouched.
func (s *state) reevaluateTerminate(reason func(a *liveActivity) error) {
	ps := s.preconditionState()
	for _, a := range s.sortedActivities() {
		if !admissible(a.lease, a.quorum, ps) {
			s.terminate(a, reason(a))
		}
	}
}

// terminateAll unconditionally terminates every live activity, used
// when the local lease itself is gone and no activity can possibly
// satisfy HaveLease any longer.
func (s *state) terminateAll(reason error) {
	s.reevaluateTerminate(func(*liveActivity) error { return reason })
}

// sortedActivities returns live activities in a stable order so that
// termination sweeps are deterministic in tests; production behaviour
// doesn't depend on the order.
func (s *state) sortedActivities() []*liveActivity {
	out := make([]*liveActivity, 0, len(s.activities))
	for _, a := range s.activities {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *state) monitorActivity(a *liveActivity) {
	go func() {
		err := a.w.Wait()
		_ = s.coordinatorSend(requestFunc(func(s *state) {
			s.handleActivityDeath(a, err)
		}))
	}()
}

func (s *state) handleActivityDeath(a *liveActivity, err error) {
	if s.activities[a.id] != a {
		return // not (or no longer) in the registry; nothing to clean up
	}
	delete(s.activities, a.id)
	if a.domain != "" && s.domains[a.domain] == a.domainToken {
		s.domainCountDown(a.domain)
	}
	if err != nil || !a.options.Quiet {
		if err != nil {
			logger.Warningf("activity %v (domain %q) exited: %v", a.name, a.domain, err)
		} else {
			logger.Infof("activity %v (domain %q) completed", a.name, a.domain)
		}
	}
}

func (s *state) domainCountDown(domain coreactivity.Domain) {
	s.domainCounts[domain]--
	if s.domainCounts[domain] <= 0 {
		delete(s.domainCounts, domain)
		delete(s.domains, domain)
	}
}

// registerDomain records domainToken as the token holding domain for
// one more live activity. Empty domains are un-grouped and never
// checked for conflict, so they're skipped here too, else every
// un-grouped activity started after the last would desync
// domainCounts[""] against the single entry domains[""] can hold.
func (s *state) registerDomain(domain coreactivity.Domain, domainToken coreactivity.DomainToken) {
	if domain == "" {
		return
	}
	s.domains[domain] = domainToken
	s.domainCounts[domain]++
}

// checkDomainConflict enforces spec.md §3 invariant 4: within a single
// domain, all live activities share one domain-token.
func (s *state) checkDomainConflict(domain coreactivity.Domain, token coreactivity.DomainToken) error {
	if domain == "" {
		return nil
	}
	existing, ok := s.domains[domain]
	if !ok || existing == token {
		return nil
	}
	existingWorker := ""
	for _, a := range s.activities {
		if a.domain == domain {
			existingWorker = a.id
			break
		}
	}
	return &coreactivity.DomainConflictError{
		Domain:         domain,
		RequestedToken: token,
		ExistingToken:  existing,
		ExistingWorker: existingWorker,
	}
}

// resolveRequest folds an ActivityRequest and the calling context's
// Token (if any) into the concrete (lease, quorum, options, domain,
// domainToken, name) an admission call should use, per spec.md §4.8.
func resolveRequest(ctx context.Context, req ActivityRequest) (lease coreactivity.LeaseRequirement, domain coreactivity.Domain, domainToken coreactivity.DomainToken, name []string, opts coreactivity.Options, err error) {
	parent, nested := TokenFromContext(ctx)
	if !nested {
		lease = coreactivity.LeaderRequirement()
		domain = req.Domain
		domainToken = req.DomainToken
		if domainToken == "" {
			uuid, uerr := utils.NewUUID()
			if uerr != nil {
				return lease, domain, domainToken, name, opts, errors.Trace(uerr)
			}
			domainToken = coreactivity.DomainToken(uuid.String())
		}
		name = []string{req.Name}
		opts = req.Options.WithDefaults()
		return lease, domain, domainToken, name, opts, nil
	}
	if req.Domain != "" && req.Domain != parent.Domain {
		return lease, domain, domainToken, name, opts, errors.Errorf(
			"nested activity domain %q does not match parent domain %q", req.Domain, parent.Domain,
		)
	}
	lease = parent.Lease
	domain = parent.Domain
	domainToken = parent.DomainToken
	name = parent.ChildName(req.Name)
	opts = parent.Options.InheritFor(req.Options).WithDefaults()
	return lease, domain, domainToken, name, opts, nil
}

// newWorkerID mints an opaque worker identity for a freshly spawned or
// registered activity.
func newWorkerID() (string, error) {
	uuid, err := utils.NewUUID()
	if err != nil {
		return "", errors.Trace(err)
	}
	return uuid.String(), nil
}

// StartActivity admits and spawns req.Body under supervision,
// returning the worker identity as a worker.Worker and the Token to
// install into its own context before it makes nested coordinator
// calls. start_activity never blocks waiting for the body to finish.
func (c *Coordinator) StartActivity(ctx context.Context, req ActivityRequest) (worker.Worker, coreactivity.Token, error) {
	if req.Node != "" && req.Node != c.config.LocalNode {
		if !isNamedFunction(req.Body) {
			return nil, coreactivity.Token{}, coreactivity.ErrNonLocalFunctionDisallowed
		}
		// Shipping to a genuinely remote node is mediated by the RPC
		// transport collaborator, which lives outside this package
		// (spec.md §1); there is nothing further for the coordinator
		// itself to do here.
		return nil, coreactivity.Token{}, errors.NotImplementedf("remote activity dispatch to node %q", req.Node)
	}
	if c.config.Bypass() {
		return c.bypassStart(ctx, req)
	}
	lease, domain, domainToken, name, opts, err := resolveRequest(ctx, req)
	if err != nil {
		return nil, coreactivity.Token{}, errors.Trace(err)
	}
	id, err := newWorkerID()
	if err != nil {
		return nil, coreactivity.Token{}, errors.Trace(err)
	}
	tok := coreactivity.Token{
		WorkerID:    id,
		Lease:       lease,
		Domain:      domain,
		DomainToken: domainToken,
		Name:        name,
		Options:     opts,
	}

	reply := make(chan admitResult, 1)
	sub := func(s *state) (interface{}, error) {
		if err := s.checkDomainConflict(domain, domainToken); err != nil {
			return nil, err
		}
		// Pin the token's lease to the concrete lease now held, so a
		// later epoch rotation on this node is detected by nested
		// reentry rather than silently tolerated (the lease-epoch
		// fencing design note).
		if tok.Lease.Leader {
			tok.Lease = coreactivity.SpecificRequirement(s.localLease)
		}
		w, werr := newBodyWorker(ctx, tok, req.Body)
		if werr != nil {
			return nil, errors.Trace(werr)
		}
		a := &liveActivity{
			id: id, domain: domain, domainToken: domainToken, name: name,
			quorum: req.Quorum, options: opts, lease: tok.Lease,
			w: w, killWithReason: w.KillWithReason,
		}
		s.activities[id] = a
		s.registerDomain(domain, domainToken)
		s.monitorActivity(a)
		return w, nil
	}
	admit := &admitRequest{lease: lease, quorum: req.Quorum, unsafe: opts.Unsafe, quorumTimeout: opts.QuorumTimeout, sub: sub, reply: reply}
	if err := c.send(admit); err != nil {
		return nil, coreactivity.Token{}, errors.Trace(err)
	}
	result, err := c.awaitAdmission(ctx, reply, opts)
	if err != nil {
		return nil, coreactivity.Token{}, errors.Trace(err)
	}
	if result.err != nil {
		return nil, coreactivity.Token{}, result.err
	}
	return result.value.(worker.Worker), tok, nil
}

// RegisterProcess adopts the calling worker w as an activity under
// supervision, without spawning anything. It returns the Token the
// caller must install in its own context before making nested
// coordinator calls.
func (c *Coordinator) RegisterProcess(ctx context.Context, req ActivityRequest, w worker.Worker) (coreactivity.Token, error) {
	if c.config.Bypass() {
		return coreactivity.Token{}, nil
	}
	lease, domain, domainToken, name, opts, err := resolveRequest(ctx, req)
	if err != nil {
		return coreactivity.Token{}, errors.Trace(err)
	}
	id, err := newWorkerID()
	if err != nil {
		return coreactivity.Token{}, errors.Trace(err)
	}
	tok := coreactivity.Token{
		WorkerID: id, Lease: lease, Domain: domain, DomainToken: domainToken, Name: name, Options: opts,
	}
	reply := make(chan admitResult, 1)
	sub := func(s *state) (interface{}, error) {
		if err := s.checkDomainConflict(domain, domainToken); err != nil {
			return nil, err
		}
		if tok.Lease.Leader {
			tok.Lease = coreactivity.SpecificRequirement(s.localLease)
		}
		a := &liveActivity{
			id: id, domain: domain, domainToken: domainToken, name: name,
			quorum: req.Quorum, options: opts, lease: tok.Lease, w: w,
		}
		s.activities[id] = a
		s.registerDomain(domain, domainToken)
		s.monitorActivity(a)
		return tok, nil
	}
	admit := &admitRequest{lease: lease, quorum: req.Quorum, unsafe: opts.Unsafe, quorumTimeout: opts.QuorumTimeout, sub: sub, reply: reply}
	if err := c.send(admit); err != nil {
		return coreactivity.Token{}, errors.Trace(err)
	}
	result, err := c.awaitAdmission(ctx, reply, opts)
	if err != nil {
		return coreactivity.Token{}, errors.Trace(err)
	}
	if result.err != nil {
		return coreactivity.Token{}, result.err
	}
	return result.value.(coreactivity.Token), nil
}

// SwitchQuorum changes the quorum expression of the activity that ctx
// is currently running as (i.e. the Token installed by StartActivity/
// RegisterProcess). It is itself a wait_for_quorum call against the
// new expression: the change only takes effect once it would itself be
// admissible.
func (c *Coordinator) SwitchQuorum(ctx context.Context, quorum coreactivity.Quorum, opts coreactivity.Options) error {
	if c.config.Bypass() {
		return nil
	}
	tok, ok := TokenFromContext(ctx)
	if !ok {
		return errors.New("switch_quorum called outside an activity")
	}
	opts = tok.Options.InheritFor(opts).WithDefaults()
	reply := make(chan admitResult, 1)
	sub := func(s *state) (interface{}, error) {
		a, ok := s.activities[tok.WorkerID]
		if !ok {
			return nil, errors.NotFoundf("activity %q", tok.WorkerID)
		}
		a.quorum = quorum
		a.options = opts
		return nil, nil
	}
	admit := &admitRequest{lease: tok.Lease, quorum: quorum, unsafe: opts.Unsafe, quorumTimeout: opts.QuorumTimeout, sub: sub, reply: reply}
	if err := c.send(admit); err != nil {
		return errors.Trace(err)
	}
	result, err := c.awaitAdmission(ctx, reply, opts)
	if err != nil {
		return errors.Trace(err)
	}
	return result.err
}

// RunActivity is the synchronous convenience wrapper: start, wait for
// the result, and translate the named precondition-loss reasons into a
// structured *coreactivity.Failed.
func (c *Coordinator) RunActivity(ctx context.Context, req ActivityRequest) (interface{}, error) {
	var result interface{}
	body := req.Body
	doneCh := make(chan admitResult, 1)
	req.Body = func(bodyCtx context.Context) (interface{}, error) {
		val, err := body(bodyCtx)
		doneCh <- admitResult{val, err}
		return val, err
	}
	w, tok, err := c.StartActivity(ctx, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	waitErr := w.Wait()
	select {
	case res := <-doneCh:
		result = res.value
	default:
	}
	if waitErr == nil {
		return result, nil
	}
	switch {
	case errors.Is(waitErr, coreactivity.ErrLocalLeaseExpired),
		errors.Is(waitErr, coreactivity.ErrLeaderProcessDied),
		coreactivity.IsQuorumLost(waitErr):
		return nil, &coreactivity.Failed{Domain: tok.Domain, Name: tok.Name, Reason: waitErr}
	default:
		return nil, waitErr
	}
}

// awaitAdmission waits for either the admission reply, the caller's
// outer timeout, or coordinator death — whichever comes first. The
// coordinator itself never blocks on this; only the calling goroutine
// does.
func (c *Coordinator) awaitAdmission(ctx context.Context, reply <-chan admitResult, opts coreactivity.Options) (admitResult, error) {
	timer := c.config.Clock.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res, nil
	case <-timer.Chan():
		return admitResult{}, errors.Timeoutf("activity admission")
	case <-ctx.Done():
		return admitResult{}, ctx.Err()
	case <-c.catacomb.Dying():
		return admitResult{}, c.catacomb.ErrDying()
	}
}
