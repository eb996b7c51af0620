// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"

	coreactivity "github.com/juju/activityctl/core/activity"
)

// CompatBypass builds a BypassFunc from the two conditions spec.md §4.7
// names: the cluster's negotiated compat version being below
// threshold, or an explicit "new orchestration disabled" flag. Both
// are read at call time (not cached), the way worker/raftflag.Check
// reflects the raft leadership state at call time rather than at
// worker-start time — an upgrade takes effect without a restart.
func CompatBypass(compatVersion func() int, threshold int, orchestrationDisabled func() bool) BypassFunc {
	return func() bool {
		if orchestrationDisabled != nil && orchestrationDisabled() {
			return true
		}
		return compatVersion != nil && compatVersion() < threshold
	}
}

// bypassStart runs req.Body in a fresh, entirely unsupervised worker:
// no domain-conflict check, no lease/quorum admission, no registry
// entry. This is the pre-upgrade compatibility path; a remote target
// (req carrying a node other than the local one) would hand off via a
// direct node-to-node call through the RPC transport, which is outside
// this package's scope (spec.md §1 lists RPC transport as an external
// collaborator) — bypass here always runs the body locally.
func (c *Coordinator) bypassStart(ctx context.Context, req ActivityRequest) (worker.Worker, coreactivity.Token, error) {
	if req.Body == nil {
		return nil, coreactivity.Token{}, errors.New("nil activity body")
	}
	logger.Infof("running activity %q in bypass mode (no coordinator admission)", req.Name)
	tok := coreactivity.Token{Lease: coreactivity.LeaderRequirement(), Domain: req.Domain, Name: []string{req.Name}, Options: req.Options.WithDefaults()}
	w, err := newBodyWorker(ctx, tok, req.Body)
	if err != nil {
		return nil, coreactivity.Token{}, errors.Trace(err)
	}
	return w, tok, nil
}
