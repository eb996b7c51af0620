// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"
)

// ManifoldConfig holds the information necessary to run a Coordinator
// in a dependency.Engine, following worker/raftflag.ManifoldConfig's
// shape: resource names in, a NewWorker func that's overridable for
// testing.
type ManifoldConfig struct {
	ClockName string

	LocalNode             string
	CompatVersion         func() int
	CompatThreshold       int
	OrchestrationDisabled func() bool

	NewWorker func(Config) (worker.Worker, error)
}

// Validate returns an error if config cannot be expected to run a
// Coordinator.
func (config ManifoldConfig) Validate() error {
	if config.ClockName == "" {
		return errors.NotValidf("empty ClockName")
	}
	if config.LocalNode == "" {
		return errors.NotValidf("empty LocalNode")
	}
	if config.NewWorker == nil {
		return errors.NotValidf("nil NewWorker")
	}
	return nil
}

// start is a method on ManifoldConfig because it's more readable than
// a closure, mirroring worker/raftflag.ManifoldConfig.start.
func (config ManifoldConfig) start(context dependency.Context) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	var clk clock.Clock
	if err := context.Get(config.ClockName, &clk); err != nil {
		return nil, errors.Trace(err)
	}
	w, err := config.NewWorker(Config{
		LocalNode: config.LocalNode,
		Clock:     clk,
		Bypass:    CompatBypass(config.CompatVersion, config.CompatThreshold, config.OrchestrationDisabled),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Manifold returns a dependency.Manifold that runs a Coordinator and
// exposes it to clients for registering collaborators and starting
// activities.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{config.ClockName},
		Start:  config.start,
		Output: manifoldOutput,
	}
}

// manifoldOutput exposes the running Coordinator itself (not just a
// worker.Worker) to manifolds that depend on it.
func manifoldOutput(in worker.Worker, out interface{}) error {
	coordinator, ok := in.(*Coordinator)
	if !ok {
		return errors.Errorf("expected *activity.Coordinator, got %T", in)
	}
	switch outPtr := out.(type) {
	case **Coordinator:
		*outPtr = coordinator
	default:
		return errors.Errorf("unsupported output type %T", out)
	}
	return nil
}
