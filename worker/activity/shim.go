// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package activity

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
)

// NewWorker calls NewCoordinator but returns the more convenient
// worker.Worker type. It's a suitable default value for
// ManifoldConfig.NewWorker.
func NewWorker(config Config) (worker.Worker, error) {
	w, err := NewCoordinator(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}
