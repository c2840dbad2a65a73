// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dispatch submits rendered worker batches to batch
// schedulers, and drives the snapshot/decide/generate/submit pass for
// each cluster target.
package dispatch

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/cyverse-gis/wq-provision/lib/config"
	"github.com/cyverse-gis/wq-provision/lib/worker"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// submissionOutputFilename is the basename of the captured scheduler
// output in every scratch directory.
const submissionOutputFilename = "submission-output.log"

// A Scheduler submits worker batches to one cluster target.
type Scheduler interface {
	// PendingWorkers returns the number of the operator's
	// submissions that are queued but not yet running on the
	// target scheduler. A positive count makes the controller
	// skip the cycle rather than stack duplicate requests behind
	// a slow scheduler.
	PendingWorkers(ctx context.Context) (int, error)
	// Submit dispatches the rendered artifacts, requesting
	// batch.Size worker replicas, and returns without waiting for
	// worker startup. Scheduler output is captured into the
	// scratch directory.
	Submit(ctx context.Context, batch worker.Batch, art *worker.Artifacts) error
	// Close releases any held connections.
	Close()
}

// New returns the Scheduler for the given cluster target.
func New(cluster string, cc config.Cluster, logger logrus.FieldLogger) (Scheduler, error) {
	submitArgs, err := shlex.Split(cc.SubmitArguments)
	if err != nil {
		return nil, fmt.Errorf("cluster %q: error parsing SubmitArguments: %s", cluster, err)
	}
	switch cc.Scheduler {
	case config.SchedulerCondor:
		return &condorScheduler{
			logger:     logger,
			submitArgs: submitArgs,
		}, nil
	case config.SchedulerPBS:
		runner, err := newSSHRunner(cc.SSH, logger)
		if err != nil {
			return nil, fmt.Errorf("cluster %q: %s", cluster, err)
		}
		return &pbsScheduler{
			logger:     logger,
			user:       cc.SSH.User,
			submitArgs: submitArgs,
			runner:     runner,
		}, nil
	default:
		return nil, fmt.Errorf("cluster %q: unsupported scheduler %q", cluster, cc.Scheduler)
	}
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, err.Stderr)
	}
	return err
}
