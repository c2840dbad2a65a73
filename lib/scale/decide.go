// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package scale decides how many additional workers to request for a
// queue project.
package scale

import (
	"github.com/cyverse-gis/wq-provision/lib/config"
	"github.com/cyverse-gis/wq-provision/lib/queue"
)

// Decide returns the number of workers to request this cycle, given
// the observed queue state, the configured policy, and the number of
// the operator's earlier submissions still waiting in the target
// scheduler.
//
// Decide does no I/O and keeps no state: every cycle recomputes from
// a fresh snapshot, so a missed or failed cycle self-heals at the
// next tick.
func Decide(snap queue.Snapshot, policy config.ScalePolicy, pending int) int {
	if snap.Waiting == 0 {
		// Nothing queued, nothing to do.
		return 0
	}
	if snap.Workers >= policy.MaxWorkers {
		// At capacity.
		return 0
	}
	if pending > policy.PendingSubmissionThreshold {
		// Earlier submissions haven't been scheduled yet.
		// Submitting more now would stack duplicate requests
		// for the same backlog.
		return 0
	}
	// With tasks both queued and running, the pipeline is known
	// to work: try to match outstanding demand. On a cold start
	// (nothing running yet) request only the default batch, so a
	// misconfigured pipeline wastes one small allocation instead
	// of a large one.
	want := policy.DefaultBatchSize
	if snap.Running > 0 {
		want = snap.Waiting
	}
	if want > policy.PerCycleCap {
		want = policy.PerCycleCap
	}
	if room := policy.MaxWorkers - snap.Workers; want > room {
		want = room
	}
	if want < 0 {
		want = 0
	}
	return want
}
