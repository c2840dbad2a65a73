// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyverse-gis/wq-provision/lib/config"
	"github.com/cyverse-gis/wq-provision/lib/project"
	"github.com/cyverse-gis/wq-provision/lib/queue"
	"github.com/cyverse-gis/wq-provision/lib/scale"
	"github.com/cyverse-gis/wq-provision/lib/worker"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A statusGetter produces queue snapshots (normally
// *queue.StatusChecker).
type statusGetter interface {
	Snapshot(ctx context.Context, projectName string) queue.Snapshot
}

// A Dispatcher runs the provisioning pass for one cluster target:
// snapshot the queue, decide a batch size, render artifacts, submit.
// It keeps no state between passes; every pass recomputes from
// freshly observed counts.
type Dispatcher struct {
	Cluster       string
	ClusterConfig config.Cluster
	Policy        config.ScalePolicy
	Workers       config.WorkerConfig
	Project       project.Project
	Sched         Scheduler
	Logger        logrus.FieldLogger
	Registry      *prometheus.Registry
	// Render artifacts and log the decision, but don't submit.
	DryRun bool

	// test hook; RunOnce uses a queue.StatusChecker if nil
	Status statusGetter

	initOnce sync.Once

	mCycles           prometheus.Counter
	mWorkersRequested prometheus.Counter
	mSubmitErrors     prometheus.Counter
	mWaiting          prometheus.Gauge
	mRunning          prometheus.Gauge
	mWorkers          prometheus.Gauge
	mPending          prometheus.Gauge
}

func (disp *Dispatcher) init() {
	if disp.Status == nil {
		disp.Status = &queue.StatusChecker{Logger: disp.Logger}
	}
	disp.mCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "wqprovision",
		Name:        "cycles_total",
		Help:        "Number of completed provisioning passes.",
		ConstLabels: prometheus.Labels{"cluster": disp.Cluster},
	})
	disp.mWorkersRequested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "wqprovision",
		Name:        "workers_requested_total",
		Help:        "Number of workers requested from the scheduler.",
		ConstLabels: prometheus.Labels{"cluster": disp.Cluster},
	})
	disp.mSubmitErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "wqprovision",
		Name:        "submit_errors_total",
		Help:        "Number of failed submissions.",
		ConstLabels: prometheus.Labels{"cluster": disp.Cluster},
	})
	disp.mWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "wqprovision",
		Name:        "queue_waiting_tasks",
		Help:        "Waiting tasks in the last queue snapshot.",
		ConstLabels: prometheus.Labels{"cluster": disp.Cluster},
	})
	disp.mRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "wqprovision",
		Name:        "queue_running_tasks",
		Help:        "Running tasks in the last queue snapshot.",
		ConstLabels: prometheus.Labels{"cluster": disp.Cluster},
	})
	disp.mWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "wqprovision",
		Name:        "queue_connected_workers",
		Help:        "Connected workers in the last queue snapshot.",
		ConstLabels: prometheus.Labels{"cluster": disp.Cluster},
	})
	disp.mPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "wqprovision",
		Name:        "scheduler_pending_submissions",
		Help:        "Operator submissions still queued on the target scheduler.",
		ConstLabels: prometheus.Labels{"cluster": disp.Cluster},
	})
	if disp.Registry != nil {
		disp.Registry.MustRegister(disp.mCycles, disp.mWorkersRequested, disp.mSubmitErrors,
			disp.mWaiting, disp.mRunning, disp.mWorkers, disp.mPending)
	}
}

// RunOnce performs one provisioning pass. A nil return means the pass
// completed, whether or not it submitted anything; a non-nil return
// means this cluster's cycle was aborted (render or submit failure)
// and will be retried from scratch at the next periodic invocation.
func (disp *Dispatcher) RunOnce(ctx context.Context) error {
	disp.initOnce.Do(disp.init)
	logger := disp.Logger.WithField("cluster", disp.Cluster)
	defer disp.mCycles.Inc()

	snap := disp.Status.Snapshot(ctx, disp.Project.Name)
	disp.mWaiting.Set(float64(snap.Waiting))
	disp.mRunning.Set(float64(snap.Running))
	disp.mWorkers.Set(float64(snap.Workers))
	logger.Infof("project %s: %d waiting, %d running, %d workers connected", disp.Project.Name, snap.Waiting, snap.Running, snap.Workers)

	pending, err := disp.Sched.PendingWorkers(ctx)
	if err != nil {
		// Same fail-safe stance as the queue monitor: a
		// missing signal is treated as "nothing pending"
		// rather than blocking the loop.
		logger.Warnf("error checking pending submissions: %s", err)
		pending = 0
	}
	disp.mPending.Set(float64(pending))

	size := scale.Decide(snap, disp.Policy, pending)
	if size == 0 {
		logger.Infof("nothing to do (pending submissions: %d)", pending)
		return nil
	}

	batch := worker.Batch{Project: disp.Project, Size: size, Cluster: disp.Cluster}
	logger.Infof("requesting %d workers (%d cores, %s memory, %s disk each)",
		size, disp.Workers.Cores,
		humanize.IBytes(uint64(disp.Workers.MemoryMB)<<20),
		humanize.IBytes(uint64(disp.Workers.DiskMB)<<20))
	art, err := worker.Generate(disp.ClusterConfig.ScratchDir, batch, worker.Params{
		Workers:   disp.Workers,
		Scheduler: disp.ClusterConfig.Scheduler,
		Queue:     disp.ClusterConfig.Queue,
		Walltime:  disp.ClusterConfig.Walltime.Duration(),
		RemoteDir: disp.ClusterConfig.RemoteDir,
	})
	if err != nil {
		return fmt.Errorf("cluster %s: %s", disp.Cluster, err)
	}
	logger.Debugf("artifacts in %s", art.Dir)

	if disp.DryRun {
		logger.Infof("dry run: would submit %s", art.DescriptorPath)
		return nil
	}
	if err := disp.Sched.Submit(ctx, batch, art); err != nil {
		disp.mSubmitErrors.Inc()
		return fmt.Errorf("cluster %s: %s", disp.Cluster, err)
	}
	disp.mWorkersRequested.Add(float64(size))
	logger.Infof("submitted batch of %d workers", size)
	return nil
}

// Poll runs RunOnce every period until the context is cancelled.
// Failed passes are logged and retried at the next tick; there is no
// state to recover, the next pass just re-observes the queue.
func (disp *Dispatcher) Poll(ctx context.Context, period time.Duration) {
	logger := disp.Logger.WithField("cluster", disp.Cluster)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		if err := disp.RunOnce(ctx); err != nil {
			logger.Errorf("%s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
