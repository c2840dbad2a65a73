// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cyverse-gis/wq-provision/lib/worker"
	"github.com/sirupsen/logrus"
)

// condorScheduler submits to the local HTCondor pool. One
// condor_submit call requests the whole batch; condor fans the
// replicas out itself.
type condorScheduler struct {
	logger     logrus.FieldLogger
	submitArgs []string
	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running condor command line
	// programs.
	stubCommand func(string, ...string) *exec.Cmd
}

func (sched *condorScheduler) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := sched.stubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

// PendingWorkers counts the operator's idle (queued, not yet
// scheduled) jobs. condor_q with no job arguments lists only the
// invoking user's jobs; JobStatus 1 means Idle.
func (sched *condorScheduler) PendingWorkers(ctx context.Context) (int, error) {
	cmd := sched.command(ctx, "condor_q", "-af", "JobStatus")
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("condor_q: %s", errWithStderr(err))
	}
	return countCondorIdle(out), nil
}

func countCondorIdle(out []byte) int {
	idle := 0
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "1" {
			idle++
		}
	}
	return idle
}

func (sched *condorScheduler) Submit(ctx context.Context, batch worker.Batch, art *worker.Artifacts) error {
	args := append([]string(nil), sched.submitArgs...)
	args = append(args, filepath.Base(art.DescriptorPath))
	sched.logger.Infof("running condor_submit %+q in %s", args, art.Dir)
	cmd := sched.command(ctx, "condor_submit", args...)
	cmd.Dir = art.Dir
	out, err := cmd.CombinedOutput()
	if werr := ioutil.WriteFile(filepath.Join(art.Dir, submissionOutputFilename), out, 0644); werr != nil {
		sched.logger.Warnf("error saving condor_submit output: %s", werr)
	}
	if err != nil {
		return fmt.Errorf("condor_submit: %s (%q)", err, bytes.TrimSpace(out))
	}
	sched.logger.WithField("stdout", strings.TrimSpace(string(out))).Info("condor_submit finished")
	return nil
}

func (sched *condorScheduler) Close() {}
