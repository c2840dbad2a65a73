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
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cyverse-gis/wq-provision/lib/worker"
	"github.com/sirupsen/logrus"
)

// pbsScheduler submits to a PBS cluster by staging the rendered
// artifacts on a remote submit host over SSH and running qsub there.
// One qsub call requests a single allocation spanning the whole
// batch.
type pbsScheduler struct {
	logger     logrus.FieldLogger
	user       string
	submitArgs []string
	runner     remoteRunner
}

// PendingWorkers counts the operator's jobs still in queued state on
// the remote scheduler.
func (sched *pbsScheduler) PendingWorkers(ctx context.Context) (int, error) {
	stdout, stderr, err := sched.runner.Execute("qstat -u "+shellQuote(sched.user), nil)
	if err != nil {
		return 0, fmt.Errorf("qstat: %s (%q)", err, bytes.TrimSpace(stderr))
	}
	return countPBSQueued(stdout), nil
}

var pbsJobIDPattern = regexp.MustCompile(`^\d+(\[\])?\.`)

// countPBSQueued parses `qstat -u USER` output: job rows start with a
// numeric job ID, and the job state is the second-to-last column (S,
// followed by elapsed time). Everything else (banners, headers,
// rules) is ignored.
func countPBSQueued(out []byte) int {
	queued := 0
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !pbsJobIDPattern.MatchString(fields[0]) {
			continue
		}
		if fields[len(fields)-2] == "Q" {
			queued++
		}
	}
	return queued
}

func (sched *pbsScheduler) Submit(ctx context.Context, batch worker.Batch, art *worker.Artifacts) error {
	if err := sched.stage(art); err != nil {
		return err
	}
	args := append([]string(nil), sched.submitArgs...)
	args = append(args, filepath.Base(art.DescriptorPath))
	cmdline := "cd " + shellQuote(art.RemoteDir) + " && qsub"
	for _, arg := range args {
		cmdline += " " + shellQuote(arg)
	}
	sched.logger.Infof("running %s", cmdline)
	stdout, stderr, err := sched.runner.Execute(cmdline, nil)
	out := append(append([]byte(nil), stdout...), stderr...)
	if werr := ioutil.WriteFile(filepath.Join(art.Dir, submissionOutputFilename), out, 0644); werr != nil {
		sched.logger.Warnf("error saving qsub output: %s", werr)
	}
	if err != nil {
		return fmt.Errorf("qsub: %s (%q)", err, bytes.TrimSpace(stderr))
	}
	sched.logger.WithField("stdout", strings.TrimSpace(string(stdout))).Info("qsub finished")
	return nil
}

// stage copies the rendered artifacts into a fresh directory on the
// remote submit host. The credential copy is made owner-only before
// anything else can read it.
func (sched *pbsScheduler) stage(art *worker.Artifacts) error {
	if _, stderr, err := sched.runner.Execute("mkdir -p "+shellQuote(art.RemoteDir), nil); err != nil {
		return fmt.Errorf("mkdir %s: %s (%q)", art.RemoteDir, err, bytes.TrimSpace(stderr))
	}
	for _, file := range []struct {
		path string
		mode string
	}{
		{art.CredentialPath, "600"},
		{art.BootstrapPath, "755"},
		{art.DescriptorPath, "644"},
	} {
		remotePath := path.Join(art.RemoteDir, filepath.Base(file.path))
		f, err := os.Open(file.path)
		if err != nil {
			return err
		}
		cmdline := fmt.Sprintf("umask 077 && cat >%s && chmod %s %s", shellQuote(remotePath), file.mode, shellQuote(remotePath))
		_, stderr, err := sched.runner.Execute(cmdline, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("error transferring %s: %s (%q)", filepath.Base(file.path), err, bytes.TrimSpace(stderr))
		}
	}
	return nil
}

func (sched *pbsScheduler) Close() {
	sched.runner.Close()
}

func shellQuote(s string) string {
	return `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}
