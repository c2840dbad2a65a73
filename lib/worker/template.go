// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package worker renders the artifacts needed to submit a batch of
// queue workers to a scheduler: a worker bootstrap script, a
// scheduler-specific batch descriptor, and a transferred copy of the
// project credential, all in a fresh scratch directory.
package worker

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cyverse-gis/wq-provision/lib/config"
	"github.com/cyverse-gis/wq-provision/lib/project"
)

// A Batch is a request to start Size worker agents for a project on
// one cluster target. It lives for a single invocation: nothing
// tracks batches after submission, the next cycle just re-observes
// the queue.
type Batch struct {
	Project project.Project
	Size    int
	Cluster string
}

// Params carries the cluster-independent worker settings plus the
// scheduler details of the target cluster.
type Params struct {
	Workers   config.WorkerConfig
	Scheduler string
	Queue     string
	Walltime  time.Duration
	// Root directory on the remote submit host under which this
	// batch will be staged (remote submission only).
	RemoteDir string
}

// Artifacts are the rendered files for one batch.
type Artifacts struct {
	// Fresh scratch directory holding all of the below.
	Dir            string
	BootstrapPath  string
	DescriptorPath string
	CredentialPath string
	// Directory on the remote submit host where the artifacts
	// should be staged before submitting (remote submission
	// only).
	RemoteDir string
}

const (
	// BootstrapFilename is the basename of the worker bootstrap
	// script in every scratch (and staged remote) directory.
	BootstrapFilename = "worker-bootstrap.sh"

	condorDescriptorFilename = "workers.condor"
	pbsDescriptorFilename    = "workers.pbs"
)

// Generate renders the artifacts for the given batch into a uniquely
// named scratch directory under scratchRoot. Concurrent invocations
// targeting different clusters never collide: the directory name
// embeds project, cluster, and timestamp, plus a random suffix.
//
// Filesystem writes only; no network calls.
func Generate(scratchRoot string, batch Batch, params Params) (*Artifacts, error) {
	if err := os.MkdirAll(scratchRoot, 0700); err != nil {
		return nil, fmt.Errorf("error creating scratch root: %s", err)
	}
	stamp := time.Now().UTC().Format("20060102-150405")
	dir, err := ioutil.TempDir(scratchRoot, fmt.Sprintf("%s-%s-%s-", batch.Project.Name, batch.Cluster, stamp))
	if err != nil {
		return nil, fmt.Errorf("error creating scratch dir: %s", err)
	}
	art := &Artifacts{
		Dir:            dir,
		BootstrapPath:  filepath.Join(dir, BootstrapFilename),
		CredentialPath: filepath.Join(dir, project.CredentialFilename),
	}
	if err := batch.Project.WriteCredential(art.CredentialPath); err != nil {
		return nil, err
	}
	if err := ioutil.WriteFile(art.BootstrapPath, []byte(bootstrapScript(batch, params)), 0755); err != nil {
		return nil, fmt.Errorf("error writing bootstrap script: %s", err)
	}
	var descriptor, basename string
	switch params.Scheduler {
	case config.SchedulerCondor:
		basename = condorDescriptorFilename
		descriptor = condorDescriptor(batch, params)
	case config.SchedulerPBS:
		basename = pbsDescriptorFilename
		art.RemoteDir = path.Join(params.RemoteDir, filepath.Base(dir))
		descriptor = pbsDescriptor(batch, params, art.RemoteDir)
	default:
		return nil, fmt.Errorf("unsupported scheduler %q", params.Scheduler)
	}
	art.DescriptorPath = filepath.Join(dir, basename)
	if err := ioutil.WriteFile(art.DescriptorPath, []byte(descriptor), 0644); err != nil {
		return nil, fmt.Errorf("error writing %s: %s", basename, err)
	}
	return art, nil
}

// bootstrapScript renders the script each worker replica runs. It
// finds the credential file next to itself, so the same script works
// in a scheduler transfer sandbox and in a staged remote directory.
// The secret itself never appears in the script.
func bootstrapScript(batch Batch, params Params) string {
	w := params.Workers
	s := "#!/bin/sh\n"
	s += "# Starts one task queue worker agent for project " + batch.Project.Name + ".\n"
	s += "set -e\n"
	s += `dir=$(dirname "$0")` + "\n"
	var names []string
	for name := range w.Environment {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s += "export " + name + "=" + shellQuote(w.Environment[name]) + "\n"
	}
	args := []string{"work_queue_worker"}
	if w.Image != "" {
		// Wrap the worker in the container image carrying the
		// GIS toolchain the tasks expect.
		args = append([]string{"apptainer", "exec", "--bind", "$dir", w.Image}, args...)
	}
	args = append(args,
		"-M", batch.Project.Name,
		"-P", "$dir/"+project.CredentialFilename,
		// 0 cores means "use all available on this host".
		"--cores", fmt.Sprintf("%d", w.Cores),
	)
	if w.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", w.MemoryMB))
	}
	if w.DiskMB > 0 {
		args = append(args, "--disk", fmt.Sprintf("%d", w.DiskMB))
	}
	args = append(args, "--timeout", fmt.Sprintf("%d", int(w.IdleTimeout.Duration().Seconds())))
	s += "exec"
	for _, arg := range args {
		if arg == "$dir" {
			s += ` "$dir"`
		} else if strings.HasPrefix(arg, "$dir/") {
			// Quote all but the variable reference.
			s += ` "$dir"` + shellQuote(strings.TrimPrefix(arg, "$dir"))
		} else {
			s += " " + shellQuote(arg)
		}
	}
	return s + "\n"
}

// condorDescriptor renders an HTCondor submit description requesting
// batch.Size replicas of the bootstrap unit in one submission.
func condorDescriptor(batch Batch, params Params) string {
	w := params.Workers
	s := "# Workers for task queue project " + batch.Project.Name + ".\n"
	s += "universe = vanilla\n"
	s += "executable = " + BootstrapFilename + "\n"
	s += "transfer_input_files = " + project.CredentialFilename + "\n"
	s += "should_transfer_files = yes\n"
	s += "when_to_transfer_output = on_exit\n"
	if w.Cores > 0 {
		s += fmt.Sprintf("request_cpus = %d\n", w.Cores)
	}
	if w.MemoryMB > 0 {
		s += fmt.Sprintf("request_memory = %dMB\n", w.MemoryMB)
	}
	if w.DiskMB > 0 {
		s += fmt.Sprintf("request_disk = %dMB\n", w.DiskMB)
	}
	if params.Queue != "" {
		s += "accounting_group = " + params.Queue + "\n"
	}
	s += "output = worker.$(Cluster).$(Process).out\n"
	s += "error = worker.$(Cluster).$(Process).err\n"
	s += "log = workers.log\n"
	s += fmt.Sprintf("queue %d\n", batch.Size)
	return s
}

// pbsDescriptor renders a PBS batch script requesting one allocation
// spanning batch.Size nodes, each of which runs the staged bootstrap
// script.
func pbsDescriptor(batch Batch, params Params, remoteDir string) string {
	w := params.Workers
	sel := fmt.Sprintf("select=%d", batch.Size)
	if w.Cores > 0 {
		sel += fmt.Sprintf(":ncpus=%d", w.Cores)
	}
	if w.MemoryMB > 0 {
		sel += fmt.Sprintf(":mem=%dmb", w.MemoryMB)
	}
	s := "#!/bin/sh\n"
	s += "#PBS -N " + batch.Project.Name + "-workers\n"
	if params.Queue != "" {
		s += "#PBS -q " + params.Queue + "\n"
	}
	s += "#PBS -l " + sel + "\n"
	s += "#PBS -l walltime=" + walltime(params.Walltime) + "\n"
	s += "#PBS -j oe\n"
	s += "cd " + shellQuote(remoteDir) + "\n"
	s += "pbsdsh -- /bin/sh " + shellQuote(path.Join(remoteDir, BootstrapFilename)) + "\n"
	return s
}

func walltime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	sec := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

func shellQuote(s string) string {
	return `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}
