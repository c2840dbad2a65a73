// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"io/ioutil"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cyverse-gis/wq-provision/lib/config"
	"github.com/cyverse-gis/wq-provision/lib/ctxlog"
	"github.com/cyverse-gis/wq-provision/lib/project"
	"github.com/cyverse-gis/wq-provision/lib/worker"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CondorSuite{})

type CondorSuite struct{}

func (s *CondorSuite) TestCountCondorIdle(c *check.C) {
	for _, trial := range []struct {
		out  string
		want int
	}{
		{"", 0},
		{"2\n2\n", 0},
		{"1\n2\n1\n1\n5\n", 3},
		{"1 \n", 1},
	} {
		c.Check(countCondorIdle([]byte(trial.out)), check.Equals, trial.want, check.Commentf("out=%q", trial.out))
	}
}

func (s *CondorSuite) TestPendingWorkers(c *check.C) {
	sched := &condorScheduler{
		logger: ctxlog.TestLogger(c),
		stubCommand: func(prog string, args ...string) *exec.Cmd {
			c.Check(prog, check.Equals, "condor_q")
			c.Check(args, check.DeepEquals, []string{"-af", "JobStatus"})
			return exec.Command("printf", "1\n2\n1\n")
		},
	}
	pending, err := sched.PendingWorkers(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(pending, check.Equals, 2)
}

func (s *CondorSuite) TestPendingWorkersError(c *check.C) {
	sched := &condorScheduler{
		logger: ctxlog.TestLogger(c),
		stubCommand: func(prog string, args ...string) *exec.Cmd {
			return exec.Command("sh", "-c", "echo >&2 'CEDAR:6001:Failed to connect'; exit 1")
		},
	}
	_, err := sched.PendingWorkers(context.Background())
	c.Check(err, check.ErrorMatches, `condor_q: .*`)
}

func (s *CondorSuite) generate(c *check.C) (worker.Batch, *worker.Artifacts) {
	batch := worker.Batch{Project: project.New("eemt", "swordfish"), Size: 3, Cluster: "campus"}
	art, err := worker.Generate(c.MkDir(), batch, worker.Params{
		Workers:   config.WorkerConfig{IdleTimeout: config.Duration(600 * time.Second)},
		Scheduler: config.SchedulerCondor,
		Walltime:  24 * time.Hour,
	})
	c.Assert(err, check.IsNil)
	return batch, art
}

func (s *CondorSuite) TestSubmit(c *check.C) {
	batch, art := s.generate(c)
	var gotArgs []string
	sched := &condorScheduler{
		logger:     ctxlog.TestLogger(c),
		submitArgs: []string{"-pool", "cm.example.edu"},
		stubCommand: func(prog string, args ...string) *exec.Cmd {
			c.Check(prog, check.Equals, "condor_submit")
			gotArgs = args
			// prints the working directory so the test can
			// verify the submit ran in the scratch dir
			return exec.Command("sh", "-c", "pwd; echo '3 job(s) submitted to cluster 1234.'")
		},
	}
	c.Assert(sched.Submit(context.Background(), batch, art), check.IsNil)
	c.Check(gotArgs, check.DeepEquals, []string{"-pool", "cm.example.edu", "workers.condor"})

	buf, err := ioutil.ReadFile(filepath.Join(art.Dir, submissionOutputFilename))
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `(?ms)`+art.Dir+`\n.*submitted to cluster 1234.*`)
}

func (s *CondorSuite) TestSubmitFailure(c *check.C) {
	batch, art := s.generate(c)
	sched := &condorScheduler{
		logger: ctxlog.TestLogger(c),
		stubCommand: func(prog string, args ...string) *exec.Cmd {
			return exec.Command("sh", "-c", "echo 'ERROR: Failed to commit job submission'; exit 1")
		},
	}
	err := sched.Submit(context.Background(), batch, art)
	c.Check(err, check.ErrorMatches, `condor_submit: .*\("ERROR: Failed to commit job submission"\)`)
	// Output is captured even when the submission fails.
	buf, err2 := ioutil.ReadFile(filepath.Join(art.Dir, submissionOutputFilename))
	c.Assert(err2, check.IsNil)
	c.Check(string(buf), check.Matches, `(?ms).*Failed to commit.*`)
}
