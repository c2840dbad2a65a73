// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyverse-gis/wq-provision/lib/config"
	"github.com/cyverse-gis/wq-provision/lib/ctxlog"
	"github.com/cyverse-gis/wq-provision/lib/project"
	"github.com/cyverse-gis/wq-provision/lib/worker"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PBSSuite{})

type PBSSuite struct{}

const qstatListing = `
login.hpc.example.edu:
                                                            Req'd  Req'd   Elap
Job ID          Username Queue    Jobname    SessID NDS TSK Memory Time  S Time
--------------- -------- -------- ---------- ------ --- --- ------ ----- - -----
1234.head       eemt     windfall eemt-3f2a9    --    5  20    --  24:00 Q   --
1235.head       eemt     windfall eemt-3f2a9  4321    2   8    --  24:00 R 01:10
1236[].head     eemt     standard othertask     --    1   1    --  04:00 Q   --
`

func (s *PBSSuite) TestCountPBSQueued(c *check.C) {
	c.Check(countPBSQueued([]byte(qstatListing)), check.Equals, 2)
	c.Check(countPBSQueued(nil), check.Equals, 0)
	c.Check(countPBSQueued([]byte("no jobs\n")), check.Equals, 0)
}

type executeCall struct {
	cmd   string
	stdin string
}

type fakeRunner struct {
	calls  []executeCall
	fail   map[string]string // cmd prefix -> stderr
	stdout string
	closed bool
}

func (fr *fakeRunner) Execute(cmd string, stdin io.Reader) ([]byte, []byte, error) {
	var buf []byte
	if stdin != nil {
		buf, _ = ioutil.ReadAll(stdin)
	}
	fr.calls = append(fr.calls, executeCall{cmd: cmd, stdin: string(buf)})
	for prefix, stderr := range fr.fail {
		if strings.HasPrefix(cmd, prefix) {
			return nil, []byte(stderr), errors.New("exit status 1")
		}
	}
	return []byte(fr.stdout), nil, nil
}

func (fr *fakeRunner) Close() { fr.closed = true }

func (s *PBSSuite) scheduler(c *check.C, fr *fakeRunner) *pbsScheduler {
	return &pbsScheduler{
		logger:     ctxlog.TestLogger(c),
		user:       "eemt",
		submitArgs: []string{"-W", "group_list=eemt"},
		runner:     fr,
	}
}

func (s *PBSSuite) TestPendingWorkers(c *check.C) {
	fr := &fakeRunner{stdout: qstatListing}
	sched := s.scheduler(c, fr)
	pending, err := sched.PendingWorkers(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(pending, check.Equals, 2)
	c.Assert(fr.calls, check.HasLen, 1)
	c.Check(fr.calls[0].cmd, check.Equals, "qstat -u 'eemt'")
}

func (s *PBSSuite) TestPendingWorkersError(c *check.C) {
	fr := &fakeRunner{fail: map[string]string{"qstat": "Connection refused"}}
	_, err := s.scheduler(c, fr).PendingWorkers(context.Background())
	c.Check(err, check.ErrorMatches, `qstat: .*\("Connection refused"\)`)
}

func (s *PBSSuite) generate(c *check.C) (worker.Batch, *worker.Artifacts) {
	batch := worker.Batch{Project: project.New("eemt", "swordfish"), Size: 5, Cluster: "hpc"}
	art, err := worker.Generate(c.MkDir(), batch, worker.Params{
		Workers:   config.WorkerConfig{IdleTimeout: config.Duration(600 * time.Second)},
		Scheduler: config.SchedulerPBS,
		Queue:     "windfall",
		Walltime:  24 * time.Hour,
		RemoteDir: "wq-provision",
	})
	c.Assert(err, check.IsNil)
	return batch, art
}

func (s *PBSSuite) TestSubmit(c *check.C) {
	batch, art := s.generate(c)
	fr := &fakeRunner{stdout: "1234.head\n"}
	sched := s.scheduler(c, fr)
	c.Assert(sched.Submit(context.Background(), batch, art), check.IsNil)

	c.Assert(fr.calls, check.HasLen, 5)
	c.Check(fr.calls[0].cmd, check.Equals, "mkdir -p '"+art.RemoteDir+"'")
	// Credential is transferred first, with a restrictive umask,
	// and never appears on a command line.
	c.Check(fr.calls[1].cmd, check.Matches, `umask 077 && cat >'`+art.RemoteDir+`/project-credential' && chmod 600 .*`)
	c.Check(fr.calls[1].stdin, check.Equals, "swordfish\n")
	c.Check(fr.calls[2].cmd, check.Matches, `.*cat >'`+art.RemoteDir+`/worker-bootstrap\.sh' && chmod 755 .*`)
	c.Check(fr.calls[3].cmd, check.Matches, `.*cat >'`+art.RemoteDir+`/workers\.pbs' && chmod 644 .*`)
	c.Check(fr.calls[4].cmd, check.Equals, "cd '"+art.RemoteDir+"' && qsub '-W' 'group_list=eemt' 'workers.pbs'")

	buf, err := ioutil.ReadFile(filepath.Join(art.Dir, submissionOutputFilename))
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "1234.head\n")
}

func (s *PBSSuite) TestSubmitTransferFailure(c *check.C) {
	batch, art := s.generate(c)
	fr := &fakeRunner{fail: map[string]string{"umask": "Disk quota exceeded"}}
	err := s.scheduler(c, fr).Submit(context.Background(), batch, art)
	c.Check(err, check.ErrorMatches, `error transferring project-credential: .*\("Disk quota exceeded"\)`)
}

func (s *PBSSuite) TestSubmitQsubFailure(c *check.C) {
	batch, art := s.generate(c)
	fr := &fakeRunner{fail: map[string]string{"cd ": "qsub: would exceed queue's generic per-user limit"}}
	err := s.scheduler(c, fr).Submit(context.Background(), batch, art)
	c.Check(err, check.ErrorMatches, `qsub: .*per-user limit.*`)
	// Output is captured even when the submission fails.
	buf, err2 := ioutil.ReadFile(filepath.Join(art.Dir, submissionOutputFilename))
	c.Assert(err2, check.IsNil)
	c.Check(string(buf), check.Matches, `(?ms).*per-user limit.*`)
}

func (s *PBSSuite) TestClose(c *check.C) {
	fr := &fakeRunner{}
	s.scheduler(c, fr).Close()
	c.Check(fr.closed, check.Equals, true)
}
