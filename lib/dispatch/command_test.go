// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"io/ioutil"
	"path/filepath"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) writeConfig(c *check.C, content string) string {
	path := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(ioutil.WriteFile(path, []byte(content), 0600), check.IsNil)
	return path
}

func (s *CommandSuite) TestMissingSecret(c *check.C) {
	var stdout, stderr bytes.Buffer
	exitcode := Command.RunCommand("wq-provision dispatch", nil, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(exitcode, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*missing shared secret argument.*`)
}

func (s *CommandSuite) TestSecretAndSecretFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "secret")
	c.Assert(ioutil.WriteFile(path, []byte("swordfish\n"), 0600), check.IsNil)
	var stdout, stderr bytes.Buffer
	exitcode := Command.RunCommand("wq-provision dispatch", []string{"-secret-file", path, "swordfish"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(exitcode, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*not both.*`)
}

func (s *CommandSuite) TestMissingConfigFile(c *check.C) {
	var stdout, stderr bytes.Buffer
	exitcode := Command.RunCommand("wq-provision dispatch", []string{"-config", "/nonexistent/config.yml", "swordfish"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(exitcode, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*/nonexistent/config.yml.*`)
}

func (s *CommandSuite) TestBadConfig(c *check.C) {
	path := s.writeConfig(c, `
Clusters:
  hpc:
    Scheduler: slurm
`)
	var stdout, stderr bytes.Buffer
	exitcode := Command.RunCommand("wq-provision dispatch", []string{"-config", path, "swordfish"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(exitcode, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unsupported scheduler.*`)
}

func (s *CommandSuite) TestNoSuchCluster(c *check.C) {
	path := s.writeConfig(c, `
Clusters:
  campus:
    Scheduler: condor
`)
	var stdout, stderr bytes.Buffer
	exitcode := Command.RunCommand("wq-provision dispatch", []string{"-config", path, "-cluster", "hpc", "swordfish"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(exitcode, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no such cluster "hpc".*`)
}

// With no real queue or scheduler reachable, the pass observes an
// empty snapshot and exits 0 without side effects (beyond log text).
func (s *CommandSuite) TestEmptySnapshotSkips(c *check.C) {
	scratch := c.MkDir()
	path := s.writeConfig(c, `
Clusters:
  campus:
    Scheduler: condor
    ScratchDir: `+scratch+`
`)
	var stdout, stderr bytes.Buffer
	exitcode := Command.RunCommand("wq-provision dispatch", []string{"-config", path, "-dry-run", "swordfish"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(exitcode, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*nothing to do.*`)
	// The secret must not leak into log output.
	c.Check(bytes.Contains(stderr.Bytes(), []byte("swordfish")), check.Equals, false)
	ents, err := ioutil.ReadDir(scratch)
	c.Assert(err, check.IsNil)
	c.Check(ents, check.HasLen, 0)
}

func (s *CommandSuite) TestHelp(c *check.C) {
	var stdout, stderr bytes.Buffer
	exitcode := Command.RunCommand("wq-provision dispatch", []string{"-help"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(exitcode, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*shared-secret.*Options:.*`)
}
