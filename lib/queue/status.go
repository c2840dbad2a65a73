// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package queue reads the task queue's status listing and aggregates
// it into a point-in-time snapshot for one project.
package queue

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Snapshot is the observed state of one queue project: tasks queued
// but unassigned, tasks executing, and connected worker agents.
type Snapshot struct {
	Waiting int
	Running int
	Workers int
}

// statusRow is one line of `work_queue_status -M` output. The status
// source can list the same project more than once (restarted or
// federated catalogs), so a snapshot is the field-wise sum of every
// matching row.
type statusRow struct {
	Name    string
	Waiting int
	Running int
	Workers int
}

// A StatusChecker produces Snapshots by running work_queue_status.
type StatusChecker struct {
	Logger logrus.FieldLogger
	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running the status program.
	stubCommand func(string, ...string) *exec.Cmd
}

func (sc *StatusChecker) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := sc.stubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

// Snapshot returns the aggregate state of the given project. It never
// returns an error: if the status program fails or its output can't
// be parsed, the result is the zero Snapshot. Acting on a missing
// backlog costs one idle cycle; acting on malformed counts could
// over-provision.
func (sc *StatusChecker) Snapshot(ctx context.Context, projectName string) Snapshot {
	cmd := sc.command(ctx, "work_queue_status", "-M", projectName)
	out, err := cmd.Output()
	if err != nil {
		sc.Logger.Warnf("work_queue_status: %s", errWithStderr(err))
		return Snapshot{}
	}
	rows, err := parseStatus(out)
	if err != nil {
		sc.Logger.Warnf("work_queue_status: %s", err)
		return Snapshot{}
	}
	var snap Snapshot
	matched := 0
	for _, row := range rows {
		if row.Name != projectName {
			continue
		}
		matched++
		snap.Waiting += row.Waiting
		snap.Running += row.Running
		snap.Workers += row.Workers
	}
	if matched > 1 {
		sc.Logger.Debugf("project %s listed %d times, summing", projectName, matched)
	}
	return snap
}

// parseStatus turns the tabular status listing into typed rows. The
// first line is a header naming the columns; the column order is not
// assumed. Everything downstream of this function is independent of
// the textual format.
func parseStatus(out []byte) ([]statusRow, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	if !scanner.Scan() {
		// No output at all: treat as an empty listing.
		return nil, scanner.Err()
	}
	col := map[string]int{}
	for i, name := range strings.Fields(scanner.Text()) {
		col[strings.ToUpper(name)] = i
	}
	for _, required := range []string{"PROJECT", "WAITING", "RUNNING", "WORKERS"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("status header missing %s column (header %q)", required, scanner.Text())
		}
	}
	var rows []statusRow
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if i := col["PROJECT"]; i >= len(fields) {
			return nil, fmt.Errorf("status row %q has no PROJECT field", scanner.Text())
		}
		row := statusRow{}
		for _, f := range []struct {
			column string
			dst    *int
		}{
			{"WAITING", &row.Waiting},
			{"RUNNING", &row.Running},
			{"WORKERS", &row.Workers},
		} {
			i := col[f.column]
			if i >= len(fields) {
				return nil, fmt.Errorf("status row %q has no %s field", scanner.Text(), f.column)
			}
			n, err := strconv.Atoi(fields[i])
			if err != nil {
				return nil, fmt.Errorf("status row %q: %s value %q is not a number", scanner.Text(), f.column, fields[i])
			}
			*f.dst = n
		}
		row.Name = fields[col["PROJECT"]]
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, err.Stderr)
	}
	return err
}
