// Copyright (C) The CyVerse GIS Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmd helps define command line commands (and subcommands)
// that can be assembled into one binary.
package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
)

// A Handler is a command that runs with the given args, and returns
// an exit code.
type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// HandlerFunc is a Handler that wraps a plain func.
type HandlerFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

// RunCommand implements Handler.
func (f HandlerFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

// Version is a Handler that prints the given version string.
type Version string

// RunCommand implements Handler.
func (v Version) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog = strings.TrimSuffix(prog, " -version")
	prog = strings.TrimSuffix(prog, " --version")
	prog = strings.TrimSuffix(prog, " version")
	fmt.Fprintf(stdout, "%s %s\n", filepath.Base(prog), v)
	return 0
}

// Multi is a Handler that looks up its first argument in a map, and
// invokes the resulting Handler with the remaining args. If the
// program is installed under a name that matches a map entry, that
// entry is used without consuming an argument.
type Multi map[string]Handler

// RunCommand implements Handler.
func (m Multi) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, basename := filepath.Split(prog)
	if cmd, ok := m[basename]; ok {
		return cmd.RunCommand(prog, args, stdin, stdout, stderr)
	} else if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: %s command [args]\n", prog)
		m.Usage(stderr)
		return 2
	} else if cmd, ok = m[args[0]]; ok {
		return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
	} else {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		m.Usage(stderr)
		return 2
	}
}

func (m Multi) Usage(stderr io.Writer) {
	fmt.Fprintf(stderr, "\nAvailable commands:\n")
	m.listSubcommands(stderr, "")
}

func (m Multi) listSubcommands(out io.Writer, prefix string) {
	var subcommands []string
	for sc := range m {
		if strings.HasPrefix(sc, "-") {
			// Some subcommands have alternate versions
			// like "--version" for compatibility. Don't
			// clutter the subcommand summary with those.
			continue
		}
		subcommands = append(subcommands, sc)
	}
	sort.Strings(subcommands)
	for _, sc := range subcommands {
		if prefix != "" {
			sc = prefix + " " + sc
		}
		if cmd, ok := m[sc].(Multi); ok {
			cmd.listSubcommands(out, sc)
		} else {
			fmt.Fprintf(out, "    %s\n", sc)
		}
	}
}
