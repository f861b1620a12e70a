// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genetest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// version is overridden at build time with
// -ldflags "-X github.com/epistat/genetest.version=...".
var version = "dev"

type handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

var commands = map[string]handler{
	"version":   versionCommand{},
	"-version":  versionCommand{},
	"--version": versionCommand{},

	"assoc":       &assoc{},
	"null-model":  &nullModelCmd{},
	"merge-stats": &mergeStats{},
	"pca":         &pcaCmd{},
	"dumpgob":     &dumpGob{},
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// RunCommand runs the subcommand named by args[0].
func RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: %s command [options]\n\ncommands:\n", prog)
		listCommands(stderr)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n\ncommands:\n", prog, args[0])
		listCommands(stderr)
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func listCommands(w io.Writer) {
	var names []string
	for name := range commands {
		if strings.HasPrefix(name, "-") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", name)
	}
}

type versionCommand struct{}

func (versionCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if f := strings.Fields(prog); len(f) > 0 {
		prog = filepath.Base(f[0])
	}
	fmt.Fprintf(stdout, "%s %s (%s)\n", prog, version, runtime.Version())
	return 0
}
