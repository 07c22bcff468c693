// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Tracestore is the operator CLI for a trace store: it renders span
// trees, timelines and summaries, browses checkpoints and artifacts,
// and closes spans left open by a crashed agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jhacksman/compymac-sub000/lib/cli"
	"github.com/jhacksman/compymac-sub000/lib/process"
	"github.com/jhacksman/compymac-sub000/lib/version"
)

func main() {
	if err := run(); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{ctx: ctx, stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	return app.root().Execute(os.Args[1:])
}

// app carries the process context and standard streams into every
// command.
type app struct {
	ctx    context.Context
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:    "tracestore",
		Summary: "Inspect and repair an agent trace store",
		Description: `Inspect an agent trace store.

Every command opens the store named by --config (default
$TRACESTORE_CONFIG) or by --root. Read commands never modify the store;
only "recover" and "artifact put" write.`,
		HelpOutput: a.stderr,
		Subcommands: []*cli.Command{
			a.tracesCommand(),
			a.treeCommand(),
			a.timelineCommand(),
			a.summaryCommand(),
			a.eventsCommand(),
			a.checkpointsCommand(),
			a.ancestryCommand(),
			a.diffCommand(),
			a.artifactCommand(),
			a.lineageCommand(),
			a.recoverCommand(),
			a.versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "List traces", Command: "tracestore traces --root ~/.cache/compymac/tracestore"},
			{Description: "Show where a trace failed", Command: "tracestore summary trace-1 --verify"},
			{Description: "Compare two checkpoints", Command: "tracestore diff 0190a1b2-... 0190a1b3-..."},
		},
	}
}

func (a *app) versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print build information",
		Run: func(args []string) error {
			_, err := fmt.Fprintf(a.stdout, "tracestore %s\n", version.Full())
			return err
		},
	}
}
