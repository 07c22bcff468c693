// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/pflag"

	"github.com/jhacksman/compymac-sub000/lib/cli"
	"github.com/jhacksman/compymac-sub000/lib/eventlog"
	"github.com/jhacksman/compymac-sub000/lib/tracestore"
)

func (a *app) tracesCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "traces",
		Summary: "List recorded traces",
		Usage:   "tracestore traces [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("traces", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Args: cli.ExactArgs(0),
		Run:  func(args []string) error {
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			traces, err := store.Events.Traces(a.ctx)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, traces); done {
				return err
			}
			renderTraces(a.stdout, cli.NewStyles(a.stdout), traces)
			return nil
		},
	}
}

func (a *app) treeCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "tree",
		Summary: "Show a trace's span tree",
		Description: `Fold a trace's events into its span tree.

Spans without an end event are shown as incomplete. Events that break
the span lifecycle, such as an end without a start, are listed as
anomalies below the tree.`,
		Usage: "tracestore tree <trace-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tree", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Args: cli.ExactArgs(1),
		Run:  func(args []string) error {
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			tree, err := store.Spans.SpanTree(a.ctx, args[0])
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, tree); done {
				return err
			}
			renderTree(a.stdout, cli.NewStyles(a.stdout), tree)
			return nil
		},
	}
}

func (a *app) timelineCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "timeline",
		Summary: "Show span events and checkpoints in time order",
		Usage:   "tracestore timeline <trace-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("timeline", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Args: cli.ExactArgs(1),
		Run:  func(args []string) error {
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Replay.Timeline(a.ctx, args[0])
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, entries); done {
				return err
			}
			renderTimeline(a.stdout, cli.NewStyles(a.stdout), entries)
			return nil
		},
	}
}

func (a *app) summaryCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	var verify bool
	return &cli.Command{
		Name:    "summary",
		Summary: "Summarize a trace's spans, errors and artifacts",
		Usage:   "tracestore summary <trace-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("summary", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			flagSet.BoolVar(&verify, "verify", false, "re-hash every referenced artifact")
			return flagSet
		},
		Args: cli.ExactArgs(1),
		Run:  func(args []string) error {
			store, err := a.open(&flags, func(cfg *tracestore.Config) {
				cfg.VerifyArtifacts = verify
			})
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := store.Replay.Summary(a.ctx, args[0])
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, summary); done {
				return err
			}
			renderSummary(a.stdout, cli.NewStyles(a.stdout), summary)
			return nil
		},
	}
}

func (a *app) eventsCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	var spanID string
	var limit int
	return &cli.Command{
		Name:    "events",
		Summary: "Print a trace's raw events in sequence order",
		Usage:   "tracestore events <trace-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("events", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			flagSet.StringVar(&spanID, "span", "", "only events of this span")
			flagSet.IntVar(&limit, "limit", 0, "stop after this many events (0 for all)")
			return flagSet
		},
		Args: cli.ExactArgs(1),
		Run:  func(args []string) error {
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			events := store.Events.ReadTrace(a.ctx, args[0])
			if spanID != "" {
				events = store.Events.ReadSpan(a.ctx, args[0], spanID)
			}
			var collected []eventlog.Event
			for event, err := range events {
				if err != nil {
					return err
				}
				collected = append(collected, event)
				if limit > 0 && len(collected) >= limit {
					break
				}
			}
			if done, err := output.EmitJSON(a.stdout, collected); done {
				return err
			}
			renderEvents(a.stdout, cli.NewStyles(a.stdout), collected)
			return nil
		},
	}
}

func (a *app) recoverCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	var reason string
	return &cli.Command{
		Name:    "recover",
		Summary: "Close spans left open by a crashed process",
		Description: `End every incomplete span with status error.

Each closed span gets the attribute recovered=true and the given reason
as its error. Children are closed before their parents. With a trace id
only that trace is repaired; otherwise every trace is.

Run this only when no agent is writing to the store: a live agent's
open spans are indistinguishable from abandoned ones.`,
		Usage: "tracestore recover [trace-id] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("recover", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			flagSet.StringVar(&reason, "reason", tracestore.RecoveryReason, "error recorded on closed spans")
			return flagSet
		},
		Args: cli.RangeArgs(0, 1),
		Run:  func(args []string) error {
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			closed := make(map[string][]string)
			if len(args) == 1 {
				spanIDs, err := store.Spans.CloseIncomplete(a.ctx, args[0], reason)
				if err != nil {
					return err
				}
				if len(spanIDs) > 0 {
					closed[args[0]] = spanIDs
				}
			} else {
				closed, err = store.Recover(a.ctx, reason)
				if err != nil {
					return err
				}
			}
			if done, err := output.EmitJSON(a.stdout, closed); done {
				return err
			}
			renderRecovered(a.stdout, cli.NewStyles(a.stdout), closed)
			return nil
		},
	}
}
