// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/pflag"

	"github.com/jhacksman/compymac-sub000/lib/checkpoint"
	"github.com/jhacksman/compymac-sub000/lib/cli"
)

// checkpointListing is the result of "checkpoints".
type checkpointListing struct {
	Status      checkpoint.TraceStatus  `json:"status"`
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
}

// ancestryListing is the result of "ancestry".
type ancestryListing struct {
	Ancestry []checkpoint.Checkpoint `json:"ancestry"`
	Children []checkpoint.Checkpoint `json:"children"`
}

func (a *app) checkpointsCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "checkpoints",
		Summary: "List a trace's checkpoints and lifecycle state",
		Usage:   "tracestore checkpoints <trace-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("checkpoints", pflag.ContinueOnError)
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

			status, err := store.Checkpoints.TraceState(a.ctx, args[0])
			if err != nil {
				return err
			}
			checkpoints, err := store.Checkpoints.List(a.ctx, args[0])
			if err != nil {
				return err
			}
			listing := checkpointListing{Status: status, Checkpoints: checkpoints}
			if done, err := output.EmitJSON(a.stdout, listing); done {
				return err
			}
			renderCheckpoints(a.stdout, cli.NewStyles(a.stdout), listing)
			return nil
		},
	}
}

func (a *app) ancestryCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "ancestry",
		Summary: "Show a checkpoint's parent chain and children",
		Description: `Walk parent links from a checkpoint back to its root.

The chain follows branches: a branched trace's first checkpoint has the
checkpoint it was branched from as its parent, so the ancestry of any
checkpoint on a branch ends in the source trace.`,
		Usage: "tracestore ancestry <checkpoint-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("ancestry", pflag.ContinueOnError)
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

			ancestry, err := store.Checkpoints.Ancestry(a.ctx, args[0])
			if err != nil {
				return err
			}
			children, err := store.Checkpoints.Children(a.ctx, args[0])
			if err != nil {
				return err
			}
			listing := ancestryListing{Ancestry: ancestry, Children: children}
			if done, err := output.EmitJSON(a.stdout, listing); done {
				return err
			}
			renderAncestry(a.stdout, cli.NewStyles(a.stdout), listing)
			return nil
		},
	}
}

func (a *app) diffCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "diff",
		Summary: "Compare the states of two checkpoints",
		Description: `Compare two checkpoint states.

JSON and CBOR states are compared structurally and each change is
reported with its JSON Pointer path. Other states are compared as
bytes. A state whose artifact is missing or corrupt is reported as
unavailable instead of failing the command.`,
		Usage: "tracestore diff <from-checkpoint> <to-checkpoint> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("diff", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Args: cli.ExactArgs(2),
		Run:  func(args []string) error {
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			diff, err := store.Replay.DiffCheckpoints(a.ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, diff); done {
				return err
			}
			renderDiff(a.stdout, cli.NewStyles(a.stdout), diff)
			return nil
		},
	}
}
