// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/jhacksman/compymac-sub000/lib/cli"
	"github.com/jhacksman/compymac-sub000/lib/provenance"
)

func (a *app) lineageCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "lineage",
		Summary: "Show provenance around a span or artifact",
		Description: `Walk a trace's provenance edges from a node in both directions.

A node is written span:<span-id> or artifact:<hash>. Without a node
every edge recorded in the trace is listed.`,
		Usage: "tracestore lineage <trace-id> [span:<id>|artifact:<hash>] [flags]",
		Examples: []cli.Example{
			{
				Description: "What produced an artifact, and what consumed it",
				Command:     "tracestore lineage --root ./store trace-1 artifact:9f86d08...",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("lineage", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Args: cli.RangeArgs(1, 2),
		Run:  func(args []string) error {
			var node provenance.Node
			if len(args) == 2 {
				parsed, err := parseNode(args[1])
				if err != nil {
					return err
				}
				node = parsed
			}
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				edges, err := store.Provenance.Edges(a.ctx, args[0])
				if err != nil {
					return err
				}
				if done, err := output.EmitJSON(a.stdout, edges); done {
					return err
				}
				renderEdges(a.stdout, cli.NewStyles(a.stdout), edges)
				return nil
			}

			lineage, err := store.Provenance.Lineage(a.ctx, args[0], node)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, lineage); done {
				return err
			}
			renderLineage(a.stdout, cli.NewStyles(a.stdout), lineage)
			return nil
		},
	}
}

func parseNode(arg string) (provenance.Node, error) {
	kind, id, ok := strings.Cut(arg, ":")
	if !ok || id == "" {
		return provenance.Node{}, fmt.Errorf("invalid node %q: want span:<id> or artifact:<hash>", arg)
	}
	switch provenance.NodeKind(kind) {
	case provenance.KindSpan:
		return provenance.SpanNode(id), nil
	case provenance.KindArtifact:
		hash, err := parseHash(id)
		if err != nil {
			return provenance.Node{}, err
		}
		return provenance.ArtifactNode(hash), nil
	default:
		return provenance.Node{}, fmt.Errorf("invalid node kind %q: want span or artifact", kind)
	}
}
