// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/jhacksman/compymac-sub000/lib/artifact"
	"github.com/jhacksman/compymac-sub000/lib/cli"
)

// verifyResult is the result of "artifact verify".
type verifyResult struct {
	Hash  string `json:"hash"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (a *app) artifactCommand() *cli.Command {
	return &cli.Command{
		Name:    "artifact",
		Summary: "Inspect and store content-addressed artifacts",
		Subcommands: []*cli.Command{
			a.artifactStatCommand(),
			a.artifactCatCommand(),
			a.artifactVerifyCommand(),
			a.artifactPutCommand(),
		},
	}
}

func (a *app) artifactStatCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "stat",
		Summary: "Show an artifact's metadata",
		Usage:   "tracestore artifact stat <hash> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stat", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Args: cli.ExactArgs(1),
		Run:  func(args []string) error {
			hash, err := parseHash(args[0])
			if err != nil {
				return err
			}
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			stored, err := store.Artifacts.Stat(a.ctx, hash)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, stored); done {
				return err
			}
			renderArtifact(a.stdout, cli.NewStyles(a.stdout), stored)
			return nil
		},
	}
}

func (a *app) artifactCatCommand() *cli.Command {
	var flags storeFlags
	return &cli.Command{
		Name:    "cat",
		Summary: "Write an artifact's content to stdout",
		Description: `Stream an artifact's plaintext to stdout.

Content is verified against its hash as it streams. On a mismatch the
command fails, but bytes already written are not retracted.`,
		Usage: "tracestore artifact cat <hash> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("cat", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			return flagSet
		},
		Args: cli.ExactArgs(1),
		Run:  func(args []string) error {
			hash, err := parseHash(args[0])
			if err != nil {
				return err
			}
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			_, err = store.Artifacts.Open(a.ctx, hash, a.stdout)
			return err
		},
	}
}

func (a *app) artifactVerifyCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "verify",
		Summary: "Re-hash an artifact and check it against its address",
		Usage:   "tracestore artifact verify <hash> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Args: cli.ExactArgs(1),
		Run:  func(args []string) error {
			hash, err := parseHash(args[0])
			if err != nil {
				return err
			}
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			result := verifyResult{Hash: hash.String(), OK: true}
			if err := store.Artifacts.Verify(a.ctx, hash); err != nil {
				result.OK = false
				result.Error = err.Error()
			}
			if done, err := output.EmitJSON(a.stdout, result); done {
				if err != nil {
					return err
				}
			} else {
				renderVerify(a.stdout, cli.NewStyles(a.stdout), result)
			}
			if !result.OK {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func (a *app) artifactPutCommand() *cli.Command {
	var flags storeFlags
	var output cli.JSONOutput
	var artifactType, contentType string
	return &cli.Command{
		Name:    "put",
		Summary: "Store a file (or stdin) as an artifact",
		Description: `Store content and print its hash.

Storing content that is already present returns the existing record.
Use "-" or omit the path to read stdin.`,
		Usage: "tracestore artifact put [path] [flags]",
		Examples: []cli.Example{
			{
				Description: "Store a tool's output",
				Command:     "tracestore artifact put --root ./store --type tool_output out.txt",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("put", pflag.ContinueOnError)
			flags.AddFlags(flagSet)
			output.AddFlag(flagSet)
			flagSet.StringVar(&artifactType, "type", "", "artifact type, such as tool_output (required)")
			flagSet.StringVar(&contentType, "content-type", "", "MIME type of the content")
			return flagSet
		},
		Args: cli.RangeArgs(0, 1),
		Run:  func(args []string) error {
			if artifactType == "" {
				return fmt.Errorf("--type is required")
			}
			var content io.Reader = a.stdin
			if len(args) == 1 && args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening %s: %w", args[0], err)
				}
				defer file.Close()
				content = file
			}
			store, err := a.open(&flags, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			stored, err := store.Artifacts.StoreStream(a.ctx, artifact.StoreRequest{
				Type:        artifactType,
				ContentType: contentType,
			}, content)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, stored); done {
				return err
			}
			fmt.Fprintln(a.stdout, stored.Hash)
			return nil
		},
	}
}
