// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/jhacksman/compymac-sub000/lib/blob"
	"github.com/jhacksman/compymac-sub000/lib/config"
	"github.com/jhacksman/compymac-sub000/lib/process"
	"github.com/jhacksman/compymac-sub000/lib/tracestore"
)

// storeFlags selects the store a command opens.
type storeFlags struct {
	configPath string
	root       string
}

func (f *storeFlags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", os.Getenv(config.EnvVar), "config file (default $"+config.EnvVar+")")
	flagSet.StringVar(&f.root, "root", "", "store directory; overrides paths.root")
}

func (f *storeFlags) load() (*config.Config, error) {
	var cfg *config.Config
	switch {
	case f.configPath != "":
		loaded, err := config.LoadFile(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case f.root != "":
		cfg = config.Default()
	default:
		return nil, errors.New("no store selected: pass --config or --root, or set " + config.EnvVar)
	}
	if f.root != "" {
		cfg.Paths.Root = f.root
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// open opens the selected store. Recovery never runs implicitly from
// the CLI; "recover" is explicit.
func (a *app) open(flags *storeFlags, adjust func(*tracestore.Config)) (*tracestore.Store, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	logger, err := process.NewLogger(a.stderr, level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	storeConfig, err := tracestore.FromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	storeConfig.CloseIncompleteOnOpen = false
	if adjust != nil {
		adjust(&storeConfig)
	}
	return tracestore.Open(a.ctx, storeConfig)
}

func parseHash(arg string) (blob.Hash, error) {
	hash, err := blob.ParseHash(arg)
	if err != nil {
		return blob.Hash{}, fmt.Errorf("invalid artifact hash %q: %w", arg, err)
	}
	return hash, nil
}
