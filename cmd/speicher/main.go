// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command speicher runs a single-node, S3 compatible object storage server
// backed by a plain directory tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"
	_ "go.uber.org/automaxprocs"

	"github.com/speicher-dev/speicher/lib/api"
	"github.com/speicher-dev/speicher/lib/config"
	"github.com/speicher-dev/speicher/lib/logger"
	"github.com/speicher-dev/speicher/lib/storage"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var l = logger.DefaultLogger.NewFacility("main", "Startup and supervision")

type cliOptions struct {
	Config  string `name:"config" short:"c" default:"speicher.yaml" help:"Configuration file path."`
	Verbose bool   `short:"v" help:"Enable debug output for all facilities."`
	Version bool   `help:"Print version and exit."`
}

func main() {
	var opts cliOptions
	kong.Parse(&opts,
		kong.Name("speicher"),
		kong.Description("Single-node S3 compatible object storage."),
		kong.UsageOnError(),
	)

	if opts.Version {
		fmt.Println("speicher", Version)
		return
	}

	if opts.Verbose {
		for facility := range logger.DefaultLogger.Facilities() {
			logger.DefaultLogger.SetDebug(facility, true)
		}
	}

	if err := run(opts); err != nil {
		l.Warnln("Exiting:", err)
		os.Exit(1)
	}
}

func run(opts cliOptions) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	store, err := storage.New(cfg.Snapshot().Storage.Location)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	l.Infoln("speicher", Version, "starting, storage at", store.Root())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup := suture.New("main", suture.Spec{
		EventHook: func(e suture.Event) {
			l.Debugln("supervisor:", e)
		},
	})
	sup.Add(api.New(cfg, store))
	sup.Add(storage.NewSweeper(store, cfg))
	sup.Add(config.NewReloadService(cfg))

	err = sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		l.Infoln("Shutting down")
		return nil
	}
	return err
}
