// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncthing/notify"
)

// debounceWindow is how long we wait after a file event before reloading,
// to let editors finish their write-rename dance.
const debounceWindow = 200 * time.Millisecond

// ReloadService watches the configuration file and SIGHUP and replaces the
// wrapper's snapshot when the file changes. It implements suture.Service.
type ReloadService struct {
	cfg *Wrapper
}

func NewReloadService(cfg *Wrapper) *ReloadService {
	return &ReloadService{cfg: cfg}
}

func (s *ReloadService) Serve(ctx context.Context) error {
	opts := s.cfg.Snapshot().ConfigReload

	var fsEvents chan notify.EventInfo
	if opts.FSEvents {
		fsEvents = make(chan notify.EventInfo, 16)
		if err := notify.Watch(s.cfg.ConfigPath(), fsEvents, notify.Write|notify.Create|notify.Rename); err != nil {
			notify.Stop(fsEvents)
			return fmt.Errorf("watching %s: %w", s.cfg.ConfigPath(), err)
		}
		defer notify.Stop(fsEvents)
	}

	var hup chan os.Signal
	if opts.SIGHUP {
		hup = make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
	}

	if fsEvents == nil && hup == nil {
		// Reloading is disabled; nothing to do until shutdown.
		<-ctx.Done()
		return ctx.Err()
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-fsEvents:
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				fire = debounce.C
			} else {
				debounce.Reset(debounceWindow)
			}

		case <-hup:
			s.reload()

		case <-fire:
			debounce = nil
			fire = nil
			s.reload()
		}
	}
}

func (s *ReloadService) reload() {
	bs, err := os.ReadFile(s.cfg.ConfigPath())
	if err != nil {
		l.Warnln("Config reload failed:", err)
		return
	}
	cfg, err := Parse(bs)
	if err != nil {
		l.Warnln("Config reload failed:", err)
		return
	}
	changed, err := s.cfg.Replace(cfg)
	if err != nil {
		l.Warnln("Config reload rejected:", err)
		return
	}
	if changed {
		l.Infoln("Configuration reloaded")
	} else {
		l.Debugln("configuration unchanged, not reloaded")
	}
}

func (*ReloadService) String() string {
	return "config.ReloadService"
}
