// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// The Committer interface is implemented by objects that need to know about
// or have a say in configuration changes.
//
// When the configuration is about to be replaced, VerifyConfiguration() is
// called for each subscribing object, with the old and new configuration. A
// nil error is returned if the new configuration is acceptable. If any
// subscriber returns an error the replacement is not committed.
//
// If all verification calls return nil, CommitConfiguration() is called for
// each subscribing object. In-flight requests keep whatever snapshot they
// grabbed; only new requests observe the replacement.
type Committer interface {
	VerifyConfiguration(from, to Configuration) error
	CommitConfiguration(from, to Configuration) (handled bool)
	String() string
}

// A Wrapper ties a Configuration to a file on disk and manages replacement
// notifications to registered Committers. The current snapshot is published
// atomically; readers never block writers and vice versa.
type Wrapper struct {
	path     string
	snapshot atomic.Pointer[Configuration]

	subs []Committer
	mut  sync.Mutex
}

// Wrap wraps an existing Configuration structure and ties it to a file on
// disk.
func Wrap(path string, cfg Configuration) *Wrapper {
	w := &Wrapper{path: path}
	w.snapshot.Store(&cfg)
	return w
}

func (w *Wrapper) ConfigPath() string {
	return w.path
}

// Snapshot returns the current configuration snapshot. The returned value
// must be treated as read-only; it is shared with every other caller.
func (w *Wrapper) Snapshot() Configuration {
	return *w.snapshot.Load()
}

// Subscribe registers the given handler to be called on any future
// configuration changes.
func (w *Wrapper) Subscribe(c Committer) {
	w.mut.Lock()
	w.subs = append(w.subs, c)
	w.mut.Unlock()
}

// Unsubscribe de-registers the given handler from any future calls to
// configuration changes.
func (w *Wrapper) Unsubscribe(c Committer) {
	w.mut.Lock()
	for i := range w.subs {
		if w.subs[i] == c {
			copy(w.subs[i:], w.subs[i+1:])
			w.subs[len(w.subs)-1] = nil
			w.subs = w.subs[:len(w.subs)-1]
			break
		}
	}
	w.mut.Unlock()
}

// Replace swaps the current configuration snapshot for the given one,
// running the Verify/Commit cycle on subscribers. It returns true if the
// configuration actually changed.
func (w *Wrapper) Replace(to Configuration) (bool, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	from := *w.snapshot.Load()
	if reflect.DeepEqual(from, to) {
		// No semantic change.
		return false, nil
	}

	for _, sub := range w.subs {
		if err := sub.VerifyConfiguration(from, to); err != nil {
			l.Debugln("rejecting configuration:", sub, err)
			return false, err
		}
	}

	snap := to.Copy()
	w.snapshot.Store(&snap)

	for _, sub := range w.subs {
		sub.CommitConfiguration(from, to)
	}

	return true, nil
}
