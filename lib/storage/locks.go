// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package storage

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// lockMap hands out in-process advisory locks keyed by name. Locks cover
// metadata transitions only (bucket create/delete, multipart sidecar
// updates); object bodies go to uniquely named temp files and need none.
type lockMap struct {
	locks *xsync.MapOf[string, *sync.Mutex]
}

func newLockMap() *lockMap {
	return &lockMap{locks: xsync.NewMapOf[string, *sync.Mutex]()}
}

// Lock acquires the named lock and returns the unlock function.
func (m *lockMap) Lock(name string) func() {
	mut, _ := m.locks.LoadOrStore(name, &sync.Mutex{})
	mut.Lock()
	return mut.Unlock
}

func bucketLockName(bucket string) string {
	return "bucket/" + bucket
}

func uploadLockName(bucket, uploadID string) string {
	return "upload/" + bucket + "/" + uploadID
}
