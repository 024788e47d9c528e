// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/speicher-dev/speicher/lib/config"
)

// A Sweeper periodically aborts multipart uploads that have been sitting
// in staging longer than the configured expiry. It runs under the main
// supervisor.
type Sweeper struct {
	store *Store
	cfg   *config.Wrapper
}

func NewSweeper(store *Store, cfg *config.Wrapper) *Sweeper {
	return &Sweeper{store: store, cfg: cfg}
}

func (s *Sweeper) Serve(ctx context.Context) error {
	for {
		interval := s.cfg.Snapshot().Multipart.SweepInterval()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		s.sweep()
	}
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.cfg.Snapshot().Multipart.Expiry())

	buckets, err := s.store.ListBuckets()
	if err != nil {
		l.Warnf("Multipart sweep: %v", err)
		return
	}

	var swept int
	for _, bucket := range buckets {
		uploads, err := s.store.ListMultipartUploads(bucket.Name)
		if err != nil {
			l.Warnf("Multipart sweep of %s: %v", bucket.Name, err)
			continue
		}
		for _, up := range uploads {
			if up.Initiated.After(cutoff) {
				continue
			}
			if err := s.store.AbortMultipart(bucket.Name, up.UploadID); err != nil {
				l.Warnf("Aborting expired upload %s in %s: %v", up.UploadID, bucket.Name, err)
				continue
			}
			l.Infof("Aborted expired multipart upload %s in %s (initiated %v)", up.UploadID, bucket.Name, up.Initiated)
			swept++
		}
	}
	if swept > 0 {
		l.Debugf("multipart sweep removed %d uploads", swept)
	}
}

func (s *Sweeper) String() string {
	return fmt.Sprintf("storage.Sweeper@%p", s)
}
