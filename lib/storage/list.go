// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package storage

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/speicher-dev/speicher/lib/s3err"
)

// A Page is one page of a bucket listing. Keys and common prefixes are
// interleaved in lexicographic order and together count towards the page
// size. NextMarker is the last emitted entry when the page is truncated.
type Page struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

type listEntry struct {
	name     string
	isPrefix bool
}

// ListObjects enumerates the objects of a bucket whose keys start with
// prefix, in key order, starting strictly after the given marker. When
// delimiter is non-empty, keys whose remainder after prefix contains the
// delimiter are grouped into a common prefix up to and including its first
// occurrence. maxKeys must be in [1,1000].
func (s *Store) ListObjects(bucket, prefix, delimiter, after string, maxKeys int) (Page, error) {
	if _, err := s.BucketMeta(bucket); err != nil {
		return Page{}, err
	}
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return Page{}, err
	}

	seen := make(map[string]struct{})
	var entries []listEntry

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// The tree may mutate under us; skip what disappeared.
			return nil
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil || rel == "." {
			return nil
		}
		key := filepath.ToSlash(rel)

		if d.IsDir() {
			if key == metadataDirName {
				return filepath.SkipDir
			}
			// Prune subtrees that cannot contain matching keys, and
			// subtrees wholly covered by an already emitted common
			// prefix.
			sub := key + "/"
			if !strings.HasPrefix(sub, prefix) && !strings.HasPrefix(prefix, sub) {
				return filepath.SkipDir
			}
			if delimiter != "" && strings.HasPrefix(sub, prefix) {
				if cp, ok := commonPrefix(sub, prefix, delimiter); ok {
					if _, dup := seen[cp]; !dup {
						seen[cp] = struct{}{}
						entries = append(entries, listEntry{name: cp, isPrefix: true})
					}
					if cp == sub {
						return filepath.SkipDir
					}
				}
			}
			return nil
		}

		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		if delimiter != "" {
			if cp, ok := commonPrefix(key, prefix, delimiter); ok {
				if _, dup := seen[cp]; !dup {
					seen[cp] = struct{}{}
					entries = append(entries, listEntry{name: cp, isPrefix: true})
				}
				return nil
			}
		}
		entries = append(entries, listEntry{name: key})
		return nil
	})
	if err != nil {
		return Page{}, s3err.Wrap(s3err.CodeInternalError, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var page Page
	for _, e := range entries {
		if after != "" && e.name <= after {
			continue
		}
		if len(page.Objects)+len(page.CommonPrefixes) >= maxKeys {
			page.IsTruncated = true
			break
		}
		if e.isPrefix {
			page.CommonPrefixes = append(page.CommonPrefixes, e.name)
			page.NextMarker = e.name
			continue
		}
		info, err := s.StatObject(bucket, e.name)
		if err != nil {
			// Deleted between walk and stat; not our problem.
			continue
		}
		page.Objects = append(page.Objects, info)
		page.NextMarker = e.name
	}
	if !page.IsTruncated {
		page.NextMarker = ""
	}

	return page, nil
}

// commonPrefix reports the delimiter group for key under prefix: the part
// of the key up to and including the first delimiter after the prefix.
func commonPrefix(key, prefix, delimiter string) (string, bool) {
	remainder := strings.TrimPrefix(key, prefix)
	idx := strings.Index(remainder, delimiter)
	if idx < 0 {
		return "", false
	}
	return prefix + remainder[:idx+len(delimiter)], true
}
