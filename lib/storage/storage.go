// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package storage owns the on-disk state: buckets are directories below a
// single root, objects are plain files below their bucket, and everything
// else lives in the per-bucket _metadata subtree. All mutations go through
// a temp-file-then-rename discipline so readers observe either the old or
// the new state, never a partial write.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/speicher-dev/speicher/lib/config"
	"github.com/speicher-dev/speicher/lib/rand"
	"github.com/speicher-dev/speicher/lib/s3err"
)

const (
	// metadataDirName is the reserved directory below each bucket for
	// sidecar state. It is never exposed in listings and does not count
	// towards bucket emptiness.
	metadataDirName = "_metadata"

	bucketMetaName = "bucket.yaml"

	// etagDirName holds per-object ETag records below _metadata, mirroring
	// the object tree.
	etagDirName = "etags"
)

// A Store maps buckets and keys onto a filesystem root and performs all
// I/O on it. It is safe for concurrent use.
type Store struct {
	root  string
	locks *lockMap
}

// New opens a store rooted at the given directory, creating it if needed.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Store{
		root:  abs,
		locks: newLockMap(),
	}, nil
}

// Root returns the absolute storage root path.
func (s *Store) Root() string {
	return s.root
}

// BucketMeta is the sidecar record for a bucket, stored as
// <root>/<bucket>/_metadata/bucket.yaml. A bucket exists iff its directory
// and a parseable metadata file both exist.
type BucketMeta struct {
	Name      string                   `json:"name"`
	Region    string                   `json:"region"`
	CreatedAt time.Time                `json:"created_at"`
	Owner     string                   `json:"owner"`
	ACL       config.ACLConfiguration  `json:"acl"`
	CORS      config.CORSConfiguration `json:"cors"`
}

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

// ValidateBucketName checks the S3 bucket naming rules: 3-63 characters of
// lowercase letters, digits and dashes, not dash-terminated and not shaped
// like an IP address.
func ValidateBucketName(name string) error {
	if !bucketNameRe.MatchString(name) {
		return s3err.New(s3err.CodeInvalidBucketName)
	}
	if net.ParseIP(name) != nil {
		return s3err.New(s3err.CodeInvalidBucketName)
	}
	return nil
}

// validateKey rejects keys that are empty, contain NUL, or traverse out of
// the bucket. The reserved metadata directory is not addressable as a key.
func validateKey(key string) error {
	if key == "" || strings.ContainsRune(key, 0) {
		return s3err.New(s3err.CodeInvalidObjectName)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return s3err.New(s3err.CodeInvalidObjectName)
		}
	}
	if key == metadataDirName || strings.HasPrefix(key, metadataDirName+"/") {
		return s3err.New(s3err.CodeInvalidObjectName)
	}
	return nil
}

func (s *Store) bucketPath(bucket string) (string, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return "", err
	}
	return filepath.Join(s.root, bucket), nil
}

// objectPath resolves (bucket, key) to the backing file path, verifying
// that the result stays below the bucket directory.
func (s *Store) objectPath(bucket, key string) (string, error) {
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return "", err
	}
	if err := validateKey(key); err != nil {
		return "", err
	}
	p := filepath.Join(dir, filepath.FromSlash(key))
	if p != dir && !strings.HasPrefix(p, dir+string(filepath.Separator)) {
		return "", s3err.New(s3err.CodeInvalidObjectName)
	}
	return p, nil
}

func (s *Store) metadataPath(bucket string) string {
	return filepath.Join(s.root, bucket, metadataDirName)
}

// CreateBucket creates the bucket directory and writes its metadata
// sidecar last, preserving the exists-iff-parses invariant. Recreating a
// bucket you already own succeeds without touching the existing metadata;
// a bucket owned by someone else is BucketAlreadyExists.
func (s *Store) CreateBucket(meta BucketMeta) error {
	dir, err := s.bucketPath(meta.Name)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(bucketLockName(meta.Name))
	defer unlock()

	if existing, err := s.loadBucketMeta(meta.Name); err == nil {
		if existing.Owner == meta.Owner {
			l.Debugf("bucket %s already owned by %s", meta.Name, meta.Owner)
			return nil
		}
		return s3err.New(s3err.CodeBucketAlreadyExists)
	}

	if err := os.MkdirAll(filepath.Join(dir, metadataDirName), 0o755); err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}

	bs, err := yaml.Marshal(meta)
	if err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metadataDirName, bucketMetaName), bs); err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}

	l.Debugf("created bucket %s (owner %s)", meta.Name, meta.Owner)
	return nil
}

// DeleteBucket removes an empty bucket. Anything outside the metadata
// subtree counts as content.
func (s *Store) DeleteBucket(bucket string) error {
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(bucketLockName(bucket))
	defer unlock()

	if _, err := s.loadBucketMeta(bucket); err != nil {
		return err
	}

	empty, err := s.bucketIsEmpty(dir)
	if err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}
	if !empty {
		return s3err.New(s3err.CodeBucketNotEmpty)
	}

	// Metadata goes first so a crash cannot leave a directory that looks
	// like a half-alive bucket with stale sidecars.
	if err := os.RemoveAll(filepath.Join(dir, metadataDirName)); err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}

	l.Debugf("deleted bucket %s", bucket)
	return nil
}

func (s *Store) bucketIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name() != metadataDirName {
			return false, nil
		}
	}
	return true, nil
}

// BucketMeta returns the metadata for a bucket, or NoSuchBucket.
func (s *Store) BucketMeta(bucket string) (BucketMeta, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return BucketMeta{}, err
	}
	return s.loadBucketMeta(bucket)
}

func (s *Store) loadBucketMeta(bucket string) (BucketMeta, error) {
	bs, err := os.ReadFile(filepath.Join(s.metadataPath(bucket), bucketMetaName))
	if errors.Is(err, fs.ErrNotExist) {
		return BucketMeta{}, s3err.New(s3err.CodeNoSuchBucket)
	} else if err != nil {
		return BucketMeta{}, s3err.Wrap(s3err.CodeInternalError, err)
	}
	var meta BucketMeta
	if err := yaml.Unmarshal(bs, &meta); err != nil {
		// The invariant says a bucket whose metadata does not parse does
		// not exist.
		l.Warnf("Bucket %s has unparseable metadata: %v", bucket, err)
		return BucketMeta{}, s3err.New(s3err.CodeNoSuchBucket)
	}
	return meta, nil
}

// ListBuckets enumerates all buckets, sorted by name. Directories without
// parseable metadata are skipped.
func (s *Store) ListBuckets() ([]BucketMeta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, s3err.Wrap(s3err.CodeInternalError, err)
	}
	var res []BucketMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.loadBucketMeta(e.Name())
		if err != nil {
			continue
		}
		res = append(res, meta)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// writeFileAtomic writes data to a uniquely named temp file in the target
// directory and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := tempName(path)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// tempName returns a uniquely named sibling of path for staging writes.
func tempName(path string) string {
	return path + "." + rand.String(8) + ".tmp"
}

// classifyNotExist maps an ENOENT on an object path to NoSuchBucket or
// NoSuchKey depending on which segment is missing.
func (s *Store) classifyNotExist(bucket string) *s3err.Error {
	if _, err := s.loadBucketMeta(bucket); err != nil {
		return s3err.New(s3err.CodeNoSuchBucket)
	}
	return s3err.New(s3err.CodeNoSuchKey)
}
