// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/speicher-dev/speicher/lib/s3err"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustCreateBucket(t *testing.T, s *Store, name, owner string) {
	t.Helper()
	err := s.CreateBucket(BucketMeta{
		Name:      name,
		Region:    "de-muc-01",
		CreatedAt: time.Now().UTC(),
		Owner:     owner,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBucketLifecycle(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.BucketMeta("photos"); !s3err.Is(err, s3err.CodeNoSuchBucket) {
		t.Errorf("expected NoSuchBucket, got %v", err)
	}

	mustCreateBucket(t, s, "photos", "alice")

	meta, err := s.BucketMeta("photos")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Owner != "alice" || meta.Region != "de-muc-01" {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	// Same owner recreating it succeeds without clobbering the existing
	// metadata; someone else gets the conflict.
	if err := s.CreateBucket(BucketMeta{Name: "photos", Owner: "alice"}); err != nil {
		t.Errorf("same owner recreate: %v", err)
	}
	meta, err = s.BucketMeta("photos")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Region != "de-muc-01" {
		t.Errorf("metadata clobbered on recreate: %+v", meta)
	}
	err = s.CreateBucket(BucketMeta{Name: "photos", Owner: "bob"})
	if !s3err.Is(err, s3err.CodeBucketAlreadyExists) {
		t.Errorf("expected BucketAlreadyExists, got %v", err)
	}

	if _, err := s.PutObject("photos", "a.txt", strReader("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteBucket("photos"); !s3err.Is(err, s3err.CodeBucketNotEmpty) {
		t.Errorf("expected BucketNotEmpty, got %v", err)
	}

	if err := s.DeleteObject("photos", "a.txt"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteBucket("photos"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.BucketMeta("photos"); !s3err.Is(err, s3err.CodeNoSuchBucket) {
		t.Errorf("expected NoSuchBucket after delete, got %v", err)
	}
}

func TestValidateBucketName(t *testing.T) {
	valid := []string{"abc", "my-bucket", "bucket123", "0-0-0"}
	for _, name := range valid {
		if err := ValidateBucketName(name); err != nil {
			t.Errorf("%q should be valid: %v", name, err)
		}
	}

	invalid := []string{
		"",
		"ab",                     // too short
		"UPPER",                  // uppercase
		"-leading",               // leading dash
		"trailing-",              // trailing dash
		"under_score",            // underscore
		"192.168.1.1",            // IP shaped
		"dots.are.rejected",      // dots
		"x" + string(longName()), // too long
	}
	for _, name := range invalid {
		if err := ValidateBucketName(name); err == nil {
			t.Errorf("%q should be invalid", name)
		}
	}
}

func longName() []byte {
	bs := make([]byte, 64)
	for i := range bs {
		bs[i] = 'a'
	}
	return bs
}

func TestValidateKey(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	bad := []string{
		"",
		"../escape",
		"a/../../escape",
		"_metadata",
		"_metadata/bucket.yaml",
		"nul\x00byte",
	}
	for _, key := range bad {
		if _, err := s.PutObject("bucket", key, strReader("x")); !s3err.Is(err, s3err.CodeInvalidObjectName) {
			t.Errorf("key %q: expected InvalidObjectName, got %v", key, err)
		}
	}

	// Dots inside segments are fine, as are deep hierarchies.
	good := []string{"a.txt", "a/b/c/d.bin", "weird..but/fine", "trailing./ok"}
	for _, key := range good {
		if _, err := s.PutObject("bucket", key, strReader("x")); err != nil {
			t.Errorf("key %q: %v", key, err)
		}
	}
}

func TestBucketMetadataUnparseable(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	metaFile := filepath.Join(s.Root(), "bucket", metadataDirName, bucketMetaName)
	if err := os.WriteFile(metaFile, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A bucket whose metadata does not parse does not exist.
	if _, err := s.BucketMeta("bucket"); !s3err.Is(err, s3err.CodeNoSuchBucket) {
		t.Errorf("expected NoSuchBucket, got %v", err)
	}
}

func TestListBuckets(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"zulu", "alpha", "mike"} {
		mustCreateBucket(t, s, name, "alice")
	}

	// A stray directory without metadata is not a bucket.
	if err := os.Mkdir(filepath.Join(s.Root(), "stray"), 0o755); err != nil {
		t.Fatal(err)
	}

	buckets, err := s.ListBuckets()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, b := range buckets {
		names = append(names, b.Name)
	}
	want := []string{"alpha", "mike", "zulu"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("got %v, want %v", names, want)
			break
		}
	}
}
