// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/speicher-dev/speicher/lib/s3err"
)

func strReader(s string) io.Reader {
	return strings.NewReader(s)
}

func TestPutGetObject(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	const content = "hello, world\n"
	// MD5 of the content above.
	const wantETag = `"22c3683b094136c3398391ae71b20f04"`

	info, err := s.PutObject("bucket", "greeting.txt", strReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if info.ETag != wantETag {
		t.Errorf("put ETag %s, want %s", info.ETag, wantETag)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("put size %d, want %d", info.Size, len(content))
	}

	fd, info, err := s.OpenObject("bucket", "greeting.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer fd.Close()
	bs, err := io.ReadAll(fd)
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != content {
		t.Errorf("content mismatch: %q", bs)
	}
	if info.ETag != wantETag {
		t.Errorf("get ETag %s, want %s", info.ETag, wantETag)
	}

	// Overwrite; last write wins.
	info, err = s.PutObject("bucket", "greeting.txt", strReader("other"))
	if err != nil {
		t.Fatal(err)
	}
	if info.ETag == wantETag {
		t.Error("ETag should change on overwrite")
	}
	got, err := s.StatObject("bucket", "greeting.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 5 {
		t.Errorf("size after overwrite: %d", got.Size)
	}
}

func TestETagRecords(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	const content = "hello, world\n"
	const wantETag = `"22c3683b094136c3398391ae71b20f04"`
	if _, err := s.PutObject("bucket", "a/greeting.txt", strReader(content)); err != nil {
		t.Fatal(err)
	}

	recPath := s.etagRecordPath("bucket", "a/greeting.txt")
	if _, err := os.Stat(recPath); err != nil {
		t.Fatalf("etag record not written: %v", err)
	}

	// Losing the record only costs a recompute on the next read, which
	// also restores it.
	if err := os.Remove(recPath); err != nil {
		t.Fatal(err)
	}
	info, err := s.StatObject("bucket", "a/greeting.txt")
	if err != nil {
		t.Fatal(err)
	}
	if info.ETag != wantETag {
		t.Errorf("ETag %s, want %s", info.ETag, wantETag)
	}
	if _, err := os.Stat(recPath); err != nil {
		t.Errorf("etag record not restored: %v", err)
	}

	// An out of band replacement of the backing file invalidates the
	// record; the ETag follows the new content.
	objPath := filepath.Join(s.Root(), "bucket", "a", "greeting.txt")
	if err := os.WriteFile(objPath, []byte("tampered body"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(objPath, past, past); err != nil {
		t.Fatal(err)
	}
	info, err = s.StatObject("bucket", "a/greeting.txt")
	if err != nil {
		t.Fatal(err)
	}
	if info.ETag == wantETag {
		t.Error("stale ETag served after out of band change")
	}

	// Deleting the object drops its record tree.
	if err := s.DeleteObject("bucket", "a/greeting.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.metadataPath("bucket"), etagDirName, "a")); !os.IsNotExist(err) {
		t.Errorf("record directory should be pruned, stat: %v", err)
	}
}

func TestGetObjectErrors(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	if _, _, err := s.OpenObject("nosuch", "key"); !s3err.Is(err, s3err.CodeNoSuchBucket) {
		t.Errorf("expected NoSuchBucket, got %v", err)
	}
	if _, _, err := s.OpenObject("bucket", "missing"); !s3err.Is(err, s3err.CodeNoSuchKey) {
		t.Errorf("expected NoSuchKey, got %v", err)
	}

	// A key that only exists as a directory (common prefix) is not an
	// object.
	if _, err := s.PutObject("bucket", "dir/file", strReader("x")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.OpenObject("bucket", "dir"); !s3err.Is(err, s3err.CodeNoSuchKey) {
		t.Errorf("expected NoSuchKey for directory, got %v", err)
	}
}

func TestDeleteObject(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	if _, err := s.PutObject("bucket", "a/b/c.txt", strReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteObject("bucket", "a/b/c.txt"); err != nil {
		t.Fatal(err)
	}

	// Deleting again is idempotent.
	if err := s.DeleteObject("bucket", "a/b/c.txt"); err != nil {
		t.Errorf("second delete: %v", err)
	}

	// Empty parents were pruned, the bucket is deletable.
	if _, err := os.Stat(filepath.Join(s.Root(), "bucket", "a")); !os.IsNotExist(err) {
		t.Errorf("parent directory should be pruned, stat: %v", err)
	}
	if err := s.DeleteBucket("bucket"); err != nil {
		t.Errorf("bucket should be empty: %v", err)
	}
}

func TestDeleteObjectKeepsSiblings(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	for _, key := range []string{"a/one", "a/two"} {
		if _, err := s.PutObject("bucket", key, strReader("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeleteObject("bucket", "a/one"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StatObject("bucket", "a/two"); err != nil {
		t.Errorf("sibling should survive: %v", err)
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header     string
		size       int64
		start, end int64
		err        bool
	}{
		{"bytes=0-4", 100, 0, 4, false},
		{"bytes=10-", 100, 10, 99, false},
		{"bytes=-10", 100, 90, 99, false},
		{"bytes=0-199", 100, 0, 99, false}, // end clamped
		{"bytes=-200", 100, 0, 99, false},  // suffix clamped
		{"bytes=99-99", 100, 99, 99, false},
		{"bytes=100-", 100, 0, 0, true}, // start beyond end of object
		{"bytes=5-4", 100, 0, 0, true},
		{"bytes=-0", 100, 0, 0, true},
		{"bytes=0-4,10-14", 100, 0, 0, true}, // multiple ranges
		{"bits=0-4", 100, 0, 0, true},
		{"bytes=a-b", 100, 0, 0, true},
		{"bytes=-5", 0, 0, 0, true}, // empty object
	}

	for _, tc := range cases {
		br, err := ParseRange(tc.header, tc.size)
		if tc.err {
			if !s3err.Is(err, s3err.CodeInvalidRange) {
				t.Errorf("%q: expected InvalidRange, got %v", tc.header, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.header, err)
			continue
		}
		if br.Start != tc.start || br.End != tc.end {
			t.Errorf("%q: got %d-%d, want %d-%d", tc.header, br.Start, br.End, tc.start, tc.end)
		}
	}
}

func TestContentRange(t *testing.T) {
	br := ByteRange{Start: 10, End: 19}
	if br.Length() != 10 {
		t.Errorf("length %d", br.Length())
	}
	if s := br.ContentRange(100); s != "bytes 10-19/100" {
		t.Errorf("content range %q", s)
	}
}

func TestInferContentType(t *testing.T) {
	// Only extensions from the mime package's builtin table; the system
	// mime.types may add more but we can't rely on it in tests.
	cases := map[string]string{
		"dir/b.html":  "text/html; charset=utf-8",
		"c.json":      "application/json",
		"img.png":     "image/png",
		"noextension": "",
	}
	for key, want := range cases {
		if got := inferContentType(key); got != want {
			t.Errorf("%q: got %q, want %q", key, got, want)
		}
	}
}
