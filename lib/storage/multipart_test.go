// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package storage

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/speicher-dev/speicher/lib/config"
	"github.com/speicher-dev/speicher/lib/s3err"
)

// testWrapper returns a configuration wrapper with all defaults, good
// enough for the sweeper's expiry and interval lookups.
func testWrapper(t *testing.T) *config.Wrapper {
	t.Helper()
	return config.Wrap("", config.Configuration{})
}

func TestMultipartRoundTrip(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	uploadID, err := s.InitiateMultipart("bucket", "big.bin", "alice")
	if err != nil {
		t.Fatal(err)
	}

	part1 := bytes.Repeat([]byte("a"), MinPartSize)
	part2 := []byte("tail")

	etag1, err := s.UploadPart("bucket", uploadID, 1, bytes.NewReader(part1))
	if err != nil {
		t.Fatal(err)
	}
	etag2, err := s.UploadPart("bucket", uploadID, 2, bytes.NewReader(part2))
	if err != nil {
		t.Fatal(err)
	}

	info, err := s.CompleteMultipart("bucket", uploadID, []CompletedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	if err != nil {
		t.Fatal(err)
	}

	if info.Size != int64(len(part1)+len(part2)) {
		t.Errorf("size %d", info.Size)
	}

	// The composite ETag is the MD5 of the concatenated part MD5s,
	// suffixed with the part count.
	sum1 := md5.Sum(part1)
	sum2 := md5.Sum(part2)
	comp := md5.Sum(append(sum1[:], sum2[:]...))
	want := fmt.Sprintf(`"%s-2"`, hex.EncodeToString(comp[:]))
	if info.ETag != want {
		t.Errorf("ETag %s, want %s", info.ETag, want)
	}

	fd, readInfo, err := s.OpenObject("bucket", "big.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer fd.Close()
	if readInfo.ETag != want {
		t.Errorf("read back ETag %s, want the composite %s", readInfo.ETag, want)
	}
	bs, err := io.ReadAll(fd)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bs, append(part1, part2...)) {
		t.Error("assembled content mismatch")
	}

	// The staging area is gone; the upload is no longer addressable.
	if _, err := s.ListParts("bucket", uploadID); !s3err.Is(err, s3err.CodeNoSuchUpload) {
		t.Errorf("expected NoSuchUpload after completion, got %v", err)
	}
}

func TestMultipartPartReplacement(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	uploadID, err := s.InitiateMultipart("bucket", "obj", "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.UploadPart("bucket", uploadID, 1, strReader("first")); err != nil {
		t.Fatal(err)
	}
	etag, err := s.UploadPart("bucket", uploadID, 1, strReader("second"))
	if err != nil {
		t.Fatal(err)
	}

	meta, err := s.ListParts("bucket", uploadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Parts) != 1 {
		t.Fatalf("expected one part, got %d", len(meta.Parts))
	}
	if meta.Parts[0].ETag != etag || meta.Parts[0].Size != 6 {
		t.Errorf("part not replaced: %+v", meta.Parts[0])
	}

	info, err := s.CompleteMultipart("bucket", uploadID, []CompletedPart{{PartNumber: 1, ETag: etag}})
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 6 {
		t.Errorf("size %d", info.Size)
	}
}

func TestMultipartValidation(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	uploadID, err := s.InitiateMultipart("bucket", "obj", "alice")
	if err != nil {
		t.Fatal(err)
	}
	etag1, err := s.UploadPart("bucket", uploadID, 1, strReader("small"))
	if err != nil {
		t.Fatal(err)
	}
	etag2, err := s.UploadPart("bucket", uploadID, 2, strReader("tail"))
	if err != nil {
		t.Fatal(err)
	}

	// Descending part order. The ordering verdict wins even though the
	// first listed part would also fail the minimum size check.
	_, err = s.CompleteMultipart("bucket", uploadID, []CompletedPart{
		{PartNumber: 2, ETag: etag2},
		{PartNumber: 1, ETag: etag1},
	})
	if !s3err.Is(err, s3err.CodeInvalidPartOrder) {
		t.Errorf("expected InvalidPartOrder, got %v", err)
	}

	// So does a duplicated part number.
	_, err = s.CompleteMultipart("bucket", uploadID, []CompletedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 1, ETag: etag1},
	})
	if !s3err.Is(err, s3err.CodeInvalidPartOrder) {
		t.Errorf("expected InvalidPartOrder for duplicate, got %v", err)
	}

	// Unknown part number.
	_, err = s.CompleteMultipart("bucket", uploadID, []CompletedPart{{PartNumber: 7, ETag: etag1}})
	if !s3err.Is(err, s3err.CodeInvalidPart) {
		t.Errorf("expected InvalidPart, got %v", err)
	}

	// ETag mismatch.
	_, err = s.CompleteMultipart("bucket", uploadID, []CompletedPart{{PartNumber: 1, ETag: `"0000"`}})
	if !s3err.Is(err, s3err.CodeInvalidPart) {
		t.Errorf("expected InvalidPart, got %v", err)
	}

	// A non-final part below the minimum size.
	_, err = s.CompleteMultipart("bucket", uploadID, []CompletedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	if !s3err.Is(err, s3err.CodeInvalidPart) {
		t.Errorf("expected InvalidPart for undersized part, got %v", err)
	}

	// A single undersized part is fine; it is the final one.
	if _, err := s.CompleteMultipart("bucket", uploadID, []CompletedPart{{PartNumber: 1, ETag: etag1}}); err != nil {
		t.Errorf("single small part: %v", err)
	}
}

func TestMultipartAbort(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	uploadID, err := s.InitiateMultipart("bucket", "obj", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UploadPart("bucket", uploadID, 1, strReader("data")); err != nil {
		t.Fatal(err)
	}

	if err := s.AbortMultipart("bucket", uploadID); err != nil {
		t.Fatal(err)
	}
	if err := s.AbortMultipart("bucket", uploadID); !s3err.Is(err, s3err.CodeNoSuchUpload) {
		t.Errorf("expected NoSuchUpload, got %v", err)
	}
	if _, err := s.UploadPart("bucket", uploadID, 2, strReader("late")); !s3err.Is(err, s3err.CodeNoSuchUpload) {
		t.Errorf("expected NoSuchUpload, got %v", err)
	}

	// The target key never came into existence.
	if _, _, err := s.OpenObject("bucket", "obj"); !s3err.Is(err, s3err.CodeNoSuchKey) {
		t.Errorf("expected NoSuchKey, got %v", err)
	}
}

func TestMultipartErrors(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	if _, err := s.InitiateMultipart("nosuch", "obj", "alice"); !s3err.Is(err, s3err.CodeNoSuchBucket) {
		t.Errorf("expected NoSuchBucket, got %v", err)
	}
	if _, err := s.UploadPart("bucket", "bogus", 1, strReader("x")); !s3err.Is(err, s3err.CodeNoSuchUpload) {
		t.Errorf("expected NoSuchUpload, got %v", err)
	}
	uploadID, err := s.InitiateMultipart("bucket", "obj", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UploadPart("bucket", uploadID, 0, strReader("x")); !s3err.Is(err, s3err.CodeInvalidArgument) {
		t.Errorf("expected InvalidArgument for part 0, got %v", err)
	}
	if _, err := s.UploadPart("bucket", uploadID, MaxPartNumber+1, strReader("x")); !s3err.Is(err, s3err.CodeInvalidArgument) {
		t.Errorf("expected InvalidArgument for oversized part number, got %v", err)
	}
	if _, err := s.CompleteMultipart("bucket", uploadID, nil); !s3err.Is(err, s3err.CodeMalformedXML) {
		t.Errorf("expected MalformedXML for empty manifest, got %v", err)
	}
}

func TestListMultipartUploads(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	id1, err := s.InitiateMultipart("bucket", "zebra", "alice")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.InitiateMultipart("bucket", "aardvark", "bob")
	if err != nil {
		t.Fatal(err)
	}

	uploads, err := s.ListMultipartUploads("bucket")
	if err != nil {
		t.Fatal(err)
	}
	if len(uploads) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(uploads))
	}
	// Sorted by key.
	if uploads[0].UploadID != id2 || uploads[1].UploadID != id1 {
		t.Errorf("unexpected order: %s, %s", uploads[0].Key, uploads[1].Key)
	}
}

func TestSweeperExpiry(t *testing.T) {
	s := newTestStore(t)
	mustCreateBucket(t, s, "bucket", "alice")

	oldID, err := s.InitiateMultipart("bucket", "stale", "alice")
	if err != nil {
		t.Fatal(err)
	}
	freshID, err := s.InitiateMultipart("bucket", "fresh", "alice")
	if err != nil {
		t.Fatal(err)
	}

	// Backdate the first upload beyond the expiry.
	meta, err := s.multipartMeta("bucket", oldID)
	if err != nil {
		t.Fatal(err)
	}
	meta.Initiated = time.Now().Add(-48 * time.Hour)
	if err := s.writeMultipartMeta("bucket", oldID, meta); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(s, testWrapper(t))
	sw.sweep()

	if _, err := s.ListParts("bucket", oldID); !s3err.Is(err, s3err.CodeNoSuchUpload) {
		t.Errorf("stale upload should be gone, got %v", err)
	}
	if _, err := s.ListParts("bucket", freshID); err != nil {
		t.Errorf("fresh upload should survive: %v", err)
	}
}
