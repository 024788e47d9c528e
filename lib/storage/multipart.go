// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/speicher-dev/speicher/lib/rand"
	"github.com/speicher-dev/speicher/lib/s3err"
)

const (
	multipartDirName  = "multipart"
	multipartMetaName = "meta.yaml"

	// MinPartSize is the minimum size of any part but the last at
	// completion time, 5 MiB.
	MinPartSize = 5 << 20

	// MaxPartNumber bounds the part numbers of an upload.
	MaxPartNumber = 10000

	uploadIDLength = 32
)

// MultipartMeta is the sidecar record for an in-progress upload, stored as
// <bucket>/_metadata/multipart/<upload-id>/meta.yaml. Part bodies live
// next to it, one file per part number.
type MultipartMeta struct {
	UploadID  string     `json:"upload_id"`
	Key       string     `json:"key"`
	Initiated time.Time  `json:"initiated"`
	Initiator string     `json:"initiator"`
	Parts     []PartInfo `json:"parts,omitempty"`
}

type PartInfo struct {
	PartNumber   int       `json:"part_number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// A CompletedPart is one entry of the client's CompleteMultipartUpload
// manifest.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

func (s *Store) multipartDir(bucket, uploadID string) string {
	return filepath.Join(s.metadataPath(bucket), multipartDirName, uploadID)
}

// InitiateMultipart creates the staging directory for a new upload and
// returns its upload ID.
func (s *Store) InitiateMultipart(bucket, key, initiator string) (string, error) {
	if _, err := s.BucketMeta(bucket); err != nil {
		return "", err
	}
	// The target key must be resolvable now, not only at completion.
	if _, err := s.objectPath(bucket, key); err != nil {
		return "", err
	}

	uploadID := rand.Base36String(uploadIDLength)
	dir := s.multipartDir(bucket, uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", s3err.Wrap(s3err.CodeInternalError, err)
	}

	meta := MultipartMeta{
		UploadID:  uploadID,
		Key:       key,
		Initiated: time.Now().UTC(),
		Initiator: initiator,
	}
	if err := s.writeMultipartMeta(bucket, uploadID, meta); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	l.Debugf("initiated multipart %s for %s/%s", uploadID, bucket, key)
	return uploadID, nil
}

// UploadPart streams a part body into the staging directory and records it
// in the sidecar, replacing any previous part with the same number.
func (s *Store) UploadPart(bucket, uploadID string, partNumber int, body io.Reader) (string, error) {
	if partNumber < 1 || partNumber > MaxPartNumber {
		return "", s3err.Newf(s3err.CodeInvalidArgument, "Part number must be an integer between 1 and %d.", MaxPartNumber)
	}
	if _, err := s.multipartMeta(bucket, uploadID); err != nil {
		return "", err
	}

	dir := s.multipartDir(bucket, uploadID)
	partPath := filepath.Join(dir, strconv.Itoa(partNumber))

	tmp := tempName(partPath)
	fd, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", s3err.Wrap(s3err.CodeInternalError, err)
	}
	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(fd, hasher), body)
	if err != nil {
		fd.Close()
		os.Remove(tmp)
		var se *s3err.Error
		if errors.As(err, &se) {
			return "", se
		}
		return "", s3err.Wrap(s3err.CodeInternalError, err)
	}
	if err := fd.Close(); err != nil {
		os.Remove(tmp)
		return "", s3err.Wrap(s3err.CodeInternalError, err)
	}
	if err := os.Rename(tmp, partPath); err != nil {
		os.Remove(tmp)
		return "", s3err.Wrap(s3err.CodeInternalError, err)
	}

	etag := etagString(hasher.Sum(nil))

	// The sidecar update is the serialization point for concurrent part
	// uploads of the same upload.
	unlock := s.locks.Lock(uploadLockName(bucket, uploadID))
	defer unlock()

	meta, err := s.multipartMeta(bucket, uploadID)
	if err != nil {
		// Aborted while we streamed; drop the orphan part file.
		os.Remove(partPath)
		return "", err
	}
	part := PartInfo{
		PartNumber:   partNumber,
		Size:         size,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	}
	replaced := false
	for i := range meta.Parts {
		if meta.Parts[i].PartNumber == partNumber {
			meta.Parts[i] = part
			replaced = true
			break
		}
	}
	if !replaced {
		meta.Parts = append(meta.Parts, part)
		sort.Slice(meta.Parts, func(i, j int) bool {
			return meta.Parts[i].PartNumber < meta.Parts[j].PartNumber
		})
	}
	if err := s.writeMultipartMeta(bucket, uploadID, meta); err != nil {
		return "", err
	}

	l.Debugf("uploaded part %d of %s (%d bytes)", partNumber, uploadID, size)
	return etag, nil
}

// CompleteMultipart validates the client's part manifest against the
// staged parts, concatenates them into a temp file and renames it over the
// target key. The composite ETag is the MD5 of the concatenated part MD5
// bytes, suffixed with the part count.
func (s *Store) CompleteMultipart(bucket string, uploadID string, parts []CompletedPart) (ObjectInfo, error) {
	unlock := s.locks.Lock(uploadLockName(bucket, uploadID))
	defer unlock()

	meta, err := s.multipartMeta(bucket, uploadID)
	if err != nil {
		return ObjectInfo{}, err
	}
	if len(parts) == 0 {
		return ObjectInfo{}, s3err.Newf(s3err.CodeMalformedXML, "You must specify at least one part.")
	}

	// The manifest must be strictly ascending before anything else about
	// its entries is judged.
	prev := 0
	for _, cp := range parts {
		if cp.PartNumber <= prev {
			return ObjectInfo{}, s3err.New(s3err.CodeInvalidPartOrder)
		}
		prev = cp.PartNumber
	}

	staged := make(map[int]PartInfo, len(meta.Parts))
	for _, p := range meta.Parts {
		staged[p.PartNumber] = p
	}

	var etagCat []byte
	for i, cp := range parts {
		sp, ok := staged[cp.PartNumber]
		if !ok {
			return ObjectInfo{}, s3err.Newf(s3err.CodeInvalidPart, "Part number %d has not been uploaded.", cp.PartNumber)
		}
		if unquoteETag(cp.ETag) != unquoteETag(sp.ETag) {
			return ObjectInfo{}, s3err.Newf(s3err.CodeInvalidPart, "Part number %d ETag does not match.", cp.PartNumber)
		}
		if i < len(parts)-1 && sp.Size < MinPartSize {
			return ObjectInfo{}, s3err.Newf(s3err.CodeInvalidPart, "Part number %d is smaller than the minimum part size.", cp.PartNumber)
		}

		sum, err := hex.DecodeString(unquoteETag(sp.ETag))
		if err != nil {
			return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
		}
		etagCat = append(etagCat, sum...)
	}

	target, err := s.objectPath(bucket, meta.Key)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}

	tmp := tempName(target)
	fd, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}

	var size int64
	dir := s.multipartDir(bucket, uploadID)
	for _, cp := range parts {
		sp := staged[cp.PartNumber]
		n, err := s.appendPart(fd, filepath.Join(dir, strconv.Itoa(cp.PartNumber)), sp.Size)
		if err != nil {
			fd.Close()
			os.Remove(tmp)
			return ObjectInfo{}, err
		}
		size += n
	}
	if err := fd.Close(); err != nil {
		os.Remove(tmp)
		return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		l.Warnf("Removing multipart staging for %s: %v", uploadID, err)
	}

	csum := md5.Sum(etagCat)
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(csum[:]), len(parts))
	if fi, err := os.Stat(target); err == nil {
		// The composite ETag stays visible on later reads and listings.
		s.storeETag(bucket, meta.Key, etag, fi)
	}

	info := ObjectInfo{
		Key:          meta.Key,
		Size:         size,
		LastModified: time.Now().UTC(),
		ETag:         etag,
		ContentType:  inferContentType(meta.Key),
	}
	l.Debugf("completed multipart %s: %s/%s, %d parts, %d bytes", uploadID, bucket, meta.Key, len(parts), size)
	return info, nil
}

func (s *Store) appendPart(dst io.Writer, path string, wantSize int64) (int64, error) {
	fd, err := os.Open(path)
	if err != nil {
		return 0, s3err.Wrap(s3err.CodeInternalError, err)
	}
	defer fd.Close()

	fi, err := fd.Stat()
	if err != nil {
		return 0, s3err.Wrap(s3err.CodeInternalError, err)
	}
	if fi.Size() != wantSize {
		// Staged file does not match the sidecar record.
		return 0, s3err.Newf(s3err.CodeInvalidPart, "Part size mismatch on disk.")
	}

	n, err := io.Copy(dst, fd)
	if err != nil {
		return n, s3err.Wrap(s3err.CodeInternalError, err)
	}
	return n, nil
}

// AbortMultipart removes the staging directory and everything in it.
// Aborting an unknown upload is NoSuchUpload.
func (s *Store) AbortMultipart(bucket, uploadID string) error {
	unlock := s.locks.Lock(uploadLockName(bucket, uploadID))
	defer unlock()

	if _, err := s.multipartMeta(bucket, uploadID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.multipartDir(bucket, uploadID)); err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}
	l.Debugf("aborted multipart %s in %s", uploadID, bucket)
	return nil
}

// ListParts returns the upload's sidecar record, parts sorted by number.
func (s *Store) ListParts(bucket, uploadID string) (MultipartMeta, error) {
	return s.multipartMeta(bucket, uploadID)
}

// ListMultipartUploads enumerates the in-progress uploads of a bucket,
// sorted by key and then initiation time.
func (s *Store) ListMultipartUploads(bucket string) ([]MultipartMeta, error) {
	if _, err := s.BucketMeta(bucket); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.metadataPath(bucket), multipartDirName)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, s3err.Wrap(s3err.CodeInternalError, err)
	}

	var res []MultipartMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.multipartMeta(bucket, e.Name())
		if err != nil {
			continue
		}
		res = append(res, meta)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Key != res[j].Key {
			return res[i].Key < res[j].Key
		}
		return res[i].Initiated.Before(res[j].Initiated)
	})
	return res, nil
}

func (s *Store) multipartMeta(bucket, uploadID string) (MultipartMeta, error) {
	if _, err := s.BucketMeta(bucket); err != nil {
		return MultipartMeta{}, err
	}
	bs, err := os.ReadFile(filepath.Join(s.multipartDir(bucket, uploadID), multipartMetaName))
	if errors.Is(err, fs.ErrNotExist) {
		return MultipartMeta{}, s3err.New(s3err.CodeNoSuchUpload)
	} else if err != nil {
		return MultipartMeta{}, s3err.Wrap(s3err.CodeInternalError, err)
	}
	var meta MultipartMeta
	if err := yaml.Unmarshal(bs, &meta); err != nil {
		return MultipartMeta{}, s3err.Wrap(s3err.CodeInternalError, err)
	}
	return meta, nil
}

func (s *Store) writeMultipartMeta(bucket, uploadID string, meta MultipartMeta) error {
	bs, err := yaml.Marshal(meta)
	if err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}
	if err := writeFileAtomic(filepath.Join(s.multipartDir(bucket, uploadID), multipartMetaName), bs); err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}
	return nil
}

func unquoteETag(etag string) string {
	return strings.Trim(etag, `"`)
}
