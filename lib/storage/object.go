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
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/speicher-dev/speicher/lib/s3err"
)

// ObjectInfo describes a stored object. ETag is the quoted lowercase hex
// MD5 of the content; ContentType is inferred from the key extension and
// empty when nothing is suggested.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
}

// PutObject streams body through an MD5 hashing writer into a temp file
// next to the final path and renames it into place. Concurrent PUTs to the
// same key both succeed; the last rename wins. On any error, including the
// client going away mid-stream, the temp file is removed and no state is
// committed.
func (s *Store) PutObject(bucket, key string, body io.Reader) (ObjectInfo, error) {
	if _, err := s.BucketMeta(bucket); err != nil {
		return ObjectInfo{}, err
	}
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}

	tmp := tempName(p)
	fd, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}

	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(fd, hasher), body)
	if err != nil {
		fd.Close()
		os.Remove(tmp)
		// Body read errors are the client's doing (disconnect, bad chunk
		// signature); pass typed errors through.
		var se *s3err.Error
		if errors.As(err, &se) {
			return ObjectInfo{}, se
		}
		return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}
	if err := fd.Close(); err != nil {
		os.Remove(tmp)
		return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}

	etag := etagString(hasher.Sum(nil))
	if fi, err := os.Stat(p); err == nil {
		s.storeETag(bucket, key, etag, fi)
	}

	info := ObjectInfo{
		Key:          key,
		Size:         size,
		LastModified: time.Now().UTC(),
		ETag:         etag,
		ContentType:  inferContentType(key),
	}
	l.Debugf("put %s/%s: %d bytes, %s", bucket, key, size, info.ETag)
	return info, nil
}

// OpenObject opens the object for reading and returns its info. The caller
// owns the returned file descriptor; a concurrent delete of the key does
// not affect reads from it.
func (s *Store) OpenObject(bucket, key string) (*os.File, ObjectInfo, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	fd, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ObjectInfo{}, s.classifyNotExist(bucket)
	} else if err != nil {
		return nil, ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}

	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
	}
	if fi.IsDir() {
		// A directory is not an object; the key only exists as a common
		// prefix.
		fd.Close()
		return nil, ObjectInfo{}, s3err.New(s3err.CodeNoSuchKey)
	}

	// The ETag was recorded at write time; hashing the content again is
	// the fallback for records lost or invalidated by out-of-band edits.
	etag, ok := s.cachedETag(bucket, key, fi)
	if !ok {
		etag, err = fileETag(fd)
		if err != nil {
			fd.Close()
			return nil, ObjectInfo{}, s3err.Wrap(s3err.CodeInternalError, err)
		}
		s.storeETag(bucket, key, etag, fi)
	}

	return fd, ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
		ETag:         etag,
		ContentType:  inferContentType(key),
	}, nil
}

// StatObject returns object info without holding the file open.
func (s *Store) StatObject(bucket, key string) (ObjectInfo, error) {
	fd, info, err := s.OpenObject(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fd.Close()
	return info, nil
}

// DeleteObject unlinks the object. Deleting a missing key is not an
// error. Empty parent directories are pruned best-effort so cosmetic key
// hierarchies do not accumulate.
func (s *Store) DeleteObject(bucket, key string) error {
	if _, err := s.BucketMeta(bucket); err != nil {
		return err
	}
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}

	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}

	s.removeETag(bucket, key)
	s.pruneEmptyParents(bucket, filepath.Dir(p))
	l.Debugf("deleted %s/%s", bucket, key)
	return nil
}

func (s *Store) pruneEmptyParents(bucket, dir string) {
	root := filepath.Join(s.root, bucket)
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		// Remove fails on non-empty directories, which ends the pruning.
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// etagRecord is the per-object sidecar holding the ETag computed at write
// time. It is valid only while size and mtime still match the file; a
// mismatch means the object was replaced out of band and the ETag must be
// recomputed.
type etagRecord struct {
	ETag  string `json:"etag"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime_ns"`
}

func (s *Store) etagRecordPath(bucket, key string) string {
	return filepath.Join(s.metadataPath(bucket), etagDirName, filepath.FromSlash(key))
}

// storeETag records the object's ETag so reads and listings do not hash
// the content again. Best effort; a lost record just means a recompute on
// the next read.
func (s *Store) storeETag(bucket, key, etag string, fi os.FileInfo) {
	p := s.etagRecordPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		l.Debugf("etag record for %s/%s: %v", bucket, key, err)
		return
	}
	bs, err := yaml.Marshal(etagRecord{
		ETag:  etag,
		Size:  fi.Size(),
		Mtime: fi.ModTime().UnixNano(),
	})
	if err != nil {
		return
	}
	if err := writeFileAtomic(p, bs); err != nil {
		l.Debugf("etag record for %s/%s: %v", bucket, key, err)
	}
}

// cachedETag returns the recorded ETag if it still matches the file's size
// and modification time.
func (s *Store) cachedETag(bucket, key string, fi os.FileInfo) (string, bool) {
	bs, err := os.ReadFile(s.etagRecordPath(bucket, key))
	if err != nil {
		return "", false
	}
	var rec etagRecord
	if err := yaml.Unmarshal(bs, &rec); err != nil {
		return "", false
	}
	if rec.Size != fi.Size() || rec.Mtime != fi.ModTime().UnixNano() {
		return "", false
	}
	return rec.ETag, true
}

// removeETag drops the record for a deleted key and prunes empty record
// directories, mirroring the pruning of the object tree.
func (s *Store) removeETag(bucket, key string) {
	p := s.etagRecordPath(bucket, key)
	os.Remove(p)

	root := filepath.Join(s.metadataPath(bucket), etagDirName)
	dir := filepath.Dir(p)
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// fileETag computes the quoted MD5 of the file content, leaving the read
// offset back at the start.
func fileETag(fd *os.File) (string, error) {
	hasher := md5.New()
	if _, err := io.Copy(hasher, fd); err != nil {
		return "", err
	}
	if _, err := fd.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return etagString(hasher.Sum(nil)), nil
}

func etagString(sum []byte) string {
	return `"` + hex.EncodeToString(sum) + `"`
}

// inferContentType guesses a content type from the key's extension. It
// never fabricates one: unknown extensions yield the empty string and the
// response omits the header.
func inferContentType(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return ""
	}
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return ""
	}
	return ct
}
