// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/speicher-dev/speicher/lib/s3err"
	"github.com/speicher-dev/speicher/lib/storage"
)

const (
	maxListKeys    = 1000
	maxXMLBodySize = 8 << 20
)

func (s *Service) listBuckets(c *call) error {
	buckets, err := s.store.ListBuckets()
	if err != nil {
		return err
	}

	res := listAllMyBucketsResult{
		Xmlns: xmlNamespace,
		Owner: ownerOf(c.ident.AccessKey),
	}
	for _, b := range buckets {
		res.Buckets = append(res.Buckets, xmlBucket{
			Name:         b.Name,
			CreationDate: iso8601(b.CreatedAt),
		})
	}
	writeXML(c.w, http.StatusOK, res)
	return nil
}

func (s *Service) createBucket(c *call) error {
	region := c.cfg.Region.Default
	if c.r.ContentLength != 0 {
		// An optional CreateBucketConfiguration may name a region.
		var body struct {
			XMLName            xml.Name `xml:"CreateBucketConfiguration"`
			LocationConstraint string   `xml:"LocationConstraint"`
		}
		bs, err := io.ReadAll(io.LimitReader(c.r.Body, maxXMLBodySize))
		if err != nil {
			return s3err.Wrap(s3err.CodeInternalError, err)
		}
		if len(bs) > 0 {
			if err := xml.Unmarshal(bs, &body); err != nil {
				return s3err.New(s3err.CodeMalformedXML)
			}
			if body.LocationConstraint != "" {
				region = body.LocationConstraint
			}
		}
	}

	meta := storage.BucketMeta{
		Name:      c.bucket,
		Region:    region,
		CreatedAt: s.now().UTC(),
		Owner:     c.ident.AccessKey,
		ACL:       c.cfg.DefaultACLs,
		CORS:      c.cfg.DefaultCORS,
	}
	if err := s.store.CreateBucket(meta); err != nil {
		return err
	}

	c.w.Header().Set("Location", "/"+c.bucket)
	c.w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Service) deleteBucket(c *call) error {
	if err := s.store.DeleteBucket(c.bucket); err != nil {
		return err
	}
	c.w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Service) getBucketLocation(c *call) error {
	meta, err := s.store.BucketMeta(c.bucket)
	if err != nil {
		return err
	}
	writeXML(c.w, http.StatusOK, locationConstraint{
		Xmlns:    xmlNamespace,
		Location: meta.Region,
	})
	return nil
}

func (s *Service) headBucket(c *call) error {
	meta, err := s.store.BucketMeta(c.bucket)
	if err != nil {
		return err
	}
	c.w.Header().Set("x-amz-bucket-region", meta.Region)
	c.w.WriteHeader(http.StatusOK)
	return nil
}

// listParams are the query parameters shared by both listing versions.
type listParams struct {
	prefix    string
	delimiter string
	maxKeys   int
}

func parseListParams(r *http.Request) (listParams, error) {
	q := r.URL.Query()
	p := listParams{
		prefix:    q.Get("prefix"),
		delimiter: q.Get("delimiter"),
		maxKeys:   maxListKeys,
	}
	if mk := q.Get("max-keys"); mk != "" {
		// The accepted range is 1..1000; larger values are clamped.
		n, err := strconv.Atoi(mk)
		if err != nil || n < 1 {
			return p, s3err.Newf(s3err.CodeInvalidArgument, "Invalid max-keys value: %s", mk)
		}
		if n > maxListKeys {
			n = maxListKeys
		}
		p.maxKeys = n
	}
	return p, nil
}

func (s *Service) listObjectsV1(c *call) error {
	p, err := parseListParams(c.r)
	if err != nil {
		return err
	}
	marker := c.r.URL.Query().Get("marker")

	page, err := s.store.ListObjects(c.bucket, p.prefix, p.delimiter, marker, p.maxKeys)
	if err != nil {
		return err
	}

	res := listBucketResult{
		Xmlns:       xmlNamespace,
		Name:        c.bucket,
		Prefix:      p.prefix,
		Marker:      marker,
		NextMarker:  page.NextMarker,
		MaxKeys:     p.maxKeys,
		Delimiter:   p.delimiter,
		IsTruncated: page.IsTruncated,
	}
	res.Contents, res.CommonPrefixes = xmlListing(page, c)
	writeXML(c.w, http.StatusOK, res)
	return nil
}

func (s *Service) listObjectsV2(c *call) error {
	p, err := parseListParams(c.r)
	if err != nil {
		return err
	}
	q := c.r.URL.Query()

	// The continuation token is the opaque form of the last emitted entry;
	// it takes precedence over start-after.
	after := q.Get("start-after")
	token := q.Get("continuation-token")
	if token != "" {
		bs, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			return s3err.Newf(s3err.CodeInvalidArgument, "Invalid continuation token.")
		}
		after = string(bs)
	}

	page, err := s.store.ListObjects(c.bucket, p.prefix, p.delimiter, after, p.maxKeys)
	if err != nil {
		return err
	}

	res := listBucketResultV2{
		Xmlns:             xmlNamespace,
		Name:              c.bucket,
		Prefix:            p.prefix,
		StartAfter:        q.Get("start-after"),
		ContinuationToken: token,
		MaxKeys:           p.maxKeys,
		Delimiter:         p.delimiter,
		IsTruncated:       page.IsTruncated,
	}
	if page.IsTruncated {
		res.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(page.NextMarker))
	}
	res.Contents, res.CommonPrefixes = xmlListing(page, c)
	res.KeyCount = len(res.Contents) + len(res.CommonPrefixes)
	writeXML(c.w, http.StatusOK, res)
	return nil
}

func xmlListing(page storage.Page, c *call) ([]xmlObject, []xmlCommonPrefix) {
	owner := xmlOwner{}
	if c.ident != nil {
		owner = ownerOf(c.ident.AccessKey)
	}
	var objs []xmlObject
	for _, o := range page.Objects {
		objs = append(objs, xmlObject{
			Key:          o.Key,
			LastModified: iso8601(o.LastModified),
			ETag:         o.ETag,
			Size:         o.Size,
			StorageClass: "STANDARD",
			Owner:        owner,
		})
	}
	var prefixes []xmlCommonPrefix
	for _, p := range page.CommonPrefixes {
		prefixes = append(prefixes, xmlCommonPrefix{Prefix: p})
	}
	return objs, prefixes
}

func (s *Service) getObject(c *call) error {
	fd, info, err := s.store.OpenObject(c.bucket, c.key)
	if err != nil {
		return err
	}
	defer fd.Close()

	h := c.w.Header()
	h.Set("ETag", info.ETag)
	h.Set("Last-Modified", info.LastModified.Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")
	if info.ContentType != "" {
		h.Set("Content-Type", info.ContentType)
	}

	if rangeHeader := c.r.Header.Get("Range"); rangeHeader != "" {
		br, err := storage.ParseRange(rangeHeader, info.Size)
		if err != nil {
			return err
		}
		if _, err := fd.Seek(br.Start, io.SeekStart); err != nil {
			return s3err.Wrap(s3err.CodeInternalError, err)
		}
		h.Set("Content-Range", br.ContentRange(info.Size))
		h.Set("Content-Length", strconv.FormatInt(br.Length(), 10))
		c.w.WriteHeader(http.StatusPartialContent)
		io.CopyN(c.w, fd, br.Length())
		return nil
	}

	h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	c.w.WriteHeader(http.StatusOK)
	io.Copy(c.w, fd)
	return nil
}

func (s *Service) headObject(c *call) error {
	info, err := s.store.StatObject(c.bucket, c.key)
	if err != nil {
		return err
	}
	h := c.w.Header()
	h.Set("ETag", info.ETag)
	h.Set("Last-Modified", info.LastModified.Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if info.ContentType != "" {
		h.Set("Content-Type", info.ContentType)
	}
	c.w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Service) putObject(c *call) error {
	info, err := s.store.PutObject(c.bucket, c.key, c.r.Body)
	if err != nil {
		return err
	}
	c.w.Header().Set("ETag", info.ETag)
	c.w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Service) deleteObject(c *call) error {
	if err := s.store.DeleteObject(c.bucket, c.key); err != nil {
		return err
	}
	c.w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Service) initiateMultipart(c *call) error {
	uploadID, err := s.store.InitiateMultipart(c.bucket, c.key, c.ident.AccessKey)
	if err != nil {
		return err
	}
	writeXML(c.w, http.StatusOK, initiateMultipartUploadResult{
		Xmlns:    xmlNamespace,
		Bucket:   c.bucket,
		Key:      c.key,
		UploadID: uploadID,
	})
	return nil
}

func (s *Service) uploadPart(c *call) error {
	q := c.r.URL.Query()
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil {
		return s3err.Newf(s3err.CodeInvalidArgument, "Invalid partNumber value.")
	}
	etag, err := s.store.UploadPart(c.bucket, q.Get("uploadId"), partNumber, c.r.Body)
	if err != nil {
		return err
	}
	c.w.Header().Set("ETag", etag)
	c.w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Service) completeMultipart(c *call) error {
	bs, err := io.ReadAll(io.LimitReader(c.r.Body, maxXMLBodySize))
	if err != nil {
		return s3err.Wrap(s3err.CodeInternalError, err)
	}
	var req completeMultipartUpload
	if err := xml.Unmarshal(bs, &req); err != nil {
		return s3err.New(s3err.CodeMalformedXML)
	}
	parts := make([]storage.CompletedPart, len(req.Parts))
	for i, p := range req.Parts {
		parts[i] = storage.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	info, err := s.store.CompleteMultipart(c.bucket, c.r.URL.Query().Get("uploadId"), parts)
	if err != nil {
		return err
	}

	writeXML(c.w, http.StatusOK, completeMultipartUploadResult{
		Xmlns:    xmlNamespace,
		Location: "http://" + c.r.Host + "/" + c.bucket + "/" + c.key,
		Bucket:   c.bucket,
		Key:      c.key,
		ETag:     info.ETag,
	})
	return nil
}

func (s *Service) abortMultipart(c *call) error {
	if err := s.store.AbortMultipart(c.bucket, c.r.URL.Query().Get("uploadId")); err != nil {
		return err
	}
	c.w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Service) listParts(c *call) error {
	meta, err := s.store.ListParts(c.bucket, c.r.URL.Query().Get("uploadId"))
	if err != nil {
		return err
	}
	res := listPartsResult{
		Xmlns:     xmlNamespace,
		Bucket:    c.bucket,
		Key:       meta.Key,
		UploadID:  meta.UploadID,
		Initiator: ownerOf(meta.Initiator),
		Owner:     ownerOf(meta.Initiator),
	}
	for _, p := range meta.Parts {
		res.Parts = append(res.Parts, xmlPart{
			PartNumber:   p.PartNumber,
			LastModified: iso8601(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}
	writeXML(c.w, http.StatusOK, res)
	return nil
}

func (s *Service) listMultipartUploads(c *call) error {
	uploads, err := s.store.ListMultipartUploads(c.bucket)
	if err != nil {
		return err
	}
	res := listMultipartUploadsResult{
		Xmlns:  xmlNamespace,
		Bucket: c.bucket,
	}
	for _, up := range uploads {
		res.Uploads = append(res.Uploads, xmlUpload{
			Key:       up.Key,
			UploadID:  up.UploadID,
			Initiator: ownerOf(up.Initiator),
			Owner:     ownerOf(up.Initiator),
			Initiated: iso8601(up.Initiated),
		})
	}
	writeXML(c.w, http.StatusOK, res)
	return nil
}

// preflight answers CORS preflight requests from the bucket's stored CORS
// rules, falling back to the configured defaults for unknown buckets.
// Browsers send preflights without credentials, so no signature is checked.
func (s *Service) preflight(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	cors := s.cfg.Snapshot().DefaultCORS
	if meta, err := s.store.BucketMeta(ps.ByName("bucket")); err == nil {
		cors = meta.CORS
	}

	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(cors.AllowedOrigins, origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	methods := cors.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPost, http.MethodDelete}
	}
	if reqMethod := r.Header.Get("Access-Control-Request-Method"); reqMethod != "" && !containsFold(methods, reqMethod) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	h.Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusOK)
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func ownerOf(accessKey string) xmlOwner {
	return xmlOwner{ID: accessKey, DisplayName: accessKey}
}
