// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/speicher-dev/speicher/lib/auth"
	"github.com/speicher-dev/speicher/lib/config"
	"github.com/speicher-dev/speicher/lib/s3err"
)

// A call carries the state of one classified request through its handler.
type call struct {
	w http.ResponseWriter
	r *http.Request

	op     string
	bucket string
	key    string

	cfg   config.Configuration
	ident *auth.Identity // nil when access was granted by bucket ACL only
}

// registerRoutes wires the S3 surface onto the router. Operations sharing a
// method and path shape are told apart by their marker query parameters.
func (s *Service) registerRoutes(router *httprouter.Router) {
	router.GET("/", s.serviceGET)

	router.GET("/:bucket", s.bucketGET)
	router.PUT("/:bucket", s.bucketPUT)
	router.DELETE("/:bucket", s.bucketDELETE)
	router.HEAD("/:bucket", s.bucketHEAD)
	router.OPTIONS("/:bucket", s.preflight)

	router.GET("/:bucket/*key", s.objectGET)
	router.PUT("/:bucket/*key", s.objectPUT)
	router.POST("/:bucket/*key", s.objectPOST)
	router.DELETE("/:bucket/*key", s.objectDELETE)
	router.HEAD("/:bucket/*key", s.objectHEAD)
	router.OPTIONS("/:bucket/*key", s.preflight)
}

func (s *Service) serviceGET(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.invoke(w, r, "ListBuckets", "", "", false, (*Service).listBuckets)
}

func (s *Service) bucketGET(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	bucket := ps.ByName("bucket")
	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.invoke(w, r, "GetBucketLocation", bucket, "", true, (*Service).getBucketLocation)
	case q.Has("uploads"):
		s.invoke(w, r, "ListMultipartUploads", bucket, "", false, (*Service).listMultipartUploads)
	case q.Get("list-type") == "2":
		s.invoke(w, r, "ListObjectsV2", bucket, "", true, (*Service).listObjectsV2)
	default:
		s.invoke(w, r, "ListObjects", bucket, "", true, (*Service).listObjectsV1)
	}
}

func (s *Service) bucketPUT(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.invoke(w, r, "CreateBucket", ps.ByName("bucket"), "", false, (*Service).createBucket)
}

func (s *Service) bucketDELETE(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.invoke(w, r, "DeleteBucket", ps.ByName("bucket"), "", false, (*Service).deleteBucket)
}

func (s *Service) bucketHEAD(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.invoke(w, r, "HeadBucket", ps.ByName("bucket"), "", true, (*Service).headBucket)
}

func (s *Service) objectGET(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	bucket, key := ps.ByName("bucket"), objectKey(ps)
	if r.URL.Query().Has("uploadId") {
		s.invoke(w, r, "ListParts", bucket, key, false, (*Service).listParts)
		return
	}
	s.invoke(w, r, "GetObject", bucket, key, true, (*Service).getObject)
}

func (s *Service) objectPUT(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	bucket, key := ps.ByName("bucket"), objectKey(ps)
	q := r.URL.Query()
	// UploadPart needs both markers; anything less is a plain PutObject
	// whose query parameters carry no meaning.
	if q.Has("uploadId") && q.Has("partNumber") {
		s.invoke(w, r, "UploadPart", bucket, key, false, (*Service).uploadPart)
		return
	}
	s.invoke(w, r, "PutObject", bucket, key, false, (*Service).putObject)
}

func (s *Service) objectPOST(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	bucket, key := ps.ByName("bucket"), objectKey(ps)
	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.invoke(w, r, "InitiateMultipartUpload", bucket, key, false, (*Service).initiateMultipart)
	case q.Has("uploadId"):
		s.invoke(w, r, "CompleteMultipartUpload", bucket, key, false, (*Service).completeMultipart)
	default:
		s.invoke(w, r, "PostObject", bucket, key, false, func(*Service, *call) error {
			return s3err.New(s3err.CodeMethodNotAllowed)
		})
	}
}

func (s *Service) objectDELETE(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	bucket, key := ps.ByName("bucket"), objectKey(ps)
	if r.URL.Query().Has("uploadId") {
		s.invoke(w, r, "AbortMultipartUpload", bucket, key, false, (*Service).abortMultipart)
		return
	}
	s.invoke(w, r, "DeleteObject", bucket, key, false, (*Service).deleteObject)
}

func (s *Service) objectHEAD(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.invoke(w, r, "HeadObject", ps.ByName("bucket"), objectKey(ps), true, (*Service).headObject)
}

// objectKey extracts the object key from the catch-all parameter, dropping
// the leading slash the router keeps.
func objectKey(ps httprouter.Params) string {
	return strings.TrimPrefix(ps.ByName("key"), "/")
}

// invoke runs the authentication and authorization pipeline for one
// classified operation and dispatches to its handler. anonRead marks
// read-only operations that a bucket ACL may open to unsigned requests.
func (s *Service) invoke(w http.ResponseWriter, r *http.Request, op, bucket, key string, anonRead bool, fn func(*Service, *call) error) {
	t0 := time.Now()
	metricRequestsInFlight.Inc()
	defer metricRequestsInFlight.Dec()

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	c := &call{
		w:      rec,
		r:      r,
		op:     op,
		bucket: bucket,
		key:    key,
		cfg:    s.cfg.Snapshot(),
	}

	err := s.authenticate(c, anonRead)
	if err == nil {
		err = fn(s, c)
	}
	if err != nil {
		s.writeError(rec, r, err)
	}

	metricRequestsTotal.WithLabelValues(op, strconv.Itoa(rec.status)).Inc()
	metricRequestDuration.WithLabelValues(op).Observe(time.Since(t0).Seconds())
	l.Debugf("%s %s %s -> %d (%v)", r.Method, r.URL.Path, op, rec.status, time.Since(t0))
}

// authenticate verifies the request signature and evaluates the identity's
// permission rules against (op, resource). Unsigned read requests may fall
// back to the bucket ACL.
func (s *Service) authenticate(c *call, anonRead bool) error {
	ident, err := s.verifier.Authenticate(c.r, c.cfg)
	if err != nil {
		if anonRead && c.bucket != "" && s3err.Is(err, s3err.CodeAccessDenied) && !isSigned(c.r) {
			if s.aclAllows(c) {
				return nil
			}
		}
		return err
	}

	resource := c.bucket
	if c.key != "" {
		resource = c.bucket + "/" + c.key
	}
	action := strings.TrimSuffix(c.op, "V2")
	if !ident.Allowed(action, resource) {
		return s3err.New(s3err.CodeAccessDenied)
	}

	// A presigned URL substitutes for header authentication, not for the
	// bucket ACL: an IP allowlist on the bucket still binds the caller.
	if ident.Presigned && c.bucket != "" {
		if err := s.presignedACL(c); err != nil {
			return err
		}
	}

	c.ident = ident
	return nil
}

func (s *Service) presignedACL(c *call) error {
	meta, err := s.store.BucketMeta(c.bucket)
	if err != nil {
		// Unknown buckets are reported by the handler, not here.
		return nil
	}
	if len(meta.ACL.AllowedIPs) == 0 {
		return nil
	}
	ip := clientIP(c.r)
	if ip == nil || !auth.CheckACL(meta.ACL, ip) {
		l.Debugf("presigned %s on %s denied by bucket ACL for %s", c.op, c.bucket, c.r.RemoteAddr)
		return s3err.New(s3err.CodeAccessDenied)
	}
	return nil
}

func isSigned(r *http.Request) bool {
	return r.Header.Get("Authorization") != "" || r.URL.Query().Get("X-Amz-Algorithm") != ""
}

// aclAllows checks the bucket ACL against the client address for an
// anonymous read.
func (s *Service) aclAllows(c *call) bool {
	meta, err := s.store.BucketMeta(c.bucket)
	if err != nil {
		return false
	}
	ip := clientIP(c.r)
	if ip == nil {
		return false
	}
	return auth.CheckACL(meta.ACL, ip)
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// writeError renders err as the S3 error document. HEAD responses carry the
// status and headers only.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := s3err.AsError(err)
	se.Resource = r.URL.Path
	se.RequestID = w.Header().Get("x-amz-request-id")

	if se.Code == s3err.CodeInternalError {
		l.Warnf("%s %s: %v", r.Method, r.URL.Path, se)
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(se.HTTPStatus())
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(se.HTTPStatus())
	w.Write(se.Document())
}

// statusRecorder remembers the status code written to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
