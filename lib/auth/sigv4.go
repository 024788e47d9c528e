// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package auth implements AWS Signature Version 4 verification and the
// credential permission model. Verification is complete: the canonical
// request is rebuilt from the wire data, the scoped signing key is derived
// from the configured secret and the signatures are compared in constant
// time.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/speicher-dev/speicher/lib/config"
	"github.com/speicher-dev/speicher/lib/s3err"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	scopeTerminator = "aws4_request"
	serviceName     = "s3"

	unsignedPayload  = "UNSIGNED-PAYLOAD"
	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"

	// emptySHA256 is the SHA-256 hash of the empty string.
	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	amzDateFormat = "20060102T150405Z"
	amzDateShort  = "20060102"

	// maxClockSkew is the allowed difference between the request
	// timestamp and server time for header-signed requests.
	maxClockSkew = 15 * time.Minute

	// maxPresignedExpiry is the longest lifetime a presigned URL may
	// declare, seven days, matching AWS.
	maxPresignedExpiry = 604800

	signingKeyCacheSize = 256
)

// A Verifier checks AWS SigV4 signatures against the credential set of a
// configuration snapshot. Derived signing keys are cached; they only depend
// on (secret, date, region) and are expensive to recompute per request.
type Verifier struct {
	now  func() time.Time
	keys *lru.Cache[string, []byte]
}

func NewVerifier() *Verifier {
	keys, _ := lru.New[string, []byte](signingKeyCacheSize)
	return &Verifier{
		now:  time.Now,
		keys: keys,
	}
}

// scope is the parsed credential scope from either the Authorization header
// or the presigned query parameters.
type scope struct {
	accessKey string
	date      string // YYYYMMDD
	region    string
	service   string

	signedHeaders []string
	signature     string
	amzDate       string // full timestamp, YYYYMMDDTHHMMSSZ
}

// Authenticate verifies the request signature against the credential set in
// cfg and returns the authenticated identity. For streaming chunk-signed
// uploads the request body is replaced with a reader that verifies each
// chunk signature. All returned errors are *s3err.Error.
func (v *Verifier) Authenticate(r *http.Request, cfg config.Configuration) (*Identity, error) {
	hasHeader := strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
	hasQuery := r.URL.Query().Get("X-Amz-Algorithm") != ""

	switch {
	case hasHeader && hasQuery:
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Request carries both an Authorization header and query string authentication.")
	case hasHeader:
		return v.verifyHeader(r, cfg)
	case hasQuery:
		return v.verifyPresigned(r, cfg)
	default:
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Request is not signed.")
	}
}

func (v *Verifier) verifyHeader(r *http.Request, cfg config.Configuration) (*Identity, error) {
	sc, err := parseAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Invalid Authorization header: %v", err)
	}

	cred := cfg.FindCredential(sc.accessKey)
	if cred == nil {
		return nil, s3err.New(s3err.CodeInvalidAccessKeyID)
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Missing X-Amz-Date or Date header.")
	}
	reqTime, err := parseAmzDate(amzDate)
	if err != nil {
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Invalid date format: %s", amzDate)
	}
	if skew := v.now().UTC().Sub(reqTime); skew > maxClockSkew || skew < -maxClockSkew {
		return nil, s3err.New(s3err.CodeRequestTimeTooSkewed)
	}
	if !strings.HasPrefix(amzDate, sc.date) {
		return nil, s3err.New(s3err.CodeSignatureDoesNotMatch)
	}
	sc.amzDate = amzDate

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = emptySHA256
	}

	canonical := canonicalRequest(r, sc.signedHeaders, payloadHash, false)
	if err := v.compareSignature(sc, cred.SecretKey, canonical); err != nil {
		return nil, err
	}

	// For chunk-signed streaming uploads the header signature covers only
	// the metadata; each body chunk carries its own signature chained off
	// the seed signature we just verified.
	if payloadHash == streamingPayload && r.Body != nil {
		key := v.signingKey(cred.SecretKey, sc.date, sc.region, sc.service)
		r.Body = newChunkedReader(r.Body, key, sc.amzDate, sc.credentialScope(), sc.signature)
	}

	return newIdentity(cred, false), nil
}

func (v *Verifier) verifyPresigned(r *http.Request, cfg config.Configuration) (*Identity, error) {
	q := r.URL.Query()

	if algo := q.Get("X-Amz-Algorithm"); algo != algorithm {
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Unsupported signing algorithm: %s", algo)
	}

	sc, err := parseCredentialScope(q.Get("X-Amz-Credential"))
	if err != nil {
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Invalid X-Amz-Credential: %v", err)
	}
	sc.signature = q.Get("X-Amz-Signature")
	sc.amzDate = q.Get("X-Amz-Date")
	if shs := q.Get("X-Amz-SignedHeaders"); shs != "" {
		sc.signedHeaders = strings.Split(shs, ";")
	}
	if sc.signature == "" || sc.amzDate == "" || len(sc.signedHeaders) == 0 {
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Incomplete presigned request.")
	}

	expires, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || expires < 1 || expires > maxPresignedExpiry {
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Invalid X-Amz-Expires value.")
	}

	reqTime, err := parseAmzDate(sc.amzDate)
	if err != nil {
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Invalid X-Amz-Date format.")
	}
	if !strings.HasPrefix(sc.amzDate, sc.date) {
		return nil, s3err.New(s3err.CodeSignatureDoesNotMatch)
	}
	if v.now().UTC().After(reqTime.Add(time.Duration(expires) * time.Second)) {
		return nil, s3err.Newf(s3err.CodeAccessDenied, "Request has expired.")
	}

	cred := cfg.FindCredential(sc.accessKey)
	if cred == nil {
		return nil, s3err.New(s3err.CodeInvalidAccessKeyID)
	}

	// Presigned requests never sign the payload.
	canonical := canonicalRequest(r, sc.signedHeaders, unsignedPayload, true)
	if err := v.compareSignature(sc, cred.SecretKey, canonical); err != nil {
		return nil, err
	}

	return newIdentity(cred, true), nil
}

// compareSignature computes the expected signature for the canonical
// request and compares it to the provided one in constant time.
func (v *Verifier) compareSignature(sc *scope, secret, canonical string) error {
	stringToSign := stringToSign(sc.amzDate, sc.credentialScope(), canonical)
	key := v.signingKey(secret, sc.date, sc.region, sc.service)
	expected := hex.EncodeToString(hmacSHA256(key, stringToSign))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sc.signature)) != 1 {
		l.Debugf("signature mismatch for %s: canonical request:\n%s", sc.accessKey, canonical)
		return s3err.New(s3err.CodeSignatureDoesNotMatch)
	}
	return nil
}

// signingKey derives (or returns the cached) scoped signing key:
// HMAC(HMAC(HMAC(HMAC("AWS4"+secret, date), region), service), "aws4_request").
func (v *Verifier) signingKey(secret, date, region, service string) []byte {
	cacheKey := secret + "\x00" + date + "\x00" + region + "\x00" + service
	if key, ok := v.keys.Get(cacheKey); ok {
		return key
	}

	dateKey := hmacSHA256([]byte("AWS4"+secret), date)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, service)
	key := hmacSHA256(serviceKey, scopeTerminator)

	v.keys.Add(cacheKey, key)
	return key
}

func (sc *scope) credentialScope() string {
	return sc.date + "/" + sc.region + "/" + sc.service + "/" + scopeTerminator
}

// parseAuthorizationHeader parses
// "AWS4-HMAC-SHA256 Credential=AK/date/region/s3/aws4_request, SignedHeaders=a;b, Signature=hex".
func parseAuthorizationHeader(header string) (*scope, error) {
	rest, ok := strings.CutPrefix(header, algorithm+" ")
	if !ok {
		return nil, errStr("unsupported algorithm")
	}

	fields := make(map[string]string, 3)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		name, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		fields[name] = value
	}

	sc, err := parseCredentialScope(fields["Credential"])
	if err != nil {
		return nil, err
	}
	if fields["SignedHeaders"] == "" {
		return nil, errStr("missing SignedHeaders")
	}
	if fields["Signature"] == "" {
		return nil, errStr("missing Signature")
	}
	sc.signedHeaders = strings.Split(fields["SignedHeaders"], ";")
	sc.signature = fields["Signature"]
	return sc, nil
}

// parseCredentialScope parses "<access-key>/<YYYYMMDD>/<region>/s3/aws4_request".
func parseCredentialScope(credential string) (*scope, error) {
	if credential == "" {
		return nil, errStr("missing Credential")
	}
	parts := strings.SplitN(credential, "/", 5)
	if len(parts) != 5 {
		return nil, errStr("malformed credential scope")
	}
	if parts[4] != scopeTerminator {
		return nil, errStr("bad credential scope terminator")
	}
	if parts[3] != serviceName {
		return nil, errStr("bad credential scope service")
	}
	if len(parts[1]) != len(amzDateShort) {
		return nil, errStr("bad credential scope date")
	}
	return &scope{
		accessKey: parts[0],
		date:      parts[1],
		region:    parts[2],
		service:   parts[3],
	}, nil
}

func parseAmzDate(s string) (time.Time, error) {
	if t, err := time.Parse(amzDateFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC1123, s)
}

func stringToSign(amzDate, credentialScope, canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return algorithm + "\n" + amzDate + "\n" + credentialScope + "\n" + hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

type errStr string

func (e errStr) Error() string { return string(e) }
