// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package auth

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// canonicalRequest rebuilds the canonical request string from the wire
// data. For presigned requests the X-Amz-Signature parameter is excluded
// from the canonical query string.
func canonicalRequest(r *http.Request, signedHeaders []string, payloadHash string, presigned bool) string {
	var sb strings.Builder

	sb.WriteString(r.Method)
	sb.WriteByte('\n')

	sb.WriteString(canonicalURI(r.URL.Path))
	sb.WriteByte('\n')

	q := r.URL.Query()
	if presigned {
		q.Del("X-Amz-Signature")
	}
	sb.WriteString(canonicalQueryString(q))
	sb.WriteByte('\n')

	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')

	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')

	sb.WriteString(payloadHash)

	return sb.String()
}

// canonicalURI returns the single-URI-encoded absolute path with slashes
// preserved. The empty path encodes as "/".
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString returns the key-sorted, URI-encoded query string.
// Parameters without a value still get an equals sign ("uploads=").
func canonicalQueryString(values map[string][]string) string {
	if len(values) == 0 {
		return ""
	}

	pairs := make([]string, 0, len(values))
	for key, vals := range values {
		encodedKey := uriEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, encodedKey+"=")
		}
		for _, val := range vals {
			pairs = append(pairs, encodedKey+"="+uriEncode(val, true))
		}
	}

	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// canonicalHeaders builds the canonical headers string: lowercased names in
// the signed order, values trimmed and with runs of spaces collapsed, each
// line terminated by a newline.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		var values []string
		switch name {
		case "host":
			// The Host header lives in r.Host on the server side.
			values = []string{r.Host}
		case "content-length":
			// Not always present in the header map on the server side.
			if v := r.Header.Get("Content-Length"); v != "" {
				values = []string{v}
			} else if r.ContentLength >= 0 {
				values = []string{strconv.FormatInt(r.ContentLength, 10)}
			}
		default:
			values = r.Header.Values(http.CanonicalHeaderKey(name))
		}

		joined := strings.TrimSpace(strings.Join(values, ","))
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}

		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// uriEncode percent-encodes per the S3 canonicalization rules: unreserved
// characters (A-Z, a-z, 0-9, '-', '_', '.', '~') pass through, everything
// else becomes %XX with uppercase hex. Slashes pass through only when
// encodeSlash is false (path segments are split before encoding).
func uriEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(upperHex(c >> 4))
			sb.WriteByte(upperHex(c & 0x0f))
		}
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func upperHex(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}
