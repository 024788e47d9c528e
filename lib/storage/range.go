// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/speicher-dev/speicher/lib/s3err"
)

// A ByteRange is an inclusive byte interval within an object.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for a response
// covering this range of an object of the given total size.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange parses a Range header of the form "bytes=a-b", "bytes=a-" or
// "bytes=-n" against an object of the given size. Multiple ranges are not
// supported. An unsatisfiable range yields InvalidRange.
func ParseRange(header string, size int64) (ByteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return ByteRange{}, s3err.New(s3err.CodeInvalidRange)
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return ByteRange{}, s3err.New(s3err.CodeInvalidRange)
	}

	if startStr == "" {
		// Suffix range: the last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, s3err.New(s3err.CodeInvalidRange)
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return ByteRange{}, s3err.New(s3err.CodeInvalidRange)
		}
		return ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return ByteRange{}, s3err.New(s3err.CodeInvalidRange)
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return ByteRange{}, s3err.New(s3err.CodeInvalidRange)
		}
		if end > size-1 {
			end = size - 1
		}
	}

	return ByteRange{Start: start, End: end}, nil
}
