// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package s3err defines the S3 error taxonomy: each error carries an S3
// error code, an HTTP status and a human readable message, and renders as
// the standard S3 XML error document.
package s3err

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidBucketName       Code = "InvalidBucketName"
	CodeBucketAlreadyExists     Code = "BucketAlreadyExists"
	CodeBucketAlreadyOwnedByYou Code = "BucketAlreadyOwnedByYou"
	CodeNoSuchBucket            Code = "NoSuchBucket"
	CodeBucketNotEmpty          Code = "BucketNotEmpty"
	CodeNoSuchKey               Code = "NoSuchKey"
	CodeInvalidObjectName       Code = "InvalidObjectName"
	CodeInvalidRange            Code = "InvalidRange"
	CodeNoSuchUpload            Code = "NoSuchUpload"
	CodeInvalidPart             Code = "InvalidPart"
	CodeInvalidPartOrder        Code = "InvalidPartOrder"
	CodeAccessDenied            Code = "AccessDenied"
	CodeInvalidAccessKeyID      Code = "InvalidAccessKeyId"
	CodeSignatureDoesNotMatch   Code = "SignatureDoesNotMatch"
	CodeRequestTimeTooSkewed    Code = "RequestTimeTooSkewed"
	CodeMalformedXML            Code = "MalformedXML"
	CodeMethodNotAllowed        Code = "MethodNotAllowed"
	CodeInvalidArgument         Code = "InvalidArgument"
	CodeInternalError           Code = "InternalError"
)

var statusTable = map[Code]int{
	CodeInvalidBucketName:       http.StatusBadRequest,
	CodeBucketAlreadyExists:     http.StatusConflict,
	CodeBucketAlreadyOwnedByYou: http.StatusConflict,
	CodeNoSuchBucket:            http.StatusNotFound,
	CodeBucketNotEmpty:          http.StatusConflict,
	CodeNoSuchKey:               http.StatusNotFound,
	CodeInvalidObjectName:       http.StatusBadRequest,
	CodeInvalidRange:            http.StatusRequestedRangeNotSatisfiable,
	CodeNoSuchUpload:            http.StatusNotFound,
	CodeInvalidPart:             http.StatusBadRequest,
	CodeInvalidPartOrder:        http.StatusBadRequest,
	CodeAccessDenied:            http.StatusForbidden,
	CodeInvalidAccessKeyID:      http.StatusForbidden,
	CodeSignatureDoesNotMatch:   http.StatusForbidden,
	CodeRequestTimeTooSkewed:    http.StatusForbidden,
	CodeMalformedXML:            http.StatusBadRequest,
	CodeMethodNotAllowed:        http.StatusMethodNotAllowed,
	CodeInvalidArgument:         http.StatusBadRequest,
	CodeInternalError:           http.StatusInternalServerError,
}

var messageTable = map[Code]string{
	CodeInvalidBucketName:       "The specified bucket is not valid.",
	CodeBucketAlreadyExists:     "The requested bucket name is not available.",
	CodeBucketAlreadyOwnedByYou: "The bucket you tried to create already exists, and you own it.",
	CodeNoSuchBucket:            "The specified bucket does not exist",
	CodeBucketNotEmpty:          "The bucket you tried to delete is not empty",
	CodeNoSuchKey:               "The specified key does not exist.",
	CodeInvalidObjectName:       "The specified object name is not valid.",
	CodeInvalidRange:            "The requested range is not satisfiable",
	CodeNoSuchUpload:            "The specified multipart upload does not exist.",
	CodeInvalidPart:             "One or more of the specified parts could not be found.",
	CodeInvalidPartOrder:        "The list of parts was not in ascending order.",
	CodeAccessDenied:            "Access Denied",
	CodeInvalidAccessKeyID:      "The AWS Access Key Id you provided does not exist in our records.",
	CodeSignatureDoesNotMatch:   "The request signature we calculated does not match the signature you provided. Check your key and signing method.",
	CodeRequestTimeTooSkewed:    "The difference between the request time and the server's time is too large.",
	CodeMalformedXML:            "The XML you provided was not well-formed or did not validate against our published schema.",
	CodeMethodNotAllowed:        "The specified method is not allowed against this resource.",
	CodeInvalidArgument:         "Invalid Argument",
	CodeInternalError:           "We encountered an internal error. Please try again.",
}

// Error is an S3 API error. Resource and RequestID are filled in by the
// dispatcher before the error document is written to the client.
type Error struct {
	Code      Code
	Message   string
	Resource  string
	RequestID string
	wrapped   error
}

// New returns an Error with the canonical message for the code.
func New(code Code) *Error {
	return &Error{Code: code, Message: messageTable[code]}
}

// Newf returns an Error with a specific message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error for the code with the underlying cause attached.
// The cause is not exposed to the client.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Message: messageTable[code], wrapped: err}
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// HTTPStatus returns the HTTP status for the error code. Unknown codes map
// to 500.
func (e *Error) HTTPStatus() int {
	if s, ok := statusTable[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// AsError converts any error to an *Error, mapping unclassified errors to
// InternalError.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternalError, err)
}

type document struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId"`
}

// Document renders the error as the S3 XML error document, including the
// XML declaration.
func (e *Error) Document() []byte {
	doc := document{
		Code:      string(e.Code),
		Message:   e.Message,
		Resource:  e.Resource,
		RequestID: e.RequestID,
	}
	bs, err := xml.Marshal(doc)
	if err != nil {
		// Can't happen for this structure, but don't return nothing.
		return []byte(xml.Header + "<Error><Code>InternalError</Code></Error>")
	}
	return append([]byte(xml.Header), bs...)
}
