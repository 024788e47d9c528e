// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package auth

import (
	"bufio"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"strconv"
	"strings"

	"github.com/speicher-dev/speicher/lib/s3err"
)

// Streaming chunk-signed uploads (x-amz-content-sha256:
// STREAMING-AWS4-HMAC-SHA256-PAYLOAD) frame the body as
//
//	<hex-size>;chunk-signature=<signature>\r\n
//	<data>\r\n
//
// terminated by a zero-size chunk. Each chunk signature chains off the
// previous one, seeded by the request signature.

const (
	chunkAlgorithm = "AWS4-HMAC-SHA256-PAYLOAD"

	// maxChunkSize bounds a single chunk; clients typically send 64 KiB
	// to 1 MiB. This only limits the declared frame size, not how much we
	// buffer: chunk data is still streamed through in Read-sized pieces.
	maxChunkSize = 16 << 20
)

// chunkedReader decodes the chunk framing and verifies each chunk
// signature, failing the stream on the first mismatch.
type chunkedReader struct {
	reader *bufio.Reader
	closer io.Closer

	signingKey []byte
	amzDate    string
	scope      string
	prevSig    string

	remaining  int64
	hasher     hash.Hash // running SHA-256 of the current chunk
	pendingSig string
	done       bool
	err        error
}

func newChunkedReader(body io.ReadCloser, signingKey []byte, amzDate, credentialScope, seedSignature string) io.ReadCloser {
	return &chunkedReader{
		reader:     bufio.NewReader(body),
		closer:     body,
		signingKey: signingKey,
		amzDate:    amzDate,
		scope:      credentialScope,
		prevSig:    seedSignature,
		hasher:     sha256.New(),
	}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.done {
		return 0, io.EOF
	}

	if c.remaining == 0 {
		if err := c.nextChunk(); err != nil {
			c.err = err
			return 0, err
		}
		if c.done {
			return 0, io.EOF
		}
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.reader.Read(p)
	c.remaining -= int64(n)
	c.hasher.Write(p[:n])
	if err != nil && err != io.EOF {
		c.err = err
		return n, err
	}

	if c.remaining == 0 {
		if err := c.finishChunk(); err != nil {
			c.err = err
			return n, err
		}
	}

	return n, nil
}

// nextChunk parses the next chunk header. A zero-size chunk ends the
// stream after its own signature check.
func (c *chunkedReader) nextChunk() error {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimRight(line, "\r\n")

	sizeStr, ext, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil || size < 0 {
		return s3err.Newf(s3err.CodeInvalidArgument, "Malformed chunk header.")
	}
	if size > maxChunkSize {
		return s3err.Newf(s3err.CodeInvalidArgument, "Chunk size too large.")
	}

	var sig string
	for _, field := range strings.Split(ext, ";") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(field), "chunk-signature="); ok {
			sig = v
			break
		}
	}
	if sig == "" {
		return s3err.Newf(s3err.CodeAccessDenied, "Missing chunk signature.")
	}

	if size == 0 {
		if err := c.verifyChunk(sig, nil); err != nil {
			return err
		}
		c.done = true
		c.consumeTrailers()
		return nil
	}

	c.pendingSig = sig
	c.remaining = size
	c.hasher.Reset()
	return nil
}

// finishChunk verifies the chunk signature against the accumulated hash
// and consumes the trailing CRLF.
func (c *chunkedReader) finishChunk() error {
	sum := c.hasher.Sum(nil)
	if err := c.verifyChunkHash(c.pendingSig, sum); err != nil {
		return err
	}
	c.pendingSig = ""

	crlf := make([]byte, 2)
	if _, err := io.ReadFull(c.reader, crlf); err != nil {
		return err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return s3err.Newf(s3err.CodeInvalidArgument, "Malformed chunk framing.")
	}
	return nil
}

func (c *chunkedReader) verifyChunk(expectedSig string, data []byte) error {
	sum := sha256.Sum256(data)
	return c.verifyChunkHash(expectedSig, sum[:])
}

func (c *chunkedReader) verifyChunkHash(expectedSig string, dataHash []byte) error {
	stringToSign := strings.Join([]string{
		chunkAlgorithm,
		c.amzDate,
		c.scope,
		c.prevSig,
		emptySHA256,
		hex.EncodeToString(dataHash),
	}, "\n")

	calculated := hex.EncodeToString(hmacSHA256(c.signingKey, stringToSign))
	if subtle.ConstantTimeCompare([]byte(calculated), []byte(expectedSig)) != 1 {
		return s3err.Newf(s3err.CodeSignatureDoesNotMatch, "Chunk signature does not match.")
	}
	c.prevSig = expectedSig
	return nil
}

// consumeTrailers reads any trailing headers after the final chunk.
func (c *chunkedReader) consumeTrailers() {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			return
		}
	}
}

func (c *chunkedReader) Close() error {
	return c.closer.Close()
}
