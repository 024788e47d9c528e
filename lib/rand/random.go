// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rand implements functions similar to math/rand in the standard
// library, but on top of a secure random number generator.
package rand

import (
	cryptoRand "crypto/rand"
	"encoding/hex"
	"io"
	mathRand "math/rand"
)

// Reader is the standard crypto/rand.Reader, re-exported for convenience
var Reader = cryptoRand.Reader

// randomCharset contains the characters that can make up a rand.String().
const randomCharset = "2345679abcdefghijkmnopqrstuvwxyzACDEFGHJKLMNPQRSTUVWXYZ"

// base36Charset is used for identifiers that must be lowercase
// alphanumeric, such as multipart upload IDs.
const base36Charset = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	// defaultSecureSource is a concurrency safe math/rand.Source with a
	// cryptographically sound base.
	defaultSecureSource = newSecureSource()

	// defaultSecureRand is a math/rand.Rand based on the secure source.
	defaultSecureRand = mathRand.New(defaultSecureSource)
)

// String returns a strongly random string of characters (taken from
// randomCharset) of the specified length. The returned string contains ~5.8
// bits of entropy per character, due to the character set used.
func String(l int) string {
	bs := make([]byte, l)
	for i := range bs {
		bs[i] = randomCharset[defaultSecureRand.Intn(len(randomCharset))]
	}
	return string(bs)
}

// Base36String returns a strongly random string of lowercase alphanumeric
// characters of the specified length.
func Base36String(l int) string {
	bs := make([]byte, l)
	for i := range bs {
		bs[i] = base36Charset[defaultSecureRand.Intn(len(base36Charset))]
	}
	return string(bs)
}

// HexString returns the lowercase hex encoding of n strongly random bytes.
func HexString(n int) string {
	bs := make([]byte, n)
	if _, err := io.ReadFull(Reader, bs); err != nil {
		panic("randomness failure: " + err.Error())
	}
	return hex.EncodeToString(bs)
}

// Int63 returns a strongly random int63.
func Int63() int64 {
	return defaultSecureSource.Int63()
}

// Intn returns, as an int, a non-negative strongly random number in [0,n).
// It panics if n <= 0.
func Intn(n int) int {
	return defaultSecureRand.Intn(n)
}
