// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash provides SHA256 content hashing for binary files.
//
// The gateway logs the digest of its own executable at startup and
// reports it from the health endpoint, so an operator can verify which
// build a running container actually carries — container image tags are
// mutable, binary digests are not.
//
// The API surface is three functions:
//
//   - [HashFile] -- streams a file through SHA256, returning a [32]byte
//     digest with constant memory usage regardless of file size
//   - [FormatDigest] -- converts a [32]byte digest to its canonical
//     hex-encoded string representation, used in health responses and
//     log output
//   - [ParseDigest] -- parses a hex-encoded digest string back to a
//     [32]byte array, validating length and encoding
//
// This package has no dependencies on other voicebridge packages.
package binhash
