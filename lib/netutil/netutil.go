// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP I/O utilities for voicebridge.
//
// ErrorBody bounds error response body reads at MaxResponseSize to prevent
// unbounded memory allocation from a misbehaving or malicious server. It is
// for error bodies — not for streaming responses (SSE, chunked transfers),
// which should be read incrementally.
//
// Connection error helpers (IsExpectedCloseError) classify errors that occur
// during normal teardown of the gateway's bidirectional audio bridges.
package netutil

import (
	"io"
)

// MaxResponseSize is the bound on response body reads: 16 MB. This exists
// solely to prevent a pathological response from exhausting memory.
// Legitimate chat upstream responses and handshake error bodies are orders
// of magnitude smaller; the limit is generous so it never interferes with
// normal operation.
const MaxResponseSize int64 = 16 << 20

// ErrorBody reads an HTTP error response body and returns it as a string
// for diagnostic error messages. Read errors are silently ignored — a
// partial or empty body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
