// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat relays chat requests to a configured upstream endpoint
// and streams the response back chunk by chunk.
//
// [Relay.StreamChat] POSTs the conversation to the upstream and
// returns a [Stream]. When the upstream responds with
// text/event-stream, each SSE data payload becomes one [Chunk] and a
// "[DONE]" sentinel terminates the stream. Any other content type is
// passed through as raw body chunks as they arrive. The relay never
// interprets the payload text — chunks reach the client verbatim.
//
// Non-2xx upstream responses surface as [UpstreamError] with a bounded
// copy of the response body for diagnostics.
package chat
