// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the voicebridge realtime gateway: a
// WebSocket server that bridges browser audio to a streaming
// speech-to-text upstream and relays chat streams from a configured
// chat endpoint back to the client.
//
// One HTTP server, three endpoints: GET /ws upgrades to the client
// session protocol, GET /health reports liveness, GET /v1/stats
// returns usage counters.
//
// The client protocol over /ws uses JSON text frames for control and
// events and binary frames for raw audio. A connection cycles through
// utterances: a start_transcription command dials a fresh upstream
// transcription session, binary frames are forwarded to it unmodified,
// transcripts flow back as stt_transcript events, and a
// stop_transcription command (or upstream endpointing) finishes the
// utterance and returns the connection to idle. While idle, a chat
// command relays the conversation to the chat upstream and streams the
// response back token by token. The per-session state machine lives in
// session.go; the wire shapes in types.go.
//
// The server owns session lifecycle end to end: keepalive pings, read
// limits, a registry of live sessions, and graceful shutdown that
// finishes in-flight utterances and closes clients with a going-away
// frame. Usage counters accumulate in [Stats]; final transcripts and
// chat completions can be audited through the opt-in [TranscriptLog].
package gateway
