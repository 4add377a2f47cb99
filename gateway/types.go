// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/voicebridge/voicebridge/chat"
)

// Client -> gateway actions, carried in JSON text frames.
const (
	// ActionStartTranscription begins an utterance: the gateway
	// dials the transcription upstream and replies stt_ready.
	ActionStartTranscription = "start_transcription"

	// ActionStopTranscription finishes the active utterance: the
	// gateway finalizes the upstream session, drains trailing final
	// transcripts, and emits stt_closed.
	ActionStopTranscription = "stop_transcription"

	// ActionChat relays a conversation to the chat upstream and
	// streams the response back. Only valid while idle.
	ActionChat = "chat"
)

// Gateway -> client event types.
const (
	EventSTTReady        = "stt_ready"
	EventSTTTranscript   = "stt_transcript"
	EventSTTUtteranceEnd = "stt_utterance_end"
	EventSTTClosed       = "stt_closed"
	EventChatToken       = "chat_token"
	EventChatDone        = "chat_done"
	EventError           = "error"
)

// clientCommand is a control message from the client. Binary frames
// (raw audio) bypass this type entirely.
type clientCommand struct {
	Action   string         `json:"action"`
	Messages []chat.Message `json:"messages,omitempty"`
}

// transcriptEvent is the stt_transcript wire shape. The camelCase
// isFinal key is part of the client contract.
type transcriptEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// textEvent carries chat_token and chat_done payloads.
type textEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// markerEvent carries events with no payload (stt_ready, stt_closed,
// stt_utterance_end).
type markerEvent struct {
	Type string `json:"type"`
}

// errorEvent reports a recoverable protocol or upstream error. The
// connection stays open.
type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
