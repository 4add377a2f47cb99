// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package stt provides streaming speech-to-text clients.
//
// [Transcriber] is the vendor-neutral interface: Start opens a live
// transcription session, the caller feeds raw audio frames in via
// [LiveSession.SendAudio] and consumes [Event] values from
// [LiveSession.Events]. Events carry interim and final transcripts,
// utterance-end markers, and speech-start markers in vendor-neutral
// form; the vendor wire types stay inside the implementation.
//
// [Deepgram] is the production implementation, speaking Deepgram's
// live transcription WebSocket protocol. One upstream connection per
// utterance: the gateway dials on start_transcription and tears the
// session down when the utterance finishes. The API key is read from a
// credential source at dial time and never stored as a plain field.
//
// The session contract is strict about termination: [LiveSession.Finish]
// sends the upstream finalize message and the events channel closes
// once the upstream has delivered its trailing finals and closed the
// connection. [LiveSession.Err] distinguishes abnormal termination
// from a clean close.
package stt
