// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package stt

import (
	"context"
)

// Transcriber is the interface for streaming speech-to-text backends.
// Implementations translate between the vendor-neutral types in this
// package and the vendor's wire format.
type Transcriber interface {
	// Start opens a live transcription session. The caller must call
	// [LiveSession.Close] when done, even if the session ended early.
	Start(ctx context.Context, options Options) (*LiveSession, error)
}

// Options configures a live transcription session.
type Options struct {
	// Model is the vendor model identifier.
	Model string

	// Language is the BCP-47 language tag.
	Language string

	// SmartFormat enables vendor-side formatting of numbers, dates,
	// and similar entities in transcripts.
	SmartFormat bool

	// InterimResults requests partial transcripts while speech is
	// still in progress. Interim transcripts arrive with IsFinal
	// false and are superseded by later transcripts.
	InterimResults bool

	// Endpointing enables vendor-side end-of-speech detection.
	Endpointing bool

	// UtteranceEndMS is the silence gap, in milliseconds, after which
	// the vendor emits an UtteranceEnd event.
	UtteranceEndMS int

	// Punctuate enables vendor-side punctuation.
	Punctuate bool

	// SampleRate is the audio sample rate in Hz. Zero lets the vendor
	// detect it from the container format.
	SampleRate int

	// Encoding is the raw audio encoding (e.g. "linear16"). Empty
	// lets the vendor detect it from the container format.
	Encoding string
}

// DefaultOptions returns the default transcription options: the
// nova-2 model, US English, smart formatting, interim results,
// endpointing with a 2500 ms utterance gap, and punctuation.
func DefaultOptions() Options {
	return Options{
		Model:          "nova-2",
		Language:       "en-US",
		SmartFormat:    true,
		InterimResults: true,
		Endpointing:    true,
		UtteranceEndMS: 2500,
		Punctuate:      true,
	}
}

// EventType identifies the kind of a transcription event.
type EventType string

const (
	// EventTranscript carries an interim or final transcript.
	EventTranscript EventType = "transcript"

	// EventUtteranceEnd marks the vendor-detected end of an
	// utterance (silence gap exceeded).
	EventUtteranceEnd EventType = "utterance_end"

	// EventSpeechStarted marks the vendor-detected start of speech.
	EventSpeechStarted EventType = "speech_started"

	// EventMetadata carries the vendor's session metadata, emitted
	// once when the upstream finalizes the session.
	EventMetadata EventType = "metadata"
)

// Event is a single vendor-neutral transcription event.
type Event struct {
	Type EventType

	// Transcript is valid when Type is EventTranscript. Empty
	// transcripts are delivered as-is — filtering empty text is
	// caller policy, not client behavior.
	Transcript Transcript

	// RequestID is valid when Type is EventMetadata.
	RequestID string
}

// Transcript is the payload of an EventTranscript event.
type Transcript struct {
	// Text is the transcript text of the best alternative.
	Text string

	// IsFinal reports whether this transcript is final. Interim
	// transcripts (IsFinal false) are superseded by later ones
	// covering the same audio.
	IsFinal bool

	// SpeechFinal reports whether the vendor's endpointer considers
	// the speech segment complete.
	SpeechFinal bool

	// Confidence is the vendor's confidence in the best alternative,
	// in [0, 1]. Zero when the vendor does not report confidence.
	Confidence float64
}
