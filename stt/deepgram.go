// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/lib/netutil"
	"github.com/voicebridge/voicebridge/lib/secret"
)

// DefaultDeepgramURL is the Deepgram live transcription endpoint.
const DefaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

// CredentialName is the credential looked up at dial time.
const CredentialName = "deepgram-api-key"

// drainTimeout bounds how long a finishing session waits for the
// upstream to deliver trailing finals and close after CloseStream.
const drainTimeout = 5 * time.Second

// CredentialSource provides credentials by name. Satisfied by the
// gateway's credential sources.
type CredentialSource interface {
	Get(name string) *secret.Buffer
}

// Deepgram implements [Transcriber] over Deepgram's live
// transcription WebSocket API. The API key is read from the
// credential source on every Start call, never stored.
type Deepgram struct {
	baseURL    string
	credential CredentialSource
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

// DeepgramConfig configures a Deepgram transcriber.
type DeepgramConfig struct {
	// URL is the live transcription endpoint. Defaults to
	// DefaultDeepgramURL. Tests point this at a local fake.
	URL string

	// Credential provides the API key under CredentialName. Required.
	Credential CredentialSource

	// Dialer is the WebSocket dialer. Defaults to a dialer with a
	// 15 second handshake timeout.
	Dialer *websocket.Dialer

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewDeepgram creates a Deepgram transcriber.
func NewDeepgram(config DeepgramConfig) (*Deepgram, error) {
	if config.Credential == nil {
		return nil, fmt.Errorf("credential source is required")
	}

	baseURL := config.URL
	if baseURL == "" {
		baseURL = DefaultDeepgramURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid deepgram URL: %w", err)
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Deepgram{
		baseURL:    baseURL,
		credential: config.Credential,
		dialer:     dialer,
		logger:     logger,
	}, nil
}

// Start dials the live transcription endpoint and returns a running
// session. The caller must call Close on the returned session.
func (d *Deepgram) Start(ctx context.Context, options Options) (*LiveSession, error) {
	key := d.credential.Get(CredentialName)
	if key == nil {
		return nil, fmt.Errorf("credential %q is not available", CredentialName)
	}

	endpoint, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing deepgram URL: %w", err)
	}
	endpoint.RawQuery = queryValues(options).Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+key.String())

	conn, response, err := d.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if response != nil {
			body := netutil.ErrorBody(response.Body)
			response.Body.Close()
			return nil, fmt.Errorf("dialing stt upstream: %w (status %s: %s)", err, response.Status, body)
		}
		return nil, fmt.Errorf("dialing stt upstream: %w", err)
	}

	session := &LiveSession{
		conn:   conn,
		events: make(chan Event, 16),
		logger: d.logger,
	}
	go session.readLoop()

	return session, nil
}

// queryValues maps options onto Deepgram's query parameters.
func queryValues(options Options) url.Values {
	values := url.Values{}
	values.Set("model", options.Model)
	values.Set("language", options.Language)
	values.Set("smart_format", strconv.FormatBool(options.SmartFormat))
	values.Set("interim_results", strconv.FormatBool(options.InterimResults))
	values.Set("endpointing", strconv.FormatBool(options.Endpointing))
	values.Set("utterance_end_ms", strconv.Itoa(options.UtteranceEndMS))
	values.Set("punctuate", strconv.FormatBool(options.Punctuate))
	if options.SampleRate > 0 {
		values.Set("sample_rate", strconv.Itoa(options.SampleRate))
	}
	if options.Encoding != "" {
		values.Set("encoding", options.Encoding)
	}
	return values
}

// LiveSession is one live transcription connection. Audio goes in via
// SendAudio, events come out of Events. The events channel closes when
// the upstream connection ends; Err reports whether the ending was
// abnormal.
//
// SendAudio, Finish, and Close are safe to call concurrently with the
// internal reader. SendAudio and Finish must not be called
// concurrently with each other by multiple goroutines.
type LiveSession struct {
	conn   *websocket.Conn
	events chan Event
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Events returns the channel of transcription events. The channel is
// closed when the upstream connection ends.
func (s *LiveSession) Events() <-chan Event {
	return s.events
}

// SendAudio forwards one raw audio frame to the upstream unmodified.
func (s *LiveSession) SendAudio(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("sending audio upstream: %w", err)
	}
	return nil
}

// Finish tells the upstream to finalize the session. The upstream
// processes buffered audio, delivers trailing final transcripts and
// metadata on Events, then closes — bounded by a read deadline so a
// stalled upstream cannot hold the session open.
func (s *LiveSession) Finish() error {
	s.conn.SetReadDeadline(time.Now().Add(drainTimeout))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("sending CloseStream: %w", err)
	}
	return nil
}

// Err returns the abnormal termination error, or nil if the session
// ended cleanly (or has not ended). Only meaningful after Events is
// closed.
func (s *LiveSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears down the connection. Idempotent. The events channel is
// closed by the reader once the connection read fails.
func (s *LiveSession) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		// Best effort close frame; the hard close below is what matters.
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	return nil
}

// readLoop decodes vendor frames into events until the connection
// ends. A malformed vendor frame is skipped, not fatal — one bad
// frame must not kill the bridge.
func (s *LiveSession) readLoop() {
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isCleanClose(err) {
				s.errMu.Lock()
				s.err = fmt.Errorf("reading stt upstream: %w", err)
				s.errMu.Unlock()
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var message deepgramMessage
		if err := json.Unmarshal(data, &message); err != nil {
			s.logger.Warn("skipping malformed stt frame", "error", err)
			continue
		}

		switch message.Type {
		case "Results":
			transcript := Transcript{
				IsFinal:     message.IsFinal,
				SpeechFinal: message.SpeechFinal,
			}
			if len(message.Channel.Alternatives) > 0 {
				best := message.Channel.Alternatives[0]
				transcript.Text = best.Transcript
				transcript.Confidence = best.Confidence
			}
			s.events <- Event{Type: EventTranscript, Transcript: transcript}

		case "UtteranceEnd":
			s.events <- Event{Type: EventUtteranceEnd}

		case "SpeechStarted":
			s.events <- Event{Type: EventSpeechStarted}

		case "Metadata":
			s.events <- Event{Type: EventMetadata, RequestID: message.RequestID}

		default:
			s.logger.Debug("ignoring stt frame", "frame_type", message.Type)
		}
	}
}

// isCleanClose reports whether a read error represents normal session
// termination rather than a failure.
func isCleanClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return netutil.IsExpectedCloseError(err)
}

// --- Deepgram wire types ---
//
// These map directly to Deepgram's live transcription JSON frames.
// They are separate from the public types because the wire format
// uses different field names and nesting.

type deepgramMessage struct {
	Type        string          `json:"type"`
	IsFinal     bool            `json:"is_final"`
	SpeechFinal bool            `json:"speech_final"`
	Channel     deepgramChannel `json:"channel"`
	RequestID   string          `json:"request_id"`
}

type deepgramChannel struct {
	Alternatives []deepgramAlternative `json:"alternatives"`
}

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

var _ Transcriber = (*Deepgram)(nil)
