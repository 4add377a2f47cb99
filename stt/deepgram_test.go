// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/lib/secret"
	"github.com/voicebridge/voicebridge/lib/testutil"
)

// testCredentials is a minimal credential source for tests.
type testCredentials map[string]string

func (c testCredentials) Get(name string) *secret.Buffer {
	value, ok := c[name]
	if !ok {
		return nil
	}
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		return nil
	}
	return buffer
}

// fakeDeepgram is a WebSocket server that records the handshake and
// gives the test direct control of the upstream leg.
type fakeDeepgram struct {
	server    *httptest.Server
	conns     chan *websocket.Conn
	handshake chan *http.Request
}

func newFakeDeepgram(t *testing.T) *fakeDeepgram {
	t.Helper()
	fake := &fakeDeepgram{
		conns:     make(chan *websocket.Conn, 1),
		handshake: make(chan *http.Request, 1),
	}
	upgrader := websocket.Upgrader{}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.handshake <- r.Clone(context.Background())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fake.conns <- conn
	}))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeDeepgram) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func newTestTranscriber(t *testing.T, fakeURL string) *Deepgram {
	t.Helper()
	transcriber, err := NewDeepgram(DeepgramConfig{
		URL:        fakeURL,
		Credential: testCredentials{CredentialName: "test-key"},
	})
	if err != nil {
		t.Fatalf("NewDeepgram: %v", err)
	}
	return transcriber
}

func TestDeepgramStart_HandshakeCarriesKeyAndOptions(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	transcriber := newTestTranscriber(t, fake.url())

	session, err := transcriber.Start(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer session.Close()

	request := testutil.RequireReceive(t, fake.handshake, 5*time.Second, "handshake")
	if got := request.Header.Get("Authorization"); got != "Token test-key" {
		t.Errorf("Authorization = %q, want %q", got, "Token test-key")
	}

	query := request.URL.Query()
	for key, want := range map[string]string{
		"model":            "nova-2",
		"language":         "en-US",
		"smart_format":     "true",
		"interim_results":  "true",
		"endpointing":      "true",
		"utterance_end_ms": "2500",
		"punctuate":        "true",
	} {
		if got := query.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
	if query.Has("sample_rate") {
		t.Error("sample_rate should be omitted when zero")
	}
}

func TestDeepgramSession_AudioAndTranscripts(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	transcriber := newTestTranscriber(t, fake.url())

	session, err := transcriber.Start(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer session.Close()

	upstream := testutil.RequireReceive(t, fake.conns, 5*time.Second, "upstream connection")
	defer upstream.Close()

	// Audio frames arrive upstream unmodified.
	audio := []byte{0x01, 0x02, 0x03, 0x04}
	if err := session.SendAudio(audio); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	messageType, data, err := upstream.ReadMessage()
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Errorf("upstream message type = %d, want binary", messageType)
	}
	if string(data) != string(audio) {
		t.Errorf("upstream audio = %v, want %v", data, audio)
	}

	// Results frames map to transcript events.
	result := `{"type":"Results","is_final":true,"speech_final":true,` +
		`"channel":{"alternatives":[{"transcript":"hello world","confidence":0.98}]}}`
	if err := upstream.WriteMessage(websocket.TextMessage, []byte(result)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	event := testutil.RequireReceive(t, session.Events(), 5*time.Second, "transcript event")
	if event.Type != EventTranscript {
		t.Fatalf("event.Type = %q, want %q", event.Type, EventTranscript)
	}
	if event.Transcript.Text != "hello world" {
		t.Errorf("Text = %q, want %q", event.Transcript.Text, "hello world")
	}
	if !event.Transcript.IsFinal || !event.Transcript.SpeechFinal {
		t.Errorf("IsFinal/SpeechFinal = %v/%v, want true/true",
			event.Transcript.IsFinal, event.Transcript.SpeechFinal)
	}

	// Empty transcripts are delivered, not filtered here.
	empty := `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`
	if err := upstream.WriteMessage(websocket.TextMessage, []byte(empty)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	event = testutil.RequireReceive(t, session.Events(), 5*time.Second, "empty transcript event")
	if event.Type != EventTranscript || event.Transcript.Text != "" {
		t.Errorf("empty transcript event = %+v", event)
	}

	// UtteranceEnd is forwarded.
	if err := upstream.WriteMessage(websocket.TextMessage, []byte(`{"type":"UtteranceEnd"}`)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	event = testutil.RequireReceive(t, session.Events(), 5*time.Second, "utterance end event")
	if event.Type != EventUtteranceEnd {
		t.Errorf("event.Type = %q, want %q", event.Type, EventUtteranceEnd)
	}
}

func TestDeepgramSession_MalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	transcriber := newTestTranscriber(t, fake.url())

	session, err := transcriber.Start(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer session.Close()

	upstream := testutil.RequireReceive(t, fake.conns, 5*time.Second, "upstream connection")
	defer upstream.Close()

	// A malformed frame must not kill the session.
	if err := upstream.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	result := `{"type":"Results","channel":{"alternatives":[{"transcript":"still alive"}]}}`
	if err := upstream.WriteMessage(websocket.TextMessage, []byte(result)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}

	event := testutil.RequireReceive(t, session.Events(), 5*time.Second, "event after malformed frame")
	if event.Transcript.Text != "still alive" {
		t.Errorf("Text = %q, want %q", event.Transcript.Text, "still alive")
	}
}

func TestDeepgramSession_FinishDrainsAndCloses(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	transcriber := newTestTranscriber(t, fake.url())

	session, err := transcriber.Start(context.Background(), DefaultOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer session.Close()

	upstream := testutil.RequireReceive(t, fake.conns, 5*time.Second, "upstream connection")
	defer upstream.Close()

	if err := session.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// The upstream sees CloseStream, delivers a trailing final and
	// metadata, then closes.
	_, data, err := upstream.ReadMessage()
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if !strings.Contains(string(data), "CloseStream") {
		t.Errorf("upstream received %q, want CloseStream message", data)
	}

	final := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"goodbye"}]}}`
	if err := upstream.WriteMessage(websocket.TextMessage, []byte(final)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	if err := upstream.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"req-1"}`)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	upstream.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	event := testutil.RequireReceive(t, session.Events(), 5*time.Second, "trailing final")
	if event.Transcript.Text != "goodbye" {
		t.Errorf("Text = %q, want goodbye", event.Transcript.Text)
	}
	event = testutil.RequireReceive(t, session.Events(), 5*time.Second, "metadata")
	if event.Type != EventMetadata || event.RequestID != "req-1" {
		t.Errorf("metadata event = %+v", event)
	}

	// Channel closes cleanly.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-session.Events():
			if !ok {
				if err := session.Err(); err != nil {
					t.Errorf("Err() = %v, want nil after clean close", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("events channel did not close after upstream close")
		}
	}
}

func TestDeepgramStart_MissingCredential(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	transcriber, err := NewDeepgram(DeepgramConfig{
		URL:        fake.url(),
		Credential: testCredentials{},
	})
	if err != nil {
		t.Fatalf("NewDeepgram: %v", err)
	}

	if _, err := transcriber.Start(context.Background(), DefaultOptions()); err == nil {
		t.Fatal("Start without credential should fail")
	}
}

func TestDeepgramStart_HandshakeRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	transcriber := newTestTranscriber(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	_, err := transcriber.Start(context.Background(), DefaultOptions())
	if err == nil {
		t.Fatal("Start against rejecting server should fail")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %q should carry the handshake status", err)
	}
}

func TestNewDeepgram_RequiresCredential(t *testing.T) {
	t.Parallel()

	if _, err := NewDeepgram(DeepgramConfig{}); err == nil {
		t.Fatal("NewDeepgram without credential source should fail")
	}
}
