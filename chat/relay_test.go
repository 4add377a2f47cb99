// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func collectChunks(t *testing.T, stream *Stream) []string {
	t.Helper()
	var chunks []string
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			return chunks
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		chunks = append(chunks, chunk.Text)
	}
}

func TestStreamChat_SSE(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The request carries the conversation as JSON.
		var request struct {
			Messages []Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(request.Messages) != 1 || request.Messages[0].Role != "user" {
			t.Errorf("request messages = %+v", request.Messages)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: Hello\n\n")
		fmt.Fprint(w, "data:  world\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: after done, never seen\n\n")
	}))
	t.Cleanup(server.Close)

	relay, err := New(RelayConfig{UpstreamURL: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stream, err := relay.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	defer stream.Close()

	chunks := collectChunks(t, stream)
	if len(chunks) != 2 || chunks[0] != "Hello" || chunks[1] != " world" {
		t.Errorf("chunks = %q, want [Hello,  world]", chunks)
	}
	if got := stream.Text(); got != "Hello world" {
		t.Errorf("Text() = %q, want %q", got, "Hello world")
	}
}

func TestStreamChat_PlainBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "a plain streamed answer")
	}))
	t.Cleanup(server.Close)

	relay, err := New(RelayConfig{UpstreamURL: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stream, err := relay.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	defer stream.Close()

	collectChunks(t, stream)
	if got := stream.Text(); got != "a plain streamed answer" {
		t.Errorf("Text() = %q, want passthrough body", got)
	}
}

func TestStreamChat_UpstreamError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	relay, err := New(RelayConfig{UpstreamURL: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = relay.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if upstreamErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", upstreamErr.StatusCode)
	}
	if upstreamErr.Body != "model overloaded\n" {
		t.Errorf("Body = %q, want upstream body", upstreamErr.Body)
	}
}

func TestStreamChat_NoMessages(t *testing.T) {
	t.Parallel()

	relay, err := New(RelayConfig{UpstreamURL: "http://localhost:1/api/chat"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := relay.StreamChat(context.Background(), nil); err == nil {
		t.Fatal("StreamChat with no messages should fail")
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)

	relay, err := New(RelayConfig{UpstreamURL: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stream, err := relay.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	t.Parallel()

	if _, err := New(RelayConfig{UpstreamURL: "ftp://example.com/chat"}); err == nil {
		t.Fatal("New with non-http scheme should fail")
	}
}
