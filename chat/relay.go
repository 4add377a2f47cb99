// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/lib/netutil"
)

// DefaultUpstreamURL is the default chat upstream endpoint.
const DefaultUpstreamURL = "http://localhost:3000/api/chat"

// Message is one element of the conversation sent to the upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one piece of the streamed upstream response. The text is
// the upstream's payload verbatim.
type Chunk struct {
	Text string
}

// UpstreamError reports a non-2xx response from the chat upstream.
// The body is bounded; see netutil.ErrorBody.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("chat upstream returned %d: %s", e.StatusCode, e.Body)
}

// Relay streams chat requests to a configured upstream endpoint.
type Relay struct {
	upstreamURL string
	client      *http.Client
	logger      *slog.Logger
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	// UpstreamURL is the chat endpoint. Defaults to
	// DefaultUpstreamURL.
	UpstreamURL string

	// RequestTimeout bounds the whole request including the
	// streamed body. Zero means no overall timeout — streams are
	// long-lived, so zero is the default deployment choice. Per-dial
	// and TLS handshake timeouts still apply.
	RequestTimeout time.Duration

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a chat relay.
func New(config RelayConfig) (*Relay, error) {
	upstreamURL := config.UpstreamURL
	if upstreamURL == "" {
		upstreamURL = DefaultUpstreamURL
	}
	parsed, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL scheme must be http or https, got %q", parsed.Scheme)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// No overall timeout unless configured — the response body is a
	// long-lived stream. Dial and handshake timeouts still bound the
	// connection setup.
	client := &http.Client{
		Timeout: config.RequestTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	return &Relay{
		upstreamURL: upstreamURL,
		client:      client,
		logger:      logger,
	}, nil
}

// StreamChat POSTs the conversation to the upstream and returns a
// stream over the response. The caller must Close the stream, even if
// iteration ended early.
func (r *Relay) StreamChat(ctx context.Context, messages []Message) (*Stream, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("chat request has no messages")
	}

	payload, err := json.Marshal(struct {
		Messages []Message `json:"messages"`
	}{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.upstreamURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "text/event-stream, application/json, text/plain")

	response, err := r.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("calling chat upstream: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body := netutil.ErrorBody(response.Body)
		response.Body.Close()
		return nil, &UpstreamError{StatusCode: response.StatusCode, Body: body}
	}

	contentType := response.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.ToLower(contentType))
	}

	if mediaType == "text/event-stream" {
		return newSSEStream(response.Body), nil
	}
	return newRawStream(response.Body), nil
}

// Stream iterates over the chunks of one upstream response while
// accumulating the complete text. Not safe for concurrent use.
type Stream struct {
	next        func() (Chunk, error)
	closer      io.Closer
	closeOnce   sync.Once
	accumulated strings.Builder
	done        bool
}

// Next returns the next chunk. Returns io.EOF when the stream is
// complete; after io.EOF, [Text] holds the accumulated response.
func (s *Stream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	chunk, err := s.next()
	if err != nil {
		if err == io.EOF {
			s.done = true
		}
		return Chunk{}, err
	}

	s.accumulated.WriteString(chunk.Text)
	return chunk, nil
}

// Text returns the accumulated response text so far. Complete once
// [Next] has returned io.EOF.
func (s *Stream) Text() string {
	return s.accumulated.String()
}

// Close releases the underlying response body. Idempotent. Must be
// called when done with the stream, even if iteration ended early.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.closer.Close()
	})
	return err
}

// newSSEStream yields one chunk per SSE data payload, terminating at
// the "[DONE]" sentinel.
func newSSEStream(body io.ReadCloser) *Stream {
	scanner := NewSSEScanner(body)
	return &Stream{
		closer: body,
		next: func() (Chunk, error) {
			for scanner.Next() {
				data := scanner.Data()
				if data == "[DONE]" {
					return Chunk{}, io.EOF
				}
				return Chunk{Text: data}, nil
			}
			if err := scanner.Err(); err != nil {
				return Chunk{}, fmt.Errorf("reading chat stream: %w", err)
			}
			return Chunk{}, io.EOF
		},
	}
}

// newRawStream yields body chunks as they arrive, for upstreams that
// stream plain text rather than SSE.
func newRawStream(body io.ReadCloser) *Stream {
	buffer := make([]byte, 4096)
	return &Stream{
		closer: body,
		next: func() (Chunk, error) {
			for {
				n, err := body.Read(buffer)
				if n > 0 {
					return Chunk{Text: string(buffer[:n])}, nil
				}
				if err == io.EOF {
					return Chunk{}, io.EOF
				}
				if err != nil {
					return Chunk{}, fmt.Errorf("reading chat stream: %w", err)
				}
			}
		},
	}
}
