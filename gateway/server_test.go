// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/chat"
	"github.com/voicebridge/voicebridge/lib/testutil"
	"github.com/voicebridge/voicebridge/stt"
)

// gatewayFixture is a running gateway wired to a fake transcription
// upstream and a fake chat upstream.
type gatewayFixture struct {
	server        *Server
	addr          string
	upstreamConns chan *websocket.Conn
	cancel        context.CancelFunc
	serveDone     chan struct{}
}

// startGateway runs a gateway on an OS-assigned port. The fake
// transcription upstream hands accepted connections to the test via
// upstreamConns; the fake chat upstream streams two SSE tokens.
func startGateway(t *testing.T, mutate func(*ServerConfig)) *gatewayFixture {
	t.Helper()

	fixture := &gatewayFixture{
		upstreamConns: make(chan *websocket.Conn, 4),
		serveDone:     make(chan struct{}),
	}

	upgrader := websocket.Upgrader{}
	sttServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("fake stt upgrade: %v", err)
			return
		}
		fixture.upstreamConns <- conn
	}))
	t.Cleanup(sttServer.Close)

	chatServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: Hello\n\n")
		fmt.Fprint(w, "data:  world\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(chatServer.Close)

	credentials, err := NewMapCredentialSource(map[string]string{"deepgram-api-key": "test-key"})
	if err != nil {
		t.Fatalf("NewMapCredentialSource: %v", err)
	}
	t.Cleanup(func() { credentials.Close() })

	transcriber, err := stt.NewDeepgram(stt.DeepgramConfig{
		URL:        "ws" + strings.TrimPrefix(sttServer.URL, "http"),
		Credential: credentials,
	})
	if err != nil {
		t.Fatalf("NewDeepgram: %v", err)
	}

	relay, err := chat.New(chat.RelayConfig{UpstreamURL: chatServer.URL})
	if err != nil {
		t.Fatalf("chat.New: %v", err)
	}

	config := ServerConfig{
		ListenAddress: "127.0.0.1:0",
		Transcriber:   transcriber,
		Chat:          relay,
		Version:       "test",
	}
	if mutate != nil {
		mutate(&config)
	}

	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	fixture.server = server

	ctx, cancel := context.WithCancel(context.Background())
	fixture.cancel = cancel
	go func() {
		defer close(fixture.serveDone)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "gateway ready")
	fixture.addr = server.Addr().String()

	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, fixture.serveDone, 15*time.Second, "gateway stopped")
	})

	return fixture
}

// dialClient connects a WebSocket client to the gateway's /ws.
func (f *gatewayFixture) dialClient(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+f.addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads one JSON event from the client connection.
func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("event message type = %d, want text", messageType)
	}
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("parsing event %q: %v", data, err)
	}
	return event
}

// requireEventType reads one event and asserts its type.
func requireEventType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	event := readEvent(t, conn)
	if event["type"] != want {
		t.Fatalf("event = %v, want type %q", event, want)
	}
	return event
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	fixture := startGateway(t, func(config *ServerConfig) {
		config.BinaryDigest = "abc123"
	})

	response, err := http.Get("http://" + fixture.addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("Status = %q, want ok", health.Status)
	}
	if health.Version != "test" {
		t.Errorf("Version = %q, want test", health.Version)
	}
	if health.BinarySHA256 != "abc123" {
		t.Errorf("BinarySHA256 = %q, want abc123", health.BinarySHA256)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	fixture := startGateway(t, nil)
	fixture.server.Stats().SessionStarted()

	response, err := http.Get("http://" + fixture.addr + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer response.Body.Close()

	var snapshot StatsSnapshot
	if err := json.NewDecoder(response.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if snapshot.SessionsStarted != 1 {
		t.Errorf("SessionsStarted = %d, want 1", snapshot.SessionsStarted)
	}
}

func TestCORSHeaders(t *testing.T) {
	t.Parallel()

	fixture := startGateway(t, nil)

	request, err := http.NewRequest(http.MethodGet, "http://"+fixture.addr+"/health", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	request.Header.Set("Origin", "http://app.example")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer response.Body.Close()

	if got := response.Header.Get("Access-Control-Allow-Origin"); got != "http://app.example" {
		t.Errorf("Allow-Origin = %q, want reflected origin", got)
	}
	if got := response.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q, want true", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	fixture := startGateway(t, nil)

	request, err := http.NewRequest(http.MethodOptions, "http://"+fixture.addr+"/v1/stats", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	request.Header.Set("Origin", "http://app.example")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", response.StatusCode)
	}
	if got := response.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "GET") {
		t.Errorf("Allow-Methods = %q, want GET included", got)
	}
}

func TestUpgradeRejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()

	fixture := startGateway(t, func(config *ServerConfig) {
		config.AllowedOrigins = []string{"http://trusted.example"}
	})

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, response, err := websocket.DefaultDialer.Dial("ws://"+fixture.addr+"/ws", header)
	if err == nil {
		t.Fatal("dial from disallowed origin should fail")
	}
	if response == nil || response.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %v, want 403", response)
	}

	// The allowed origin still connects.
	header.Set("Origin", "http://trusted.example")
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+fixture.addr+"/ws", header)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	conn.Close()
}

func TestNonWebSocketRequestToWS(t *testing.T) {
	t.Parallel()

	fixture := startGateway(t, nil)

	response, err := http.Get("http://" + fixture.addr + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
}

func TestGracefulShutdownClosesSessions(t *testing.T) {
	t.Parallel()

	fixture := startGateway(t, nil)
	conn := fixture.dialClient(t)

	// Shut down with an utterance in flight: the upstream leg must be
	// finalized before the client is closed.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"start_transcription"}`)); err != nil {
		t.Fatalf("writing start: %v", err)
	}
	upstream := acceptUpstream(t, fixture)
	requireEventType(t, conn, EventSTTReady)

	fixture.cancel()

	upstream.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, frame, err := upstream.ReadMessage()
	if err != nil {
		t.Fatalf("reading upstream during shutdown: %v", err)
	}
	if messageType != websocket.TextMessage || string(frame) != `{"type":"CloseStream"}` {
		t.Errorf("upstream frame = %s, want CloseStream", frame)
	}

	// The client sees the going-away frame; lifecycle events emitted
	// during teardown may precede it.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("close error = %v, want going-away (1001)", err)
	}

	testutil.RequireClosed(t, fixture.serveDone, 15*time.Second, "serve returned")
}

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()

	relay, err := chat.New(chat.RelayConfig{})
	if err != nil {
		t.Fatalf("chat.New: %v", err)
	}
	credentials, err := NewMapCredentialSource(map[string]string{"deepgram-api-key": "k"})
	if err != nil {
		t.Fatalf("NewMapCredentialSource: %v", err)
	}
	defer credentials.Close()
	transcriber, err := stt.NewDeepgram(stt.DeepgramConfig{Credential: credentials})
	if err != nil {
		t.Fatalf("NewDeepgram: %v", err)
	}

	if _, err := NewServer(ServerConfig{Chat: relay}); err == nil {
		t.Error("NewServer without transcriber should fail")
	}
	if _, err := NewServer(ServerConfig{Transcriber: transcriber}); err == nil {
		t.Error("NewServer without chat relay should fail")
	}
	if _, err := NewServer(ServerConfig{
		Transcriber:   transcriber,
		Chat:          relay,
		ListenAddress: "no-port",
	}); err == nil {
		t.Error("NewServer with bad listen address should fail")
	}
}
