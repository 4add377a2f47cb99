// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/chat"
	"github.com/voicebridge/voicebridge/stt"
)

// Server is the voicebridge gateway: one HTTP server carrying the
// client WebSocket endpoint, the health endpoint, and the stats
// endpoint. Construct with NewServer, run with Serve.
type Server struct {
	listenAddress   string
	allowedOrigins  []string
	allowAllOrigins bool
	shutdownTimeout time.Duration
	pingInterval    time.Duration
	pongTimeout     time.Duration
	maxMessageBytes int64

	transcriber stt.Transcriber
	sttOptions  stt.Options
	chat        *chat.Relay
	translog    *TranscriptLog
	stats       *Stats
	logger      *slog.Logger

	version      string
	binaryDigest string

	handler  http.Handler
	upgrader websocket.Upgrader

	// ready is closed after the listener is bound and the server is
	// accepting connections.
	ready chan struct{}

	// addr is the resolved listen address, available after ready is
	// closed. Useful when the configured address uses port 0.
	addr net.Addr

	startTime time.Time

	// baseCtx is the Serve context; sessions inherit it so server
	// shutdown cancels their upstream legs.
	baseCtx context.Context

	sessionMu sync.Mutex
	sessions  map[*session]struct{}
	sessionWG sync.WaitGroup
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// ListenAddress is the TCP listen address. Defaults to
	// "0.0.0.0:8000" — the container contract.
	ListenAddress string

	// AllowedOrigins lists origins allowed to connect. "*" allows
	// every origin. Defaults to ["*"].
	AllowedOrigins []string

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration

	// PingInterval is the keepalive ping cadence. Defaults to 20s.
	PingInterval time.Duration

	// PongTimeout is how long past a ping to wait for a pong before
	// closing the session. Defaults to 20s.
	PongTimeout time.Duration

	// MaxMessageBytes limits a single client frame. Defaults to 1 MiB.
	MaxMessageBytes int64

	// Transcriber is the STT upstream client. Required.
	Transcriber stt.Transcriber

	// STTOptions are the per-utterance transcription options.
	// Zero-value Model falls back to stt.DefaultOptions.
	STTOptions stt.Options

	// Chat is the chat relay. Required.
	Chat *chat.Relay

	// TranscriptLog is the opt-in audit log. Optional.
	TranscriptLog *TranscriptLog

	// Stats receives usage counters. Defaults to a fresh set.
	Stats *Stats

	// Version is reported by the health endpoint.
	Version string

	// BinaryDigest is the running binary's SHA256, reported by the
	// health endpoint. Optional.
	BinaryDigest string

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewServer creates a gateway server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}
	if config.Chat == nil {
		return nil, fmt.Errorf("chat relay is required")
	}

	listenAddress := config.ListenAddress
	if listenAddress == "" {
		listenAddress = "0.0.0.0:8000"
	}
	if _, _, err := net.SplitHostPort(listenAddress); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", listenAddress, err)
	}

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	allowAll := false
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
	}

	options := config.STTOptions
	if options.Model == "" {
		options = stt.DefaultOptions()
	}

	stats := config.Stats
	if stats == nil {
		stats = NewStats()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := &Server{
		listenAddress:   listenAddress,
		allowedOrigins:  origins,
		allowAllOrigins: allowAll,
		shutdownTimeout: defaultDuration(config.ShutdownTimeout, 10*time.Second),
		pingInterval:    defaultDuration(config.PingInterval, 20*time.Second),
		pongTimeout:     defaultDuration(config.PongTimeout, 20*time.Second),
		maxMessageBytes: config.MaxMessageBytes,
		transcriber:     config.Transcriber,
		sttOptions:      options,
		chat:            config.Chat,
		translog:        config.TranscriptLog,
		stats:           stats,
		logger:          logger,
		version:         config.Version,
		binaryDigest:    config.BinaryDigest,
		ready:           make(chan struct{}),
		sessions:        make(map[*session]struct{}),
	}
	if server.maxMessageBytes <= 0 {
		server.maxMessageBytes = 1 << 20
	}

	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     server.originAllowed,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", server.handleWebSocket)
	mux.HandleFunc("GET /health", server.handleHealth)
	mux.HandleFunc("GET /v1/stats", server.handleStats)
	server.handler = server.withCORS(mux)

	return server, nil
}

func defaultDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Ready returns a channel that is closed once the server is bound and
// accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stats returns the server's usage counters.
func (s *Server) Stats() *Stats {
	return s.stats
}

// Serve binds the listener and accepts connections until ctx is
// cancelled, then performs graceful shutdown: stop accepting, finish
// in-flight utterances, close client sessions with a going-away
// frame, and wait up to ShutdownTimeout for sessions to drain.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listenAddress, err)
	}
	s.addr = listener.Addr()
	s.baseCtx = ctx
	s.startTime = time.Now()
	close(s.ready)

	httpServer := &http.Server{
		Handler: s.handler,

		// Header reads are bounded; body timeouts stay off because
		// /ws connections are long-lived streams.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("gateway listening", "address", s.addr.String())
	notifySystemd("READY=1")

	serveDone := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	// Stop accepting and drain non-hijacked requests. WebSocket
	// sessions are hijacked connections — Shutdown does not touch
	// them, so they are closed explicitly below.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown error", "error", err)
	}

	s.sessionMu.Lock()
	for session := range s.sessions {
		go session.shutdown()
	}
	s.sessionMu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.sessionWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown timeout with sessions still active",
			"active", s.stats.ActiveSessions())
	}

	s.logger.Info("gateway stopped")
	return nil
}

// handleWebSocket upgrades the connection and runs one session.
// Upgrade failures (plain HTTP request, disallowed origin) are
// answered by the upgrader itself.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := newSession(s, conn)

	// Registering and Add must happen under one lock so the shutdown
	// sweep, which snapshots s.sessions and then waits on sessionWG,
	// never observes a registered session it is not waiting for, or
	// races an Add against its Wait.
	s.sessionMu.Lock()
	s.sessions[session] = struct{}{}
	s.sessionWG.Add(1)
	s.sessionMu.Unlock()

	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	// A connection hijacked just before Shutdown returned may have
	// registered after the shutdown sweep ran. Close it here instead
	// of leaving it to linger past the drain.
	if ctx.Err() != nil {
		go session.shutdown()
	}

	go func() {
		defer s.sessionWG.Done()
		session.run(ctx)
		s.sessionMu.Lock()
		delete(s.sessions, session)
		s.sessionMu.Unlock()
	}()
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveSessions int64  `json:"active_sessions"`
	BinarySHA256   string `json:"binary_sha256,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:         "ok",
		Version:        s.version,
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		ActiveSessions: s.stats.ActiveSessions(),
		BinarySHA256:   s.binaryDigest,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Snapshot())
}

// originAllowed implements the upgrade origin check. Requests without
// an Origin header (non-browser clients) are allowed.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAllOrigins {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// withCORS applies the configured origin policy to every response.
// The default policy mirrors the original deployment: every origin,
// credentials on, all methods and headers.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(r) {
			// Reflect the origin rather than "*" so credentialed
			// requests work.
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// notifySystemd sends a notification to systemd's sd_notify socket,
// used to signal readiness when running as a systemd service. Does
// nothing if NOTIFY_SOCKET is not set.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.Write([]byte(state))
}
