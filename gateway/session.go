// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/chat"
	"github.com/voicebridge/voicebridge/stt"
)

// writeTimeout bounds a single frame write to the client.
const writeTimeout = 10 * time.Second

// sessionState is the per-connection control state. One utterance or
// one chat request at a time; binary frames are only meaningful in
// stateUtterance.
type sessionState int

const (
	stateIdle sessionState = iota
	stateUtterance
	stateChat
)

var sessionCounter atomic.Uint64

// session is one client WebSocket connection. The read loop owns all
// inbound frames (gorilla permits a single concurrent reader); writes
// from the read loop, the transcript pump, and the chat goroutine are
// serialized through writeMu.
type session struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	state     sessionState
	live      *stt.LiveSession
	finishing bool
	pumpDone  chan struct{}

	// closed signals the ping loop and chat goroutine that the read
	// loop has exited.
	closed chan struct{}

	shutdownOnce sync.Once

	// Read-loop-local totals for the teardown log.
	utterances int
	audioBytes int64
}

func newSession(server *Server, conn *websocket.Conn) *session {
	id := fmt.Sprintf("%s#%d", conn.RemoteAddr(), sessionCounter.Add(1))
	return &session{
		id:     id,
		conn:   conn,
		server: server,
		logger: server.logger.With("session", id),
		closed: make(chan struct{}),
	}
}

// run drives the session until the client disconnects or the server
// shuts it down. Blocks; the caller runs it in its own goroutine.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.server.stats.SessionStarted()
	s.logger.Info("client connected")

	s.conn.SetReadLimit(s.server.maxMessageBytes)
	pongWait := s.server.pingInterval + s.server.pongTimeout
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.pingLoop()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Info("client connection ended", "error", err)
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			s.handleControl(ctx, data)
		case websocket.BinaryMessage:
			s.handleAudio(data)
		}
	}

	close(s.closed)
	cancel()
	s.teardown()
}

// teardown releases any live upstream leg and logs the session totals.
func (s *session) teardown() {
	s.mu.Lock()
	live := s.live
	pumpDone := s.pumpDone
	s.mu.Unlock()

	if live != nil {
		live.Close()
	}
	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-time.After(2 * time.Second):
			s.logger.Warn("transcript pump did not stop in time")
		}
	}

	s.conn.Close()
	s.server.stats.SessionEnded()
	s.logger.Info("client disconnected",
		"utterances", s.utterances,
		"audio_bytes", s.audioBytes,
	)
}

// shutdown closes the session from the server side (graceful server
// shutdown): finalizes an in-flight utterance, sends a going-away
// close frame, and closes the connection to unblock the read loop.
func (s *session) shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		live := s.live
		active := s.state == stateUtterance && !s.finishing
		if active {
			s.finishing = true
		}
		s.mu.Unlock()

		if live != nil && active {
			// Best effort: let the upstream flush trailing finals
			// before the connection drops.
			if err := live.Finish(); err != nil {
				s.logger.Debug("finalizing utterance during shutdown", "error", err)
			}
		}

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeTimeout))
		s.writeMu.Unlock()

		s.conn.Close()
	})
}

// pingLoop sends keepalive pings until the read loop exits. Control
// frames may be written concurrently with data frames, so no writeMu.
func (s *session) pingLoop() {
	ticker := time.NewTicker(s.server.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// handleControl dispatches one JSON text frame. Protocol errors are
// reported as error events; the connection stays open.
func (s *session) handleControl(ctx context.Context, data []byte) {
	var command clientCommand
	if err := json.Unmarshal(data, &command); err != nil {
		s.sendError("malformed control message")
		return
	}

	switch command.Action {
	case ActionStartTranscription:
		s.startUtterance(ctx)
	case ActionStopTranscription:
		s.stopUtterance()
	case ActionChat:
		s.startChat(ctx, command.Messages)
	default:
		s.sendError(fmt.Sprintf("unknown action %q", command.Action))
	}
}

// handleAudio forwards one binary frame to the live upstream. Audio
// while idle is dropped, not fatal.
func (s *session) handleAudio(data []byte) {
	s.mu.Lock()
	live := s.live
	active := s.state == stateUtterance
	s.mu.Unlock()

	if !active || live == nil {
		s.logger.Warn("dropping audio frame outside an utterance", "bytes", len(data))
		return
	}

	if err := live.SendAudio(data); err != nil {
		// The pump observes the broken upstream and emits stt_closed;
		// here we just account for the failure.
		s.logger.Warn("forwarding audio upstream", "error", err)
		return
	}
	s.audioBytes += int64(len(data))
	s.server.stats.AudioForwarded(len(data))
}

// startUtterance dials a fresh upstream transcription session and
// starts the transcript pump.
func (s *session) startUtterance(ctx context.Context) {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		s.sendError("an utterance or chat request is already active")
		return
	}
	s.mu.Unlock()

	live, err := s.server.transcriber.Start(ctx, s.server.sttOptions)
	if err != nil {
		s.server.stats.UpstreamError()
		s.logger.Error("starting transcription", "error", err)
		s.sendError("starting transcription: " + err.Error())
		return
	}

	pumpDone := make(chan struct{})
	s.mu.Lock()
	s.state = stateUtterance
	s.live = live
	s.finishing = false
	s.pumpDone = pumpDone
	s.mu.Unlock()

	s.utterances++
	s.server.stats.UtteranceStarted()
	s.logger.Info("utterance started")

	go s.pumpTranscripts(live, pumpDone)
	s.sendJSON(markerEvent{Type: EventSTTReady})
}

// stopUtterance finalizes the upstream session. The pump drains the
// trailing finals and emits stt_closed when the upstream closes.
func (s *session) stopUtterance() {
	s.mu.Lock()
	if s.state != stateUtterance || s.live == nil {
		s.mu.Unlock()
		s.sendError("no active utterance")
		return
	}
	live := s.live
	alreadyFinishing := s.finishing
	s.finishing = true
	s.mu.Unlock()

	if alreadyFinishing {
		return
	}
	if err := live.Finish(); err != nil {
		s.logger.Warn("finalizing utterance", "error", err)
		live.Close()
	}
}

// pumpTranscripts forwards upstream events to the client until the
// upstream connection ends, then returns the session to idle. Runs in
// its own goroutine; one pump per utterance.
func (s *session) pumpTranscripts(live *stt.LiveSession, done chan struct{}) {
	defer close(done)

	for event := range live.Events() {
		switch event.Type {
		case stt.EventTranscript:
			// Whitespace-only transcripts are noise; only real text
			// reaches the client.
			if strings.TrimSpace(event.Transcript.Text) == "" {
				continue
			}
			s.server.stats.TranscriptEvent(event.Transcript.IsFinal)
			s.sendJSON(transcriptEvent{
				Type:    EventSTTTranscript,
				Text:    event.Transcript.Text,
				IsFinal: event.Transcript.IsFinal,
			})
			if event.Transcript.IsFinal && s.server.translog != nil {
				s.server.translog.Append(TranscriptRecord{
					Time:    time.Now().UTC(),
					Session: s.id,
					Kind:    "transcript",
					Text:    event.Transcript.Text,
					IsFinal: true,
				})
			}

		case stt.EventUtteranceEnd:
			s.sendJSON(markerEvent{Type: EventSTTUtteranceEnd})

		case stt.EventSpeechStarted:
			// Not part of the client contract.

		case stt.EventMetadata:
			s.logger.Debug("utterance finalized upstream", "request_id", event.RequestID)
		}
	}

	finishing := s.clearUtterance(live)
	if err := live.Err(); err != nil && !finishing {
		s.server.stats.UpstreamError()
		s.logger.Warn("transcription upstream ended abnormally", "error", err)
		s.sendError("transcription upstream closed unexpectedly")
	}
	live.Close()

	s.logger.Info("utterance finished")
	s.sendJSON(markerEvent{Type: EventSTTClosed})
}

// clearUtterance returns the session to idle and reports whether the
// utterance was being finished deliberately (stop command or server
// shutdown) rather than dropped by the upstream.
func (s *session) clearUtterance(live *stt.LiveSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	finishing := s.finishing
	if s.live == live {
		s.live = nil
		s.pumpDone = nil
		s.finishing = false
		s.state = stateIdle
	}
	return finishing
}

// startChat validates state and hands the relay off to its own
// goroutine so the read loop keeps servicing pings and control
// frames while the response streams.
func (s *session) startChat(ctx context.Context, messages []chat.Message) {
	if len(messages) == 0 {
		s.sendError("chat request has no messages")
		return
	}

	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		s.sendError("chat is only available while no utterance is active")
		return
	}
	s.state = stateChat
	s.mu.Unlock()

	s.server.stats.ChatRequest()
	go s.runChat(ctx, messages)
}

// runChat relays one chat request and streams the response back.
func (s *session) runChat(ctx context.Context, messages []chat.Message) {
	defer func() {
		s.mu.Lock()
		if s.state == stateChat {
			s.state = stateIdle
		}
		s.mu.Unlock()
	}()

	stream, err := s.server.chat.StreamChat(ctx, messages)
	if err != nil {
		s.server.stats.UpstreamError()
		s.logger.Error("chat upstream request failed", "error", err)
		s.sendError("chat upstream: " + err.Error())
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.server.stats.UpstreamError()
			s.logger.Error("chat stream failed", "error", err)
			s.sendError("chat stream: " + err.Error())
			return
		}
		s.server.stats.ChatChunk()
		s.sendJSON(textEvent{Type: EventChatToken, Text: chunk.Text})
	}

	s.sendJSON(textEvent{Type: EventChatDone, Text: stream.Text()})
	if s.server.translog != nil {
		s.server.translog.Append(TranscriptRecord{
			Time:    time.Now().UTC(),
			Session: s.id,
			Kind:    "chat",
			Text:    stream.Text(),
		})
	}
}

// sendJSON writes one JSON text frame to the client. Send failures
// are expected during teardown and only logged at debug.
func (s *session) sendJSON(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Debug("writing to client", "error", err)
	}
}

func (s *session) sendError(message string) {
	s.sendJSON(errorEvent{Type: EventError, Error: message})
}
