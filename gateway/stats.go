// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import "sync"

// Stats accumulates usage counters for the gateway. All methods are
// safe for concurrent use: session goroutines record as they go, the
// stats endpoint snapshots on demand.
type Stats struct {
	mu sync.Mutex

	sessionsStarted    uint64
	sessionsActive     int64
	utterances         uint64
	audioBytes         uint64
	interimTranscripts uint64
	finalTranscripts   uint64
	chatRequests       uint64
	chatChunks         uint64
	upstreamErrors     uint64
	droppedLogRecords  uint64
}

// StatsSnapshot is a point-in-time copy of the counters, serialized
// by GET /v1/stats.
type StatsSnapshot struct {
	SessionsStarted    uint64 `json:"sessions_started"`
	SessionsActive     int64  `json:"sessions_active"`
	Utterances         uint64 `json:"utterances"`
	AudioBytes         uint64 `json:"audio_bytes"`
	InterimTranscripts uint64 `json:"interim_transcripts"`
	FinalTranscripts   uint64 `json:"final_transcripts"`
	ChatRequests       uint64 `json:"chat_requests"`
	ChatChunks         uint64 `json:"chat_chunks"`
	UpstreamErrors     uint64 `json:"upstream_errors"`
	DroppedLogRecords  uint64 `json:"dropped_log_records"`
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{}
}

// SessionStarted records a new client session.
func (s *Stats) SessionStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsStarted++
	s.sessionsActive++
}

// SessionEnded records a client session teardown.
func (s *Stats) SessionEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsActive--
}

// UtteranceStarted records a successful upstream transcription dial.
func (s *Stats) UtteranceStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances++
}

// AudioForwarded records audio bytes forwarded upstream.
func (s *Stats) AudioForwarded(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioBytes += uint64(bytes)
}

// TranscriptEvent records a transcript delivered to a client.
func (s *Stats) TranscriptEvent(isFinal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isFinal {
		s.finalTranscripts++
	} else {
		s.interimTranscripts++
	}
}

// ChatRequest records a chat relay request.
func (s *Stats) ChatRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatRequests++
}

// ChatChunk records one streamed chat chunk delivered to a client.
func (s *Stats) ChatChunk() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatChunks++
}

// UpstreamError records a failed upstream call (transcription dial or
// chat request).
func (s *Stats) UpstreamError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreamErrors++
}

// LogRecordDropped records a transcript log record dropped because
// the log writer could not keep up.
func (s *Stats) LogRecordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedLogRecords++
}

// ActiveSessions returns the current session count.
func (s *Stats) ActiveSessions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsActive
}

// Snapshot returns a copy of all counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		SessionsStarted:    s.sessionsStarted,
		SessionsActive:     s.sessionsActive,
		Utterances:         s.utterances,
		AudioBytes:         s.audioBytes,
		InterimTranscripts: s.interimTranscripts,
		FinalTranscripts:   s.finalTranscripts,
		ChatRequests:       s.chatRequests,
		ChatChunks:         s.chatChunks,
		UpstreamErrors:     s.upstreamErrors,
		DroppedLogRecords:  s.droppedLogRecords,
	}
}
