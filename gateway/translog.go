// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// activeLogName is the append-only file records are written to.
// Rotated files get a timestamped name next to it.
const activeLogName = "transcript.jsonl"

// TranscriptRecord is one line of the audit stream: a final
// transcript or a completed chat response.
type TranscriptRecord struct {
	Time    time.Time `json:"time"`
	Session string    `json:"session"`
	Kind    string    `json:"kind"` // "transcript" or "chat"
	Text    string    `json:"text"`
	IsFinal bool      `json:"isFinal,omitempty"`
}

// TranscriptLog is an opt-in JSONL audit stream of final transcripts
// and chat completions. Appends are non-blocking for the session
// path: records flow through a buffered channel to a single writer
// goroutine, and overflow drops the record rather than backpressuring
// the audio path. Files rotate by size; rotated files are optionally
// compressed with zstd.
type TranscriptLog struct {
	directory   string
	rotateBytes int64
	compress    bool
	onDrop      func()
	logger      *slog.Logger

	// mu guards closed so an Append racing Close drops its record
	// instead of sending on a closed channel. Straggler transcript
	// pumps can still append while main tears the log down.
	mu     sync.Mutex
	closed bool

	records   chan TranscriptRecord
	done      chan struct{}
	closeOnce sync.Once

	// Writer goroutine state. Not guarded: only the writer touches it.
	file    *os.File
	written int64
}

// TranscriptLogConfig configures a TranscriptLog.
type TranscriptLogConfig struct {
	// Directory is where log files are written. Required; created
	// if absent.
	Directory string

	// RotateBytes rotates the active file once it exceeds this
	// size. Required.
	RotateBytes int64

	// Compress compresses rotated files with zstd.
	Compress bool

	// OnDrop is called once per dropped record. Optional.
	OnDrop func()

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewTranscriptLog opens the active log file and starts the writer.
// The caller must call Close to flush and stop the writer.
func NewTranscriptLog(config TranscriptLogConfig) (*TranscriptLog, error) {
	if config.Directory == "" {
		return nil, fmt.Errorf("transcript log directory is required")
	}
	if config.RotateBytes <= 0 {
		return nil, fmt.Errorf("transcript log rotate size must be positive")
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, fmt.Errorf("creating transcript log directory: %w", err)
	}

	path := filepath.Join(config.Directory, activeLogName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening transcript log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("statting transcript log: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onDrop := config.OnDrop
	if onDrop == nil {
		onDrop = func() {}
	}

	log := &TranscriptLog{
		directory:   config.Directory,
		rotateBytes: config.RotateBytes,
		compress:    config.Compress,
		onDrop:      onDrop,
		logger:      logger,
		records:     make(chan TranscriptRecord, 256),
		done:        make(chan struct{}),
		file:        file,
		written:     info.Size(),
	}
	go log.writeLoop()

	return log, nil
}

// Append queues a record for writing. Never blocks: when the writer
// cannot keep up, or the log is already closed, the record is dropped
// and OnDrop is called.
func (l *TranscriptLog) Append(record TranscriptRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.onDrop()
		return
	}
	select {
	case l.records <- record:
	default:
		l.onDrop()
	}
}

// Close stops accepting records, flushes queued records, and closes
// the active file. Idempotent; Append stays safe to call after Close.
func (l *TranscriptLog) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.records)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

// writeLoop is the single writer goroutine.
func (l *TranscriptLog) writeLoop() {
	defer close(l.done)
	defer func() {
		if l.file != nil {
			l.file.Close()
		}
	}()

	for record := range l.records {
		if l.file == nil {
			l.onDrop()
			continue
		}
		line, err := json.Marshal(record)
		if err != nil {
			l.logger.Warn("skipping unencodable transcript record", "error", err)
			continue
		}
		line = append(line, '\n')

		n, err := l.file.Write(line)
		if err != nil {
			l.logger.Error("writing transcript log", "error", err)
			continue
		}
		l.written += int64(n)

		if l.written >= l.rotateBytes {
			l.rotate()
		}
	}
}

// rotate closes the active file, renames it to a timestamped name,
// optionally compresses it, and reopens a fresh active file. Rotation
// failures are logged and writing continues on the old file where
// possible.
func (l *TranscriptLog) rotate() {
	if err := l.file.Close(); err != nil {
		l.logger.Error("closing transcript log for rotation", "error", err)
	}

	activePath := filepath.Join(l.directory, activeLogName)
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	rotatedPath := filepath.Join(l.directory, fmt.Sprintf("transcript-%s.jsonl", stamp))

	if err := os.Rename(activePath, rotatedPath); err != nil {
		l.logger.Error("rotating transcript log", "error", err)
	} else if l.compress {
		if err := compressFile(rotatedPath); err != nil {
			// The uncompressed rotated file is kept.
			l.logger.Error("compressing rotated transcript log", "error", err, "path", rotatedPath)
		}
	}

	file, err := os.OpenFile(activePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		l.logger.Error("reopening transcript log after rotation", "error", err)
		// Keep writing to the renamed file rather than losing records.
		file, err = os.OpenFile(rotatedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			l.logger.Error("transcript log unavailable, records will be dropped", "error", err)
			l.file = nil
			return
		}
	}
	l.file = file
	l.written = 0
}

// compressFile writes path.zst next to path and removes the
// original on success.
func compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer source.Close()

	destination, err := os.Create(path + ".zst")
	if err != nil {
		return fmt.Errorf("creating %s.zst: %w", path, err)
	}

	encoder, err := zstd.NewWriter(destination, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		destination.Close()
		return fmt.Errorf("initializing zstd encoder: %w", err)
	}

	if _, err := io.Copy(encoder, source); err != nil {
		encoder.Close()
		destination.Close()
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := encoder.Close(); err != nil {
		destination.Close()
		return fmt.Errorf("finishing zstd stream: %w", err)
	}
	if err := destination.Close(); err != nil {
		return fmt.Errorf("closing %s.zst: %w", path, err)
	}

	return os.Remove(path)
}
