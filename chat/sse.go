// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bufio"
	"io"
	"strings"
)

// SSEScanner extracts the data payloads from a Server-Sent Events
// stream. The relay forwards payload text verbatim and never dispatches
// on event names, so "event:", "id:", and "retry:" fields are skipped
// rather than surfaced; comment lines (leading ":") and field-less
// lines are ignored per the SSE specification. Multiple "data:" lines
// within one event are joined with newlines.
type SSEScanner struct {
	reader *bufio.Reader
	data   string
	err    error
}

// NewSSEScanner creates a scanner that reads SSE data payloads from
// reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{
		reader: bufio.NewReaderSize(reader, 64*1024),
	}
}

// Next advances to the next event that carries data. Returns false
// when the stream ends or a read fails; call [Err] afterwards to
// distinguish the two.
func (s *SSEScanner) Next() bool {
	s.data = ""

	var lines []string
	for {
		line, err := s.reader.ReadString('\n')

		if err != nil && line == "" {
			// A final event without a trailing blank line is still
			// delivered before EOF is reported.
			if err == io.EOF && len(lines) > 0 {
				s.data = strings.Join(lines, "\n")
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line terminates the event. Blocks without data
		// (comments, ignored fields, keepalives) are skipped.
		if line == "" {
			if len(lines) > 0 {
				s.data = strings.Join(lines, "\n")
				return true
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if field != "data" || !hasColon {
			continue
		}
		// Per spec: a single space after the colon is not payload.
		lines = append(lines, strings.TrimPrefix(value, " "))
	}
}

// Data returns the payload of the current event. Only valid after
// [Next] returns true.
func (s *SSEScanner) Data() string {
	return s.data
}

// Err returns the first read error encountered. Returns nil when
// scanning ended at a clean EOF.
func (s *SSEScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
