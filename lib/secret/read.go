// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"os"
)

// ReadFile reads a credential file into a locked buffer. Surrounding
// whitespace is trimmed first — systemd credential files and hand-made
// key files commonly carry a trailing newline that must not become part
// of the Authorization header. Every intermediate heap copy is zeroed
// before returning. Returns an error when the file is empty after
// trimming.
func ReadFile(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("credential file %s is empty", path)
	}

	// NewFromBytes copies into locked memory and zeros trimmed; the
	// whitespace bytes outside the trimmed slice still need zeroing.
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
