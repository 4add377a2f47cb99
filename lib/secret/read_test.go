// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  token-value\n"), 0600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}

	buffer, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "token-value" {
		t.Errorf("String() = %q, want %q", got, "token-value")
	}
}

func TestReadFile_Empty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  \n\n"), 0600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}

	if _, err := ReadFile(path); err == nil {
		t.Fatal("ReadFile on whitespace-only file should fail")
	}
}

func TestReadFile_Missing(t *testing.T) {
	t.Parallel()

	if _, err := ReadFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("ReadFile on missing file should fail")
	}
}
