// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

func TestHashFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "binary")
	content := []byte("gateway binary contents")
	if err := os.WriteFile(path, content, 0755); err != nil {
		t.Fatalf("writing test file: %v", err)
	}

	digest, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if want := sha256.Sum256(content); digest != want {
		t.Errorf("HashFile digest = %x, want %x", digest, want)
	}
}

func TestHashFile_Missing(t *testing.T) {
	t.Parallel()

	if _, err := HashFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("HashFile on missing file should fail")
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	t.Parallel()

	digest := sha256.Sum256([]byte("content"))
	formatted := FormatDigest(digest)
	if len(formatted) != 64 {
		t.Fatalf("FormatDigest length = %d, want 64", len(formatted))
	}

	parsed, err := ParseDigest(formatted)
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != digest {
		t.Errorf("ParseDigest = %x, want %x", parsed, digest)
	}
}

func TestParseDigest_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := ParseDigest("zz"); err == nil {
		t.Error("ParseDigest on non-hex should fail")
	}
	if _, err := ParseDigest("abcd"); err == nil {
		t.Error("ParseDigest on short input should fail")
	}
}
