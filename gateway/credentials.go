// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/voicebridge/voicebridge/lib/secret"
)

// CredentialSource provides named credentials as mlocked secret
// buffers. The gateway looks up "deepgram-api-key" at utterance start;
// sources map that name onto their own naming convention.
type CredentialSource interface {
	// Get returns the credential, or nil if this source does not
	// have it. The returned buffer is owned by the source; callers
	// must not Close it.
	Get(name string) *secret.Buffer

	// Close releases all buffers held by the source.
	Close() error
}

// EnvCredentialSource reads credentials from environment variables.
// Useful for development and the container's env-only deployment.
// Results are cached in mmap-backed buffers on first access — the env
// var string briefly touches the heap during os.Getenv, but the cached
// copy is protected.
type EnvCredentialSource struct {
	// Prefix is prepended to credential names when looking up env
	// vars. Example: Prefix="VOICEBRIDGE_" means Get("deepgram-api-key")
	// looks up VOICEBRIDGE_DEEPGRAM_API_KEY. The default empty prefix
	// preserves the plain DEEPGRAM_API_KEY contract.
	Prefix string

	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get retrieves a credential from environment variables.
func (s *EnvCredentialSource) Get(name string) *secret.Buffer {
	// Convert credential name to env var format: deepgram-api-key -> DEEPGRAM_API_KEY
	envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if s.Prefix != "" {
		envName = s.Prefix + envName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		if buffer, ok := s.cache[name]; ok {
			return buffer
		}
	}

	value := os.Getenv(envName)
	if value == "" {
		return nil
	}

	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases all cached credential buffers.
func (s *EnvCredentialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// FileCredentialSource reads credentials from a key=value file.
// This is more secure than environment variables because file contents
// are not visible in /proc/*/environ.
//
// File format (one credential per line):
//
//	DEEPGRAM_API_KEY=dg-...
//
// Lines starting with # are comments. Empty lines are ignored.
//
// Thread safety: Get is safe for concurrent use. The file is loaded
// lazily on first Get via sync.Once. Close must not be called
// concurrently with Get (the caller must ensure no reads are in flight).
type FileCredentialSource struct {
	// Path is the path to the credentials file.
	Path string

	// credentials is the parsed credential map, loaded lazily via once.
	once        sync.Once
	credentials map[string]*secret.Buffer
}

// Get retrieves a credential from the file.
func (s *FileCredentialSource) Get(name string) *secret.Buffer {
	s.once.Do(s.load)
	// Convert credential name to file key format: deepgram-api-key -> DEEPGRAM_API_KEY
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return s.credentials[key]
}

// Close releases all credential buffers.
func (s *FileCredentialSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

// load parses the credentials file. Called via sync.Once from Get.
func (s *FileCredentialSource) load() {
	s.credentials = make(map[string]*secret.Buffer)

	if s.Path == "" {
		return
	}

	file, err := os.Open(s.Path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Skip empty lines and comments.
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Parse key=value.
		if index := strings.Index(line, "="); index > 0 {
			key := strings.TrimSpace(line[:index])
			value := strings.TrimSpace(line[index+1:])
			buffer, err := secret.NewFromBytes([]byte(value))
			if err != nil {
				continue
			}
			s.credentials[key] = buffer
		}
	}
}

// SystemdCredentialSource reads credentials from systemd's credential
// directory. See: https://systemd.io/CREDENTIALS/
type SystemdCredentialSource struct {
	// Directory is the path to the credentials directory.
	// Defaults to $CREDENTIALS_DIRECTORY if empty.
	Directory string

	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get retrieves a credential from the systemd credentials directory.
func (s *SystemdCredentialSource) Get(name string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		if buffer, ok := s.cache[name]; ok {
			return buffer
		}
	}

	directory := s.Directory
	if directory == "" {
		directory = os.Getenv("CREDENTIALS_DIRECTORY")
	}
	if directory == "" {
		return nil
	}

	// secret.ReadFile trims the trailing newline systemd credential
	// files carry and zeroes the intermediate heap copies.
	buffer, err := secret.ReadFile(filepath.Join(directory, name))
	if err != nil {
		return nil
	}

	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases all cached credential buffers.
func (s *SystemdCredentialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// MapCredentialSource provides credentials from mmap-backed buffers.
// Use NewMapCredentialSource to construct from a string map. Used in
// tests.
//
// Thread safety: the credentials map is immutable after construction.
// Get is safe for concurrent use. Close must not be called concurrently
// with Get (the caller must ensure no reads are in flight).
type MapCredentialSource struct {
	credentials map[string]*secret.Buffer
}

// NewMapCredentialSource creates a MapCredentialSource from string values.
// Each value is copied into an mmap-backed buffer. Returns an error if
// any buffer allocation fails.
func NewMapCredentialSource(values map[string]string) (*MapCredentialSource, error) {
	credentials := make(map[string]*secret.Buffer, len(values))
	for key, value := range values {
		buffer, err := secret.NewFromBytes([]byte(value))
		if err != nil {
			// Clean up already-created buffers.
			for _, existing := range credentials {
				existing.Close()
			}
			return nil, fmt.Errorf("creating credential buffer for %q: %w", key, err)
		}
		credentials[key] = buffer
	}
	return &MapCredentialSource{credentials: credentials}, nil
}

// Get retrieves a credential from the map.
func (s *MapCredentialSource) Get(name string) *secret.Buffer {
	if s.credentials == nil {
		return nil
	}
	return s.credentials[name]
}

// Close releases all credential buffers.
func (s *MapCredentialSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

// ChainCredentialSource tries multiple credential sources in order.
// Returns the first non-nil value found. The gateway's main wires
// systemd -> file (when configured) -> env.
//
// Thread safety: the Sources slice is immutable after construction.
// Get is safe for concurrent use if all child sources are safe for
// concurrent use. Close must not be called concurrently with Get.
type ChainCredentialSource struct {
	Sources []CredentialSource
}

// Get tries each source in order and returns the first non-nil value.
func (s *ChainCredentialSource) Get(name string) *secret.Buffer {
	for _, source := range s.Sources {
		if value := source.Get(name); value != nil {
			return value
		}
	}
	return nil
}

// Close closes all child credential sources.
func (s *ChainCredentialSource) Close() error {
	for _, source := range s.Sources {
		source.Close()
	}
	return nil
}

// Verify credential sources implement CredentialSource interface.
var (
	_ CredentialSource = (*EnvCredentialSource)(nil)
	_ CredentialSource = (*FileCredentialSource)(nil)
	_ CredentialSource = (*SystemdCredentialSource)(nil)
	_ CredentialSource = (*MapCredentialSource)(nil)
	_ CredentialSource = (*ChainCredentialSource)(nil)
)
