// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the gateway. The zero
// config file (or no file at all) reproduces the original deployment:
// listen on 0.0.0.0:8000, allow all origins, Deepgram defaults, chat
// upstream on localhost:3000. The container runs on env vars alone.
type Config struct {
	// ListenAddress is the TCP address the gateway binds.
	// Default: 0.0.0.0:8000.
	ListenAddress string `yaml:"listen_address"`

	// AllowedOrigins lists origins allowed to connect, for both CORS
	// response headers and the WebSocket upgrade origin check. "*"
	// allows every origin. Default: ["*"].
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeoutSeconds bounds graceful shutdown: how long to
	// wait for in-flight sessions to drain. Default: 10.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	// PingIntervalSeconds is the keepalive ping cadence on client
	// connections. Default: 20.
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`

	// PongTimeoutSeconds is how long past a ping the gateway waits
	// for a pong before closing the session. Default: 20.
	PongTimeoutSeconds int `yaml:"pong_timeout_seconds"`

	// MaxMessageBytes limits a single client frame. Default: 1 MiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// STT configures the transcription upstream.
	STT STTConfig `yaml:"stt"`

	// Chat configures the chat relay upstream.
	Chat ChatConfig `yaml:"chat"`

	// TranscriptLog configures the opt-in transcript audit log.
	TranscriptLog TranscriptLogSettings `yaml:"transcript_log"`

	// CredentialPrefix is the environment variable prefix for
	// credentials. The default empty prefix preserves the plain
	// DEEPGRAM_API_KEY contract.
	CredentialPrefix string `yaml:"credential_prefix"`
}

// STTConfig configures the transcription upstream and the options
// passed on every utterance dial.
type STTConfig struct {
	// URL is the live transcription endpoint. Empty uses the
	// vendor default.
	URL string `yaml:"url"`

	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	SmartFormat    bool   `yaml:"smart_format"`
	InterimResults bool   `yaml:"interim_results"`
	Endpointing    bool   `yaml:"endpointing"`
	UtteranceEndMS int    `yaml:"utterance_end_ms"`
	Punctuate      bool   `yaml:"punctuate"`

	// SampleRate and Encoding are passed through when set; zero
	// values let the vendor detect them from the container format.
	SampleRate int    `yaml:"sample_rate"`
	Encoding   string `yaml:"encoding"`
}

// ChatConfig configures the chat relay upstream.
type ChatConfig struct {
	// UpstreamURL is the chat endpoint.
	// Default: http://localhost:3000/api/chat.
	UpstreamURL string `yaml:"upstream_url"`

	// RequestTimeoutSeconds bounds a whole chat request including
	// the streamed body. Zero means no overall timeout (streams are
	// long-lived). Default: 0.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// TranscriptLogSettings configures the opt-in JSONL audit stream of
// final transcripts and chat completions.
type TranscriptLogSettings struct {
	// Enabled turns the transcript log on. Default: false.
	Enabled bool `yaml:"enabled"`

	// Directory is where log files are written. Required when
	// enabled.
	Directory string `yaml:"directory"`

	// RotateBytes rotates the active file once it exceeds this
	// size. Default: 64 MiB.
	RotateBytes int64 `yaml:"rotate_bytes"`

	// Compress compresses rotated files with zstd. Default: true.
	Compress bool `yaml:"compress"`
}

// DefaultConfig returns the configuration matching the original
// deployment.
func DefaultConfig() Config {
	return Config{
		ListenAddress:          "0.0.0.0:8000",
		AllowedOrigins:         []string{"*"},
		ShutdownTimeoutSeconds: 10,
		PingIntervalSeconds:    20,
		PongTimeoutSeconds:     20,
		MaxMessageBytes:        1 << 20,
		STT: STTConfig{
			Model:          "nova-2",
			Language:       "en-US",
			SmartFormat:    true,
			InterimResults: true,
			Endpointing:    true,
			UtteranceEndMS: 2500,
			Punctuate:      true,
		},
		Chat: ChatConfig{
			UpstreamURL: "http://localhost:3000/api/chat",
		},
		TranscriptLog: TranscriptLogSettings{
			RotateBytes: 64 << 20,
			Compress:    true,
		},
	}
}

// LoadConfig loads configuration from a YAML file, applying defaults
// for any keys the file leaves unset. An empty path returns the
// defaults — the config file is optional.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal over the defaults: keys absent from the file
		// keep their default values.
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// CHAT_API_URL overrides the chat upstream regardless of the
	// config file. This is the original deployment's env contract.
	if override := os.Getenv("CHAT_API_URL"); override != "" {
		config.Chat.UpstreamURL = override
	}

	return &config, nil
}

// Validate checks that the configuration is usable. All problems are
// reported together.
func (c *Config) Validate() error {
	var problems []error

	if _, port, err := net.SplitHostPort(c.ListenAddress); err != nil {
		problems = append(problems, fmt.Errorf("listen_address %q: %w", c.ListenAddress, err))
	} else if _, err := strconv.Atoi(port); err != nil {
		problems = append(problems, fmt.Errorf("listen_address %q: port must be numeric", c.ListenAddress))
	}

	if len(c.AllowedOrigins) == 0 {
		problems = append(problems, errors.New("allowed_origins must not be empty"))
	}

	if c.ShutdownTimeoutSeconds <= 0 {
		problems = append(problems, errors.New("shutdown_timeout_seconds must be positive"))
	}
	if c.PingIntervalSeconds <= 0 {
		problems = append(problems, errors.New("ping_interval_seconds must be positive"))
	}
	if c.PongTimeoutSeconds <= 0 {
		problems = append(problems, errors.New("pong_timeout_seconds must be positive"))
	}
	if c.MaxMessageBytes <= 0 {
		problems = append(problems, errors.New("max_message_bytes must be positive"))
	}

	if c.STT.URL != "" {
		if parsed, err := url.Parse(c.STT.URL); err != nil {
			problems = append(problems, fmt.Errorf("stt.url: %w", err))
		} else if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			problems = append(problems, fmt.Errorf("stt.url scheme must be ws or wss, got %q", parsed.Scheme))
		}
	}
	if c.STT.Model == "" {
		problems = append(problems, errors.New("stt.model is required"))
	}
	if c.STT.UtteranceEndMS < 0 {
		problems = append(problems, errors.New("stt.utterance_end_ms must not be negative"))
	}

	if c.Chat.UpstreamURL == "" {
		problems = append(problems, errors.New("chat.upstream_url is required"))
	} else if parsed, err := url.Parse(c.Chat.UpstreamURL); err != nil {
		problems = append(problems, fmt.Errorf("chat.upstream_url: %w", err))
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		problems = append(problems, fmt.Errorf("chat.upstream_url scheme must be http or https, got %q", parsed.Scheme))
	}

	if c.TranscriptLog.Enabled {
		if c.TranscriptLog.Directory == "" {
			problems = append(problems, errors.New("transcript_log.directory is required when transcript_log.enabled"))
		}
		if c.TranscriptLog.RotateBytes <= 0 {
			problems = append(problems, errors.New("transcript_log.rotate_bytes must be positive"))
		}
	}

	return errors.Join(problems...)
}
