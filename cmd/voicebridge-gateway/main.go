// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Voicebridge-gateway is the WebSocket gateway bridging browser audio
// to the Deepgram live transcription API and relaying chat requests to
// the application's chat endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicebridge/voicebridge/chat"
	"github.com/voicebridge/voicebridge/gateway"
	"github.com/voicebridge/voicebridge/lib/binhash"
	"github.com/voicebridge/voicebridge/lib/version"
	"github.com/voicebridge/voicebridge/stt"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listenAddress string
	var credentialFile string
	var credentialPrefix string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "path to config file (optional, defaults reproduce the standard deployment)")
	flag.StringVar(&listenAddress, "listen", "", "listen address override (host:port)")
	flag.StringVar(&credentialFile, "credential-file", "", "path to credentials file (key=value format, more secure than env vars)")
	flag.StringVar(&credentialPrefix, "credential-prefix", "", "prefix for environment variable credentials")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("voicebridge-gateway %s\n", version.Full())
		return nil
	}

	// A .env file in the working directory is loaded into the process
	// environment when present, matching the usual development setup.
	// Existing environment variables win.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("loading .env: %w", err)
		}
	}

	// Set up structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if configPath == "" {
		configPath = os.Getenv("VOICEBRIDGE_CONFIG")
	}

	config, err := gateway.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddress != "" {
		config.ListenAddress = listenAddress
	}
	if credentialPrefix != "" {
		config.CredentialPrefix = credentialPrefix
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	digest := binaryDigest(logger)
	logger.Info("starting voicebridge-gateway",
		"version", version.Info(),
		"binary_sha256", digest,
	)
	logger.Info("loaded configuration",
		"listen_address", config.ListenAddress,
		"stt_model", config.STT.Model,
		"chat_upstream", config.Chat.UpstreamURL,
		"transcript_log", config.TranscriptLog.Enabled,
	)

	// Set up credential sources in priority order:
	// 1. systemd credentials (production)
	// 2. File-based credentials (secure dev - file not visible in /proc)
	// 3. Environment variables (fallback - WARNING: visible in /proc/*/environ)
	sources := []gateway.CredentialSource{
		&gateway.SystemdCredentialSource{},
	}
	if credentialFile != "" {
		sources = append(sources, &gateway.FileCredentialSource{Path: credentialFile})
		logger.Info("using credential file", "path", credentialFile)
	}
	sources = append(sources, &gateway.EnvCredentialSource{Prefix: config.CredentialPrefix})
	credentials := &gateway.ChainCredentialSource{Sources: sources}
	defer credentials.Close()

	if credentials.Get(stt.CredentialName) == nil {
		logger.Warn("credential not available at startup, transcription will fail until it is provided",
			"credential", stt.CredentialName,
		)
	}

	transcriber, err := stt.NewDeepgram(stt.DeepgramConfig{
		URL:        config.STT.URL,
		Credential: credentials,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create transcriber: %w", err)
	}

	relay, err := chat.New(chat.RelayConfig{
		UpstreamURL:    config.Chat.UpstreamURL,
		RequestTimeout: time.Duration(config.Chat.RequestTimeoutSeconds) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create chat relay: %w", err)
	}

	stats := gateway.NewStats()

	var translog *gateway.TranscriptLog
	if config.TranscriptLog.Enabled {
		translog, err = gateway.NewTranscriptLog(gateway.TranscriptLogConfig{
			Directory:   config.TranscriptLog.Directory,
			RotateBytes: config.TranscriptLog.RotateBytes,
			Compress:    config.TranscriptLog.Compress,
			OnDrop:      stats.LogRecordDropped,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open transcript log: %w", err)
		}
		defer translog.Close()
		logger.Info("transcript log enabled", "directory", config.TranscriptLog.Directory)
	}

	server, err := gateway.NewServer(gateway.ServerConfig{
		ListenAddress:   config.ListenAddress,
		AllowedOrigins:  config.AllowedOrigins,
		ShutdownTimeout: time.Duration(config.ShutdownTimeoutSeconds) * time.Second,
		PingInterval:    time.Duration(config.PingIntervalSeconds) * time.Second,
		PongTimeout:     time.Duration(config.PongTimeoutSeconds) * time.Second,
		MaxMessageBytes: config.MaxMessageBytes,
		Transcriber:     transcriber,
		STTOptions: stt.Options{
			Model:          config.STT.Model,
			Language:       config.STT.Language,
			SmartFormat:    config.STT.SmartFormat,
			InterimResults: config.STT.InterimResults,
			Endpointing:    config.STT.Endpointing,
			UtteranceEndMS: config.STT.UtteranceEndMS,
			Punctuate:      config.STT.Punctuate,
			SampleRate:     config.STT.SampleRate,
			Encoding:       config.STT.Encoding,
		},
		Chat:          relay,
		TranscriptLog: translog,
		Stats:         stats,
		Version:       version.Info(),
		BinaryDigest:  digest,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Run until SIGINT or SIGTERM; Serve performs graceful shutdown on
	// context cancellation.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// binaryDigest hashes the running executable for the health endpoint.
// Failures are logged and leave the digest empty rather than refusing
// to start.
func binaryDigest(logger *slog.Logger) string {
	executable, err := os.Executable()
	if err != nil {
		logger.Warn("resolving executable path", "error", err)
		return ""
	}
	digest, err := binhash.HashFile(executable)
	if err != nil {
		logger.Warn("hashing executable", "error", err)
		return ""
	}
	return binhash.FormatDigest(digest)
}
