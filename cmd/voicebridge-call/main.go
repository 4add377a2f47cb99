// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Voicebridge-call is a development client for the gateway. It streams
// an audio file (or stdin) over the session WebSocket and prints the
// transcript events as they come back, or relays a single chat request
// and prints the streamed response.
//
// Examples:
//
//	voicebridge-call --audio sample.webm
//	ffmpeg -i talk.wav -f webm - | voicebridge-call --audio -
//	voicebridge-call --chat "what did I just say?"
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/voicebridge/voicebridge/lib/netutil"
	"github.com/voicebridge/voicebridge/lib/version"
)

// gatewayEvent covers every event the gateway sends. Fields unused by
// a given event type are simply zero.
type gatewayEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var gatewayURL string
	var origin string
	var audioPath string
	var frameBytes int
	var frameInterval time.Duration
	var chatPrompt string
	var showVersion bool

	pflag.StringVar(&gatewayURL, "gateway", "ws://localhost:8000/ws", "gateway WebSocket URL")
	pflag.StringVar(&origin, "origin", "", "Origin header to send with the handshake")
	pflag.StringVar(&audioPath, "audio", "", "audio file to stream (\"-\" for stdin)")
	pflag.IntVar(&frameBytes, "frame-bytes", 3200, "audio bytes per frame")
	pflag.DurationVar(&frameInterval, "frame-interval", 100*time.Millisecond, "delay between audio frames")
	pflag.StringVar(&chatPrompt, "chat", "", "send one chat request instead of streaming audio")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("voicebridge-call %s\n", version.Full())
		return nil
	}
	if chatPrompt == "" && audioPath == "" {
		return fmt.Errorf("either --audio or --chat is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, response, err := dialer.DialContext(ctx, gatewayURL, header)
	if err != nil {
		if response != nil {
			body := netutil.ErrorBody(response.Body)
			response.Body.Close()
			return fmt.Errorf("dialing %s: %w (status %s: %s)", gatewayURL, err, response.Status, body)
		}
		return fmt.Errorf("dialing %s: %w", gatewayURL, err)
	}
	defer conn.Close()

	if chatPrompt != "" {
		return runChat(conn, chatPrompt)
	}
	return runTranscription(ctx, conn, audioPath, frameBytes, frameInterval)
}

// runTranscription streams the audio source as paced binary frames and
// prints transcript events until the gateway reports the utterance
// closed. Interim transcripts go to stderr, finals to stdout, so the
// final transcript survives a pipe.
func runTranscription(ctx context.Context, conn *websocket.Conn, audioPath string, frameBytes int, frameInterval time.Duration) error {
	source, err := openAudio(audioPath)
	if err != nil {
		return err
	}
	defer source.Close()

	ready := make(chan struct{})
	closed := make(chan struct{})
	var readyOnce sync.Once

	go func() {
		defer close(closed)
		for {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var event gatewayEvent
			if err := json.Unmarshal(data, &event); err != nil {
				fmt.Fprintf(os.Stderr, "unparseable event: %s\n", data)
				continue
			}
			switch event.Type {
			case "stt_ready":
				readyOnce.Do(func() { close(ready) })
			case "stt_transcript":
				if event.IsFinal {
					fmt.Println(event.Text)
				} else {
					fmt.Fprintf(os.Stderr, "~ %s\n", event.Text)
				}
			case "stt_utterance_end":
				fmt.Fprintln(os.Stderr, "-- utterance end --")
			case "stt_closed":
				return
			case "error":
				fmt.Fprintf(os.Stderr, "gateway error: %s\n", event.Error)
			}
		}
	}()

	if err := conn.WriteJSON(map[string]string{"action": "start_transcription"}); err != nil {
		return fmt.Errorf("sending start: %w", err)
	}

	select {
	case <-ready:
	case <-closed:
		return fmt.Errorf("connection closed before transcription started")
	case <-ctx.Done():
		return ctx.Err()
	}

	// Pace the audio roughly like a live microphone would.
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	frame := make([]byte, frameBytes)

streaming:
	for {
		n, err := io.ReadFull(source, frame)
		if n > 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame[:n]); err != nil {
				return fmt.Errorf("sending audio: %w", err)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading audio: %w", err)
		}
		select {
		case <-ticker.C:
		case <-closed:
			break streaming
		case <-ctx.Done():
			break streaming
		}
	}

	if err := conn.WriteJSON(map[string]string{"action": "stop_transcription"}); err != nil {
		return fmt.Errorf("sending stop: %w", err)
	}

	select {
	case <-closed:
	case <-time.After(15 * time.Second):
		return fmt.Errorf("timed out waiting for the utterance to close")
	case <-ctx.Done():
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}

// runChat sends one chat request and prints the streamed tokens.
func runChat(conn *websocket.Conn, prompt string) error {
	request := struct {
		Action   string        `json:"action"`
		Messages []chatMessage `json:"messages"`
	}{
		Action:   "chat",
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if err := conn.WriteJSON(request); err != nil {
		return fmt.Errorf("sending chat request: %w", err)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		var event gatewayEvent
		if err := json.Unmarshal(data, &event); err != nil {
			fmt.Fprintf(os.Stderr, "unparseable event: %s\n", data)
			continue
		}
		switch event.Type {
		case "chat_token":
			fmt.Print(event.Text)
		case "chat_done":
			fmt.Println()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case "error":
			return fmt.Errorf("gateway error: %s", event.Error)
		}
	}
}

func openAudio(path string) (io.ReadCloser, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	return file, nil
}
