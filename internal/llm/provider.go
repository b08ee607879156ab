// Package llm provides a streaming chat adapter for locally hosted,
// OpenAI-compatible model runtimes (llama.cpp server, Ollama, LM Studio).
//
// Every call is self-contained: there is no session or memory state in the
// model tier, and no structured-output contract is requested. The stream is
// treated purely as untrusted text for the watchdog and parser.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Chunk is one streamed fragment of generated text.
type Chunk struct {
	Text string
	// Done marks the final chunk of a completed stream.
	Done bool
	// Err carries a mid-stream transport failure; the stream ends after it.
	Err error
}

// Request is a single chat completion call.
type Request struct {
	System string
	User   string
}

// Streamer streams a chat completion as text chunks. The returned channel is
// closed when the stream ends; cancelling ctx stops the stream.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	// Name returns a human-readable runtime name, e.g. "ollama/llama3.1:8b".
	Name() string
}

// Config holds runtime configuration for a local model endpoint.
type Config struct {
	// Endpoint is the API base, e.g. "http://localhost:11434/v1"; the
	// chat completions path is appended if missing.
	Endpoint string
	Model    string // model identifier the runtime expects
	APIKey   string // optional; most local runtimes ignore it
	// Deterministic decoding defaults; zero values are replaced.
	Temperature float64
	TopP        float64
}

// NewStreamer creates a streaming client for the configured endpoint.
func NewStreamer(cfg Config) (Streamer, error) {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("llm endpoint is required")
	}
	if !strings.HasSuffix(cfg.Endpoint, "/chat/completions") {
		cfg.Endpoint += "/chat/completions"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.1
	}
	if cfg.TopP == 0 {
		cfg.TopP = 0.9
	}
	return &openaiStreamer{cfg: cfg}, nil
}
