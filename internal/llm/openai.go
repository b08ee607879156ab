package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// openaiStreamer talks to any OpenAI-compatible /chat/completions endpoint
// with stream=true and relays SSE deltas as Chunks.
type openaiStreamer struct {
	cfg  Config
	http *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (s *openaiStreamer) Name() string {
	return s.cfg.Model
}

func (s *openaiStreamer) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: s.cfg.Temperature,
		TopP:        s.cfg.TopP,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	client := s.http
	if client == nil {
		// No client timeout here: the watchdog owns the wall clock via ctx.
		client = &http.Client{}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("model endpoint returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				emit(ctx, out, Chunk{Done: true})
				return
			}

			var delta streamDelta
			if err := json.Unmarshal([]byte(payload), &delta); err != nil {
				// Tolerate runtime-specific keepalive lines.
				continue
			}
			for _, choice := range delta.Choices {
				if choice.Delta.Content != "" {
					if !emit(ctx, out, Chunk{Text: choice.Delta.Content}) {
						return
					}
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					emit(ctx, out, Chunk{Done: true})
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, out, Chunk{Err: fmt.Errorf("reading stream: %w", err)})
		}
	}()

	return out, nil
}

// emit sends a chunk unless the context is already cancelled.
func emit(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitClosed drains a chunk channel with a deadline. Used by cleanup paths
// that must not block forever on a stalled producer.
func WaitClosed(ch <-chan Chunk, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-t.C:
			return
		}
	}
}
