package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Token is one normalized fragment from a generation stream. The terminal
// line of a stream carries Done; a stream that dies early is closed without
// one, which the reconnecting wrapper treats as a stall.
type Token struct {
	Text string
	Done bool
}

// OllamaClient talks to an Ollama-compatible /api/generate endpoint. All
// network and HTTP failures are absorbed here: Generate returns whatever
// text was accumulated (possibly none) and GenerateStream terminates the
// sequence early, leaving stall handling to the caller.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client-level timeout: streaming responses are long-lived and
		// bounded by the request context instead.
		httpClient: &http.Client{},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateLine covers both payload positions the endpoint may use: a bare
// "response" field or a chat-style "message.content".
type generateLine struct {
	Response string `json:"response"`
	Message  struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (l generateLine) fragment() string {
	if l.Response != "" {
		return l.Response
	}
	return l.Message.Content
}

// Generate issues a blocking generation call and returns the reply text.
// Failures are logged and yield an empty string, never an error.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string) string {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		log.Printf("Failed to encode generate request: %v", err)
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		log.Printf("Failed to build generate request: %v", err)
		return ""
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("Ollama generate failed: %v", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("Ollama generate returned HTTP %d", resp.StatusCode)
		return ""
	}

	// Non-streaming responses are a single JSON object, but tolerate
	// servers that answer with newline-delimited fragments anyway.
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var payload generateLine
		if err := json.Unmarshal(line, &payload); err != nil {
			continue
		}
		text.WriteString(payload.fragment())
		if payload.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Ollama generate read failed after %d bytes: %v", text.Len(), err)
	}
	return text.String()
}

type embeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// Embeddings computes an embedding vector for one text. Unlike generation,
// failures surface as errors: there is no degraded vector to fall back to.
func (c *OllamaClient) Embeddings(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(payload.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding data received from ollama")
	}
	return payload.Embedding, nil
}

// GenerateStream opens a streaming generation call and returns a channel of
// normalized tokens. Malformed lines are skipped. The channel is closed when
// the terminal done line is seen, on failure, or when ctx is cancelled; only
// the first case emits a Done token.
func (c *OllamaClient) GenerateStream(ctx context.Context, model, prompt string) <-chan Token {
	out := make(chan Token)
	go func() {
		defer close(out)

		body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: true})
		if err != nil {
			log.Printf("Failed to encode stream request: %v", err)
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			log.Printf("Failed to build stream request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		started := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.Printf("Ollama stream failed to open: %v", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Printf("Ollama stream returned HTTP %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var payload generateLine
			if err := json.Unmarshal(line, &payload); err != nil {
				continue
			}
			token := Token{Text: payload.fragment(), Done: payload.Done}
			select {
			case out <- token:
			case <-ctx.Done():
				return
			}
			if payload.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Printf("Ollama stream died after %s: %v", time.Since(started).Round(time.Millisecond), err)
		}
	}()
	return out
}
