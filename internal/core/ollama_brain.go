package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/yo-labs/yo/internal/backend"
	"github.com/yo-labs/yo/internal/config"
	"github.com/yo-labs/yo/internal/metrics"
)

// StreamOpener opens one token stream attempt. The production opener is the
// Ollama client; tests substitute scripted openers to exercise reconnects.
type StreamOpener func(ctx context.Context, model, prompt string) <-chan backend.Token

// OllamaBrain routes chat requests to the locally running model runtime,
// falling back to the hosted provider when backend selection says so.
type OllamaBrain struct {
	cfg        *config.Config
	prober     backend.Prober
	ollama     *backend.OllamaClient
	gemini     *backend.GeminiClient
	metrics    metrics.Sink
	openStream StreamOpener
}

func NewOllamaBrain(cfg *config.Config, prober backend.Prober, ollama *backend.OllamaClient, gemini *backend.GeminiClient, sink metrics.Sink) *OllamaBrain {
	b := &OllamaBrain{
		cfg:     cfg,
		prober:  prober,
		ollama:  ollama,
		gemini:  gemini,
		metrics: sink,
	}
	b.openStream = func(ctx context.Context, model, prompt string) <-chan backend.Token {
		return ollama.GenerateStream(ctx, model, prompt)
	}
	return b
}

// SetStreamOpener replaces the stream transport. Test hook.
func (b *OllamaBrain) SetStreamOpener(opener StreamOpener) {
	b.openStream = opener
}

func (b *OllamaBrain) selectChatModel(namespace string) (backend.ModelSelection, error) {
	return backend.SelectModel(backend.TaskChat, b.cfg, b.prober.Detect(), backend.SelectOptions{Namespace: namespace})
}

// Chat produces a complete blocking reply. Backend selection is recomputed
// per call so that a runtime that came up mid-session is picked up.
func (b *OllamaBrain) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	selection, err := b.selectChatModel(req.Namespace)
	if err != nil {
		return ChatReply{}, err
	}

	prompt := buildPrompt(req)
	started := time.Now()

	var text string
	switch selection.Provider {
	case backend.ProviderGemini:
		if b.gemini == nil {
			return ChatReply{}, fmt.Errorf("gemini selected but no client is configured")
		}
		text, err = b.gemini.Generate(ctx, selection.Model, prompt)
		if err != nil {
			return ChatReply{}, err
		}
	default:
		text = b.ollama.Generate(ctx, selection.Model, prompt)
	}

	b.metrics.Record("chat_turn", map[string]any{
		"namespace":   req.Namespace,
		"model":       selection.Spec,
		"duration_ms": time.Since(started).Milliseconds(),
		"streamed":    false,
	})
	return ChatReply{Response: text}, nil
}

// Embedding is one computed embedding vector plus the selection that
// produced it.
type Embedding struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Vector   []float32 `json:"embedding"`
}

// Embed computes an embedding for one text, resolving the embedding model
// with the same precedence and fallback as chat selection.
func (b *OllamaBrain) Embed(ctx context.Context, namespace, text string) (Embedding, error) {
	selection, err := backend.SelectModel(backend.TaskEmbedding, b.cfg, b.prober.Detect(), backend.SelectOptions{Namespace: namespace})
	if err != nil {
		return Embedding{}, err
	}

	var vector []float32
	switch selection.Provider {
	case backend.ProviderGemini:
		if b.gemini == nil {
			return Embedding{}, fmt.Errorf("gemini selected but no client is configured")
		}
		vector, err = b.gemini.GetEmbedding(ctx, selection.Model, text)
	default:
		vector, err = b.ollama.Embeddings(ctx, selection.Model, text)
	}
	if err != nil {
		return Embedding{}, fmt.Errorf("embedding with %s failed: %w", selection.Spec, err)
	}
	return Embedding{Provider: selection.Provider, Model: selection.Model, Vector: vector}, nil
}

// ChatAsync is Chat bounded by its own deadline, used by the rescue path.
func (b *OllamaBrain) ChatAsync(ctx context.Context, req ChatRequest, timeout time.Duration) (ChatReply, error) {
	bounded, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.Chat(bounded, req)
}

// ChatStream produces a channel of reply chunks, ending with a Done chunk
// that carries the assembled response. Providers without token streaming get
// a blocking answer emitted as a single terminal chunk.
func (b *OllamaBrain) ChatStream(ctx context.Context, req ChatRequest) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		selection, err := b.selectChatModel(req.Namespace)
		if err != nil {
			log.Printf("Stream aborted before start: %v", err)
			return
		}

		prompt := buildPrompt(req)
		if selection.Provider != backend.ProviderOllama {
			reply, err := b.Chat(ctx, req)
			if err != nil {
				log.Printf("Blocking reply inside stream failed: %v", err)
				return
			}
			emit(ctx, out, StreamChunk{Done: true, Response: reply.Response})
			return
		}

		b.streamWithReconnect(ctx, selection.Model, prompt, out)
	}()
	return out
}

func emit(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildPrompt flattens the history snapshot and the new message into a plain
// transcript prompt.
func buildPrompt(req ChatRequest) string {
	var sb strings.Builder
	for _, turn := range req.History {
		sb.WriteString("User: ")
		sb.WriteString(turn.User)
		sb.WriteString("\nAssistant: ")
		sb.WriteString(turn.Assistant)
		sb.WriteString("\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(req.Message)
	sb.WriteString("\nAssistant:")
	return sb.String()
}
