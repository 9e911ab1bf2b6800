package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yo-labs/yo/internal/backend"
)

// fakeBrain lets each test script the blocking and streaming behavior.
type fakeBrain struct {
	chatFn   func(ctx context.Context, req ChatRequest) (ChatReply, error)
	streamFn func(ctx context.Context, req ChatRequest) <-chan StreamChunk
}

func (b *fakeBrain) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	if b.chatFn == nil {
		return ChatReply{}, errors.New("chat not scripted")
	}
	return b.chatFn(ctx, req)
}

func (b *fakeBrain) ChatStream(ctx context.Context, req ChatRequest) <-chan StreamChunk {
	if b.streamFn == nil {
		out := make(chan StreamChunk)
		close(out)
		return out
	}
	return b.streamFn(ctx, req)
}

func (b *fakeBrain) ChatAsync(ctx context.Context, req ChatRequest, timeout time.Duration) (ChatReply, error) {
	bounded, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.Chat(bounded, req)
}

// chunkStream builds a scripted ChatStream function.
func chunkStream(chunks ...StreamChunk) func(ctx context.Context, req ChatRequest) <-chan StreamChunk {
	return func(ctx context.Context, req ChatRequest) <-chan StreamChunk {
		out := make(chan StreamChunk)
		go func() {
			defer close(out)
			for _, chunk := range chunks {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
}

// memSink collects metric samples in memory.
type memSink struct {
	mu      sync.Mutex
	records map[string][]map[string]any
}

func newMemSink() *memSink {
	return &memSink{records: map[string][]map[string]any{}}
}

func (m *memSink) Record(metricType string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[metricType] = append(m.records[metricType], fields)
}

func (m *memSink) count(metricType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[metricType])
}

// stubProber reports a fixed availability summary.
type stubProber struct {
	summary backend.Summary
}

func (p stubProber) Detect() backend.Summary { return p.summary }
