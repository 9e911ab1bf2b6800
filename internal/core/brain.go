// Package core holds the chat delivery pipeline: the brain that produces
// replies, the session store that owns conversation state, the reconnecting
// stream wrapper, and the arbiter that guarantees every request an answer.
package core

import (
	"context"
	"time"
)

// ChatTurn is one completed user/assistant exchange as seen by the brain.
type ChatTurn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// ChatRequest carries one inbound message plus the history snapshot taken by
// the session store before the brain is consulted.
type ChatRequest struct {
	Message   string
	Namespace string
	History   []ChatTurn
	Web       bool
}

// ChatReply is a complete blocking answer.
type ChatReply struct {
	Response  string
	Context   string
	Citations []string
}

// StreamChunk is one emission from a streaming answer. Intermediate chunks
// carry Token; the final chunk has Done set and the assembled Response.
type StreamChunk struct {
	Token     string
	Done      bool
	Response  string
	Citations []string
}

// Brain produces replies. Implementations must be safe for concurrent use.
type Brain interface {
	Chat(ctx context.Context, req ChatRequest) (ChatReply, error)
	ChatStream(ctx context.Context, req ChatRequest) <-chan StreamChunk
	ChatAsync(ctx context.Context, req ChatRequest, timeout time.Duration) (ChatReply, error)
}
