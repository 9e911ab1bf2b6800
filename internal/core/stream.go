package core

import (
	"context"
	"log"
	"strings"
	"time"
)

// streamWithReconnect drives one logical token stream over any number of
// transport attempts. A stall is a silence window elapsing or the transport
// closing before its terminal line; stalls reopen the stream until the
// reconnect budget is spent. Text accumulated across attempts is kept, so a
// reconnect never loses tokens already delivered.
func (b *OllamaBrain) streamWithReconnect(ctx context.Context, model, prompt string, out chan<- StreamChunk) {
	var assembled strings.Builder
	attempts := 0
	started := time.Now()

	tokens := b.openStream(ctx, model, prompt)
	timer := time.NewTimer(b.cfg.StreamSilenceWindow)
	defer timer.Stop()

	for {
		select {
		case token, ok := <-tokens:
			if !ok {
				// Closed without a terminal line: treat as a stall.
				tokens = nil
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(b.cfg.StreamSilenceWindow)
				if token.Text != "" {
					assembled.WriteString(token.Text)
					if !emit(ctx, out, StreamChunk{Token: token.Text}) {
						return
					}
				}
				if token.Done {
					emit(ctx, out, StreamChunk{Done: true, Response: assembled.String()})
					return
				}
				continue
			}
		case <-timer.C:
			tokens = nil
		case <-ctx.Done():
			return
		}

		// Stalled. Spend one reconnect or give up.
		b.metrics.Record("stream_timeout", map[string]any{
			"model":      model,
			"elapsed_ms": time.Since(started).Milliseconds(),
		})
		attempts++
		if attempts > b.cfg.StreamMaxReconnects {
			if assembled.Len() == 0 {
				b.metrics.Record("stream_drops", map[string]any{"model": model})
				log.Printf("Stream for model %s produced nothing after %d attempts", model, attempts)
				return
			}
			log.Printf("Stream for model %s gave up reconnecting with partial text", model)
			emit(ctx, out, StreamChunk{Done: true, Response: assembled.String()})
			return
		}

		b.metrics.Record("stream_reconnect_attempts", map[string]any{
			"model":   model,
			"attempt": attempts,
		})
		log.Printf("Reconnecting stream for model %s (attempt %d/%d)", model, attempts, b.cfg.StreamMaxReconnects)
		select {
		case <-time.After(b.cfg.StreamReconnectBackoff):
		case <-ctx.Done():
			return
		}
		tokens = b.openStream(ctx, model, prompt)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.cfg.StreamSilenceWindow)
	}
}
