package core

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/yo-labs/yo/internal/backend"
	"github.com/yo-labs/yo/internal/config"
	"github.com/yo-labs/yo/internal/events"
)

const (
	// DefaultFallbackText is the reply of last resort. Every delivered
	// request ends with non-empty text, even when every backend path failed.
	DefaultFallbackText = "I'm having trouble right now, please try again."

	noBackendText = "No model backend is available right now, please try again."

	// rescueGrace bounds the direct brain call attempted after the overall
	// deadline has already expired.
	rescueGrace = 2 * time.Second
)

// DeliveryInput is one inbound chat request.
type DeliveryInput struct {
	Namespace string
	Message   string
	SessionID string
	Stream    bool
}

// DeliveryOptions carries the per-request timing knobs, normally taken from
// configuration but overridable per call.
type DeliveryOptions struct {
	StreamTimeout time.Duration
	ChatTimeout   time.Duration
	Fallback      config.FallbackMode
}

// ReplyBody wraps the reply text for the wire format.
type ReplyBody struct {
	Text string `json:"text"`
}

// ChatResult is the arbiter's answer. Reply.Text is always non-empty.
type ChatResult struct {
	Type      string     `json:"type"`
	Stream    bool       `json:"stream"`
	Fallback  bool       `json:"fallback"`
	Reply     ReplyBody  `json:"reply"`
	History   []ChatTurn `json:"history"`
	SessionID string     `json:"session_id"`
	Namespace string     `json:"namespace"`
}

// Deliverer arbitrates between the streaming and blocking delivery paths so
// that a stalled stream degrades to a slower complete answer instead of an
// error.
type Deliverer struct {
	brain Brain
	store *SessionStore
	bus   *events.Bus
}

func NewDeliverer(brain Brain, store *SessionStore, bus *events.Bus) *Deliverer {
	return &Deliverer{brain: brain, store: store, bus: bus}
}

type pathResult struct {
	exchange Exchange
	err      error
}

// Deliver answers one chat request. Streaming is attempted when requested
// and not forced off; if the stream misses its deadline the blocking path
// takes over, and if that fails too a direct brain call is tried before the
// canned text. Apart from empty input, Deliver does not return errors.
func (d *Deliverer) Deliver(ctx context.Context, input DeliveryInput, opts DeliveryOptions) (ChatResult, error) {
	if input.Message == "" {
		return ChatResult{}, ErrEmptyMessage
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ChatTimeout)
	defer cancel()

	// Pin the session up front so every racing path commits to the same ID.
	sid := d.store.ResolveSessionID(input.Namespace, input.SessionID)
	res := NewReservation()

	wantStream := input.Stream && opts.Fallback != config.FallbackForce
	if !wantStream {
		// A stream request forced onto the blocking path counts as a
		// fallback, and the relayed event must say so too.
		forced := input.Stream
		exchange, err := d.store.Send(ctx, d.brain, input.Namespace, input.Message, sid, res, true, forced)
		if err != nil {
			return d.rescue(ctx, input, sid, res, err), nil
		}
		result := d.result(input.Namespace, exchange, false)
		result.Fallback = forced
		return result, nil
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	streamDone := make(chan pathResult, 1)
	go func() {
		exchange, err := d.store.Stream(streamCtx, d.brain, input.Namespace, input.Message, sid, res, nil)
		streamDone <- pathResult{exchange, err}
	}()

	select {
	case outcome := <-streamDone:
		if outcome.err == nil {
			result := d.result(input.Namespace, outcome.exchange, true)
			return result, nil
		}
		log.Printf("Stream path failed for session %s: %v", sid, outcome.err)
	case <-time.After(opts.StreamTimeout):
		log.Printf("Stream path missed its %s deadline for session %s, falling back", opts.StreamTimeout, sid)
	case <-ctx.Done():
	}
	cancelStream()

	return d.fallbackSend(ctx, input, sid, res), nil
}

// fallbackSend is the blocking path taken after a streaming attempt gave up.
func (d *Deliverer) fallbackSend(ctx context.Context, input DeliveryInput, sid string, res *Reservation) ChatResult {
	sendDone := make(chan pathResult, 1)
	go func() {
		exchange, err := d.store.Send(ctx, d.brain, input.Namespace, input.Message, sid, res, false, true)
		sendDone <- pathResult{exchange, err}
	}()

	select {
	case outcome := <-sendDone:
		if outcome.err == nil {
			result := d.result(input.Namespace, outcome.exchange, false)
			result.Fallback = true
			return result
		}
		return d.rescue(ctx, input, sid, res, outcome.err)
	case <-ctx.Done():
		return d.rescue(ctx, input, sid, res, ctx.Err())
	}
}

// rescue makes one last direct brain call, then falls back to canned text.
// The result is always a complete fallback reply.
func (d *Deliverer) rescue(ctx context.Context, input DeliveryInput, sid string, res *Reservation, cause error) ChatResult {
	log.Printf("Rescuing reply for session %s: %v", sid, cause)

	text := DefaultFallbackText
	if errors.Is(cause, backend.ErrNoBackendAvailable) {
		text = noBackendText
	} else {
		rescueCtx := ctx
		if ctx.Err() != nil {
			// The overall deadline already passed; grant a short grace
			// window rather than returning canned text immediately.
			var cancel context.CancelFunc
			rescueCtx, cancel = context.WithTimeout(context.Background(), rescueGrace)
			defer cancel()
		}
		reply, err := d.brain.ChatAsync(rescueCtx, ChatRequest{
			Message:   input.Message,
			Namespace: input.Namespace,
			History:   d.store.History(sid),
		}, rescueGrace)
		if err == nil && reply.Response != "" {
			text = reply.Response
		} else if err != nil {
			log.Printf("Rescue chat failed for session %s: %v", sid, err)
			if errors.Is(err, backend.ErrNoBackendAvailable) {
				text = noBackendText
			}
		}
	}

	exchange, claimed := d.store.RecordExchange(sid, input.Namespace, input.Message, text, res)
	if !claimed {
		// A racing path landed first; its appended turn is authoritative.
		history := d.store.History(sid)
		reply := ""
		if len(history) > 0 {
			reply = history[len(history)-1].Assistant
		}
		exchange = Exchange{SessionID: sid, Reply: reply, History: history}
	}
	result := d.result(input.Namespace, exchange, false)
	result.Fallback = true
	return result
}

func (d *Deliverer) result(namespace string, exchange Exchange, streamed bool) ChatResult {
	text := exchange.Reply
	if text == "" {
		text = DefaultFallbackText
	}
	return ChatResult{
		Type:      "chat_message",
		Stream:    streamed,
		Fallback:  false,
		Reply:     ReplyBody{Text: text},
		History:   exchange.History,
		SessionID: exchange.SessionID,
		Namespace: namespace,
	}
}
