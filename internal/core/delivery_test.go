package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yo-labs/yo/internal/backend"
	"github.com/yo-labs/yo/internal/config"
	"github.com/yo-labs/yo/internal/events"
)

func deliveryOptions() DeliveryOptions {
	return DeliveryOptions{
		StreamTimeout: 300 * time.Millisecond,
		ChatTimeout:   2 * time.Second,
		Fallback:      config.FallbackAuto,
	}
}

// hungStream never emits and only ends on cancellation.
func hungStream(ctx context.Context, req ChatRequest) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}

func TestDeliverRejectsEmptyMessage(t *testing.T) {
	bus := events.NewBus("")
	d := NewDeliverer(&fakeBrain{}, NewSessionStore(bus, nil), bus)

	_, err := d.Deliver(context.Background(), DeliveryInput{Namespace: "default"}, deliveryOptions())
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestDeliverStreamHappyPath(t *testing.T) {
	bus := events.NewBus("")
	brain := &fakeBrain{
		streamFn: chunkStream(
			StreamChunk{Token: "Hello "},
			StreamChunk{Token: "world"},
			StreamChunk{Done: true, Response: "Hello world"},
		),
	}
	d := NewDeliverer(brain, NewSessionStore(bus, nil), bus)

	queue := bus.Subscribe()
	defer bus.Unsubscribe(queue)

	result, err := d.Deliver(context.Background(), DeliveryInput{
		Namespace: "default",
		Message:   "hi",
		Stream:    true,
	}, deliveryOptions())
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if result.Type != "chat_message" {
		t.Fatalf("expected type chat_message, got %q", result.Type)
	}
	if !result.Stream || result.Fallback {
		t.Fatalf("expected streamed non-fallback result, got %+v", result)
	}
	if result.Reply.Text != "Hello world" {
		t.Fatalf("unexpected reply %q", result.Reply.Text)
	}
	if len(result.History) != 1 {
		t.Fatalf("expected 1 turn in history, got %d", len(result.History))
	}
	if result.SessionID == "" {
		t.Fatalf("expected session ID in result")
	}

	want := []string{"chat_started", "chat_token", "chat_token", "chat_complete", "chat_message"}
	got := drainTypes(queue)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestDeliverBlockingWhenStreamNotRequested(t *testing.T) {
	bus := events.NewBus("")
	brain := &fakeBrain{
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			return ChatReply{Response: "plain"}, nil
		},
	}
	d := NewDeliverer(brain, NewSessionStore(bus, nil), bus)

	result, err := d.Deliver(context.Background(), DeliveryInput{
		Namespace: "default",
		Message:   "hi",
	}, deliveryOptions())
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if result.Stream || result.Fallback {
		t.Fatalf("expected plain blocking result, got %+v", result)
	}
	if result.Reply.Text != "plain" {
		t.Fatalf("unexpected reply %q", result.Reply.Text)
	}
}

func TestDeliverForceModeSkipsStreaming(t *testing.T) {
	bus := events.NewBus("")
	streamTouched := false
	brain := &fakeBrain{
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			return ChatReply{Response: "ok"}, nil
		},
		streamFn: func(ctx context.Context, req ChatRequest) <-chan StreamChunk {
			streamTouched = true
			return hungStream(ctx, req)
		},
	}
	d := NewDeliverer(brain, NewSessionStore(bus, nil), bus)

	queue := bus.Subscribe()
	defer bus.Unsubscribe(queue)

	opts := deliveryOptions()
	opts.Fallback = config.FallbackForce
	result, err := d.Deliver(context.Background(), DeliveryInput{
		Namespace: "default",
		Message:   "hi",
		Stream:    true,
	}, opts)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if streamTouched {
		t.Fatalf("force mode must not open a stream")
	}
	if result.Stream {
		t.Fatalf("expected stream:false in force mode, got %+v", result)
	}
	if !result.Fallback {
		t.Fatalf("expected fallback:true in force mode, got %+v", result)
	}
	if result.Reply.Text != "ok" {
		t.Fatalf("unexpected reply %q", result.Reply.Text)
	}

	// The relayed terminal event must agree with the synchronous response.
	var sawStarted, sawMessage bool
	for len(queue) > 0 {
		event := <-queue
		switch event.Type() {
		case "chat_started":
			sawStarted = true
		case "chat_message":
			sawMessage = true
			if fallback, _ := event["fallback"].(bool); fallback != result.Fallback {
				t.Fatalf("chat_message event fallback=%v but response fallback=%v", fallback, result.Fallback)
			}
		}
	}
	if !sawStarted {
		t.Fatalf("force mode must still announce chat_started")
	}
	if !sawMessage {
		t.Fatalf("expected a chat_message event")
	}
}

func TestRescueReportsWinningReply(t *testing.T) {
	bus := events.NewBus("")
	store := NewSessionStore(bus, nil)
	brain := &fakeBrain{
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			return ChatReply{Response: "late"}, nil
		},
	}
	d := NewDeliverer(brain, store, bus)

	res := NewReservation()
	sid := store.ResolveSessionID("default", "")
	if _, claimed := store.RecordExchange(sid, "default", "hi", "winner", res); !claimed {
		t.Fatalf("expected winning path to claim the reservation")
	}

	result := d.rescue(context.Background(), DeliveryInput{Namespace: "default", Message: "hi"}, sid, res, errors.New("slow path lost"))
	if result.Reply.Text != "winner" {
		t.Fatalf("expected the winning reply to be reported, got %q", result.Reply.Text)
	}
	if len(result.History) != 1 || result.History[0].Assistant != "winner" {
		t.Fatalf("expected the winning turn in history, got %+v", result.History)
	}
}

func TestDeliverFallsBackWhenStreamMissesDeadline(t *testing.T) {
	bus := events.NewBus("")
	brain := &fakeBrain{
		streamFn: hungStream,
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			return ChatReply{Response: "recovered"}, nil
		},
	}
	d := NewDeliverer(brain, NewSessionStore(bus, nil), bus)

	started := time.Now()
	result, err := d.Deliver(context.Background(), DeliveryInput{
		Namespace: "default",
		Message:   "hi",
		Stream:    true,
	}, deliveryOptions())
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if elapsed := time.Since(started); elapsed > 1500*time.Millisecond {
		t.Fatalf("fallback took too long: %s", elapsed)
	}
	if result.Stream {
		t.Fatalf("expected stream:false after fallback, got %+v", result)
	}
	if !result.Fallback {
		t.Fatalf("expected fallback:true, got %+v", result)
	}
	if result.Reply.Text != "recovered" {
		t.Fatalf("unexpected reply %q", result.Reply.Text)
	}
}

func TestDeliverAlwaysAnswersWhenEverythingFails(t *testing.T) {
	bus := events.NewBus("")
	brain := &fakeBrain{
		streamFn: hungStream,
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			return ChatReply{}, errors.New("backend exploded")
		},
	}
	d := NewDeliverer(brain, NewSessionStore(bus, nil), bus)

	queue := bus.Subscribe()
	defer bus.Unsubscribe(queue)

	opts := deliveryOptions()
	opts.StreamTimeout = 100 * time.Millisecond
	result, err := d.Deliver(context.Background(), DeliveryInput{
		Namespace: "default",
		Message:   "hi",
		Stream:    true,
	}, opts)
	if err != nil {
		t.Fatalf("Deliver must not fail, got %v", err)
	}
	if result.Reply.Text == "" {
		t.Fatalf("expected non-empty reply text")
	}
	if result.Reply.Text != DefaultFallbackText {
		t.Fatalf("expected canned fallback text, got %q", result.Reply.Text)
	}
	if !result.Fallback || result.Stream {
		t.Fatalf("expected fallback result, got %+v", result)
	}

	var sawMessage bool
	for _, eventType := range drainTypes(queue) {
		if eventType == "chat_message" {
			sawMessage = true
		}
	}
	if !sawMessage {
		t.Fatalf("expected a chat_message event even on total failure")
	}
}

func TestDeliverReportsNoBackend(t *testing.T) {
	bus := events.NewBus("")
	brain := &fakeBrain{
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			return ChatReply{}, backend.ErrNoBackendAvailable
		},
	}
	d := NewDeliverer(brain, NewSessionStore(bus, nil), bus)

	result, err := d.Deliver(context.Background(), DeliveryInput{
		Namespace: "default",
		Message:   "hi",
	}, deliveryOptions())
	if err != nil {
		t.Fatalf("Deliver must not fail, got %v", err)
	}
	if !result.Fallback {
		t.Fatalf("expected fallback result, got %+v", result)
	}
	if result.Reply.Text == "" || result.Reply.Text == DefaultFallbackText {
		t.Fatalf("expected a backend-specific message, got %q", result.Reply.Text)
	}
}

func TestDeliverSubstitutesBlankReply(t *testing.T) {
	bus := events.NewBus("")
	brain := &fakeBrain{
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			return ChatReply{Response: ""}, nil
		},
	}
	store := NewSessionStore(bus, nil)
	d := NewDeliverer(brain, store, bus)

	queue := bus.Subscribe()
	defer bus.Unsubscribe(queue)

	result, err := d.Deliver(context.Background(), DeliveryInput{
		Namespace: "default",
		Message:   "hi",
	}, deliveryOptions())
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if result.Reply.Text != DefaultFallbackText {
		t.Fatalf("expected canned text for blank reply, got %q", result.Reply.Text)
	}

	// History and the relayed event carry the substituted text too, not the
	// blank reply.
	history := store.History(result.SessionID)
	if len(history) != 1 || history[0].Assistant != DefaultFallbackText {
		t.Fatalf("expected canned text appended to history, got %+v", history)
	}
	for len(queue) > 0 {
		event := <-queue
		if event.Type() != "chat_message" {
			continue
		}
		reply, _ := event["reply"].(map[string]any)
		if text, _ := reply["text"].(string); text != DefaultFallbackText {
			t.Fatalf("expected canned text on chat_message event, got %q", text)
		}
	}
}
