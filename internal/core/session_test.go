package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/yo-labs/yo/internal/events"
)

func drainTypes(queue chan events.Event) []string {
	var types []string
	for len(queue) > 0 {
		types = append(types, (<-queue).Type())
	}
	return types
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	store := NewSessionStore(events.NewBus(""), nil)
	brain := &fakeBrain{}

	_, err := store.Send(context.Background(), brain, "default", "", "", NewReservation(), true, false)
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("expected no session created for empty message, got %d", store.Count())
	}
}

func TestSendAppendsTurnsInOrder(t *testing.T) {
	store := NewSessionStore(events.NewBus(""), nil)
	calls := 0
	brain := &fakeBrain{
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			calls++
			return ChatReply{Response: fmt.Sprintf("Reply %d", calls)}, nil
		},
	}

	first, err := store.Send(context.Background(), brain, "default", "Hello", "", NewReservation(), true, false)
	if err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if first.SessionID == "" {
		t.Fatalf("expected a session ID to be assigned")
	}
	if first.Reply != "Reply 1" {
		t.Fatalf("unexpected first reply %q", first.Reply)
	}

	second, err := store.Send(context.Background(), brain, "default", "How are you?", first.SessionID, NewReservation(), true, false)
	if err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("expected same session, got %q and %q", first.SessionID, second.SessionID)
	}

	history := store.History(first.SessionID)
	if len(history) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(history))
	}
	if history[0].User != "Hello" || history[0].Assistant != "Reply 1" {
		t.Fatalf("unexpected first turn: %+v", history[0])
	}
	if history[1].User != "How are you?" || history[1].Assistant != "Reply 2" {
		t.Fatalf("unexpected second turn: %+v", history[1])
	}
}

func TestSendSeesHistorySnapshot(t *testing.T) {
	store := NewSessionStore(events.NewBus(""), nil)
	var seen []ChatTurn
	brain := &fakeBrain{
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			seen = req.History
			return ChatReply{Response: "ok"}, nil
		},
	}

	first, err := store.Send(context.Background(), brain, "default", "Hello", "", NewReservation(), true, false)
	if err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if len(seen) != 0 {
		t.Fatalf("expected empty history on first turn, got %d", len(seen))
	}

	if _, err := store.Send(context.Background(), brain, "default", "Again", first.SessionID, NewReservation(), true, false); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	if len(seen) != 1 || seen[0].User != "Hello" {
		t.Fatalf("expected prior turn in history snapshot, got %+v", seen)
	}
}

func TestNamespaceMismatchStartsFreshSession(t *testing.T) {
	store := NewSessionStore(events.NewBus(""), nil)
	brain := &fakeBrain{
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			return ChatReply{Response: "ok"}, nil
		},
	}

	if _, err := store.Send(context.Background(), brain, "default", "Hello", "shared-id", NewReservation(), true, false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := store.Send(context.Background(), brain, "research", "Query", "shared-id", NewReservation(), true, false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	history := store.History("shared-id")
	if len(history) != 1 {
		t.Fatalf("expected fresh session after namespace change, got %d turns", len(history))
	}
	if history[0].User != "Query" {
		t.Fatalf("expected only the new namespace turn, got %+v", history[0])
	}
}

func TestClaimedReservationSuppressesDelivery(t *testing.T) {
	bus := events.NewBus("")
	store := NewSessionStore(bus, nil)
	brain := &fakeBrain{
		chatFn: func(ctx context.Context, req ChatRequest) (ChatReply, error) {
			return ChatReply{Response: "late"}, nil
		},
	}

	res := NewReservation()
	if !res.Claim() {
		t.Fatalf("first claim must succeed")
	}

	sid := store.ResolveSessionID("default", "")
	queue := bus.Subscribe()
	defer bus.Unsubscribe(queue)

	if _, err := store.Send(context.Background(), brain, "default", "Hello", sid, res, false, true); err == nil {
		t.Fatalf("expected suppressed delivery to return an error")
	}
	if got := len(store.History(sid)); got != 0 {
		t.Fatalf("expected no turn appended, got %d", got)
	}
	for _, eventType := range drainTypes(queue) {
		if eventType == "chat_message" {
			t.Fatalf("suppressed delivery must not publish chat_message")
		}
	}
}

func TestStreamPublishesLifecycle(t *testing.T) {
	bus := events.NewBus("")
	store := NewSessionStore(bus, nil)
	brain := &fakeBrain{
		streamFn: chunkStream(
			StreamChunk{Token: "Hello "},
			StreamChunk{Token: "world"},
			StreamChunk{Done: true, Response: "Hello world"},
		),
	}

	queue := bus.Subscribe()
	defer bus.Unsubscribe(queue)

	var tokens []string
	exchange, err := store.Stream(context.Background(), brain, "default", "hi", "", NewReservation(), func(token string) {
		tokens = append(tokens, token)
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if exchange.Reply != "Hello world" {
		t.Fatalf("unexpected reply %q", exchange.Reply)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 token callbacks, got %d", len(tokens))
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

func TestStreamWithoutTerminalChunkFails(t *testing.T) {
	store := NewSessionStore(events.NewBus(""), nil)
	brain := &fakeBrain{
		streamFn: chunkStream(StreamChunk{Token: "partial"}),
	}

	_, err := store.Stream(context.Background(), brain, "default", "hi", "", NewReservation(), nil)
	if err == nil {
		t.Fatalf("expected error when stream ends without a terminal chunk")
	}
}

func TestReservationClaimIsSingleUse(t *testing.T) {
	res := NewReservation()
	if !res.Claim() {
		t.Fatalf("first claim must succeed")
	}
	if res.Claim() {
		t.Fatalf("second claim must fail")
	}
}
