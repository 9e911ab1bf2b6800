// Package events provides the in-process pub/sub bus used to fan chat
// lifecycle events out to live observers.
package events

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// MaxEventHistory bounds the replay buffer handed to late subscribers.
	MaxEventHistory = 200

	// subscriberBuffer must hold a full replay plus some live headroom;
	// a subscriber that falls further behind loses events.
	subscriberBuffer = MaxEventHistory + 64
)

// Event is a flat JSON object. Every event carries "type" and "timestamp";
// the remaining keys are type-specific.
type Event map[string]any

func (e Event) Type() string {
	value, _ := e["type"].(string)
	return value
}

func (e Event) SessionID() string {
	value, _ := e["session_id"].(string)
	return value
}

func (e Event) Namespace() string {
	value, _ := e["namespace"].(string)
	return value
}

// Bus is a lightweight pub/sub bus with bounded replay. Publish never blocks
// on a subscriber: full inboxes drop the event for that subscriber only.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	history     []Event
	logPath     string
}

// NewBus creates a bus. When dataDir is non-empty, published events are also
// appended best-effort to <dataDir>/logs/events.jsonl.
func NewBus(dataDir string) *Bus {
	bus := &Bus{subscribers: map[chan Event]struct{}{}}
	if dataDir != "" {
		bus.logPath = filepath.Join(dataDir, "logs", "events.jsonl")
	}
	return bus
}

// Subscribe returns a new inbox pre-seeded with the current replay buffer.
func (b *Bus) Subscribe() chan Event {
	queue := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[queue] = struct{}{}
	for _, event := range b.history {
		queue <- event
	}
	return queue
}

func (b *Bus) Unsubscribe(queue chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, queue)
}

// Publish appends to the replay buffer and fans out to all subscribers.
func (b *Bus) Publish(eventType string, payload map[string]any) {
	event := Event{}
	for k, v := range payload {
		event[k] = v
	}
	event["type"] = eventType
	if _, ok := event["timestamp"]; !ok {
		event["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > MaxEventHistory {
		b.history = b.history[len(b.history)-MaxEventHistory:]
	}
	targets := make([]chan Event, 0, len(b.subscribers))
	for queue := range b.subscribers {
		targets = append(targets, queue)
	}
	b.mu.Unlock()

	b.appendLog(event)

	for _, queue := range targets {
		select {
		case queue <- event:
		default:
		}
	}
}

func (b *Bus) appendLog(event Event) {
	if b.logPath == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.logPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(b.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("Unable to append event log entry: %v", err)
		return
	}
	defer f.Close()
	f.Write(append(payload, '\n'))
}
