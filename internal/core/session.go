package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yo-labs/yo/internal/events"
)

// ErrEmptyMessage rejects blank input before any session state is touched.
var ErrEmptyMessage = errors.New("message must not be empty")

// TranscriptWriter mirrors completed exchanges into durable storage. Writes
// are best-effort; a failed mirror never fails the chat.
type TranscriptWriter interface {
	AppendTurn(sessionID, namespace, userText, assistantText string) error
}

// ChatSession is the in-memory conversation state for one session ID.
type ChatSession struct {
	ID        string
	Namespace string
	History   []ChatTurn
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reservation is a single-use claim on the right to deliver the reply for
// one request. The delivery arbiter races a streaming and a blocking path;
// whichever claims first appends to history and publishes the terminal
// events, and the loser stays silent.
type Reservation struct {
	claimed atomic.Bool
}

func NewReservation() *Reservation {
	return &Reservation{}
}

// Claim returns true exactly once.
func (r *Reservation) Claim() bool {
	if r == nil {
		return true
	}
	return r.claimed.CompareAndSwap(false, true)
}

// Exchange is the outcome of one delivered turn.
type Exchange struct {
	SessionID string
	Reply     string
	History   []ChatTurn
	Context   string
	Citations []string
}

// SessionStore owns in-memory sessions and the event publishing around each
// exchange. The lock is never held across a brain call: resolve and snapshot
// under lock, call the brain unlocked, then re-lock to append.
type SessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*ChatSession
	bus         *events.Bus
	transcripts TranscriptWriter
}

func NewSessionStore(bus *events.Bus, transcripts TranscriptWriter) *SessionStore {
	return &SessionStore{
		sessions:    map[string]*ChatSession{},
		bus:         bus,
		transcripts: transcripts,
	}
}

// resolve finds or creates the session under the store lock. A session ID
// reused across namespaces gets a fresh session in the new namespace.
func (s *SessionStore) resolve(namespace, sessionID string) *ChatSession {
	if sessionID != "" {
		if session, ok := s.sessions[sessionID]; ok && session.Namespace == namespace {
			return session
		}
	}
	id := sessionID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	session := &ChatSession{ID: id, Namespace: namespace, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = session
	return session
}

func snapshotHistory(session *ChatSession) []ChatTurn {
	history := make([]ChatTurn, len(session.History))
	copy(history, session.History)
	return history
}

// append records the exchange if the reservation is still open. Returns the
// post-append history snapshot and whether this caller won the claim.
func (s *SessionStore) append(sessionID, namespace, message, reply string, res *Reservation) ([]ChatTurn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !res.Claim() {
		return nil, false
	}
	session := s.resolve(namespace, sessionID)
	session.History = append(session.History, ChatTurn{User: message, Assistant: reply})
	session.UpdatedAt = time.Now().UTC()
	history := snapshotHistory(session)

	if s.transcripts != nil {
		if err := s.transcripts.AppendTurn(session.ID, namespace, message, reply); err != nil {
			log.Printf("Failed to mirror turn for session %s: %v", session.ID, err)
		}
	}
	return history, true
}

// Send runs one blocking exchange. announce controls whether chat_started is
// published here; a caller that already announced the request on a failed
// streaming attempt passes false. fallback is the authoritative flag carried
// on the chat_message event, matching what the caller reports synchronously.
func (s *SessionStore) Send(ctx context.Context, brain Brain, namespace, message, sessionID string, res *Reservation, announce, fallback bool) (Exchange, error) {
	if message == "" {
		return Exchange{}, ErrEmptyMessage
	}

	s.mu.Lock()
	session := s.resolve(namespace, sessionID)
	sid := session.ID
	history := snapshotHistory(session)
	s.mu.Unlock()

	if announce {
		s.bus.Publish("chat_started", map[string]any{
			"session_id": sid,
			"namespace":  namespace,
			"message":    message,
		})
	}

	reply, err := brain.Chat(ctx, ChatRequest{Message: message, Namespace: namespace, History: history})
	if err != nil {
		return Exchange{}, fmt.Errorf("chat failed for session %s: %w", sid, err)
	}
	text := reply.Response
	if text == "" {
		text = DefaultFallbackText
	}

	updated, claimed := s.append(sid, namespace, message, text, res)
	if !claimed {
		return Exchange{}, fmt.Errorf("reply for session %s was already delivered", sid)
	}

	s.publishMessage(sid, namespace, message, text, updated, fallback)
	return Exchange{
		SessionID: sid,
		Reply:     text,
		History:   updated,
		Context:   reply.Context,
		Citations: reply.Citations,
	}, nil
}

// Stream runs one streaming exchange, forwarding each token to the bus and
// to onToken (which may be nil). The exchange is only committed when the
// terminal chunk arrives and the reservation is still open.
func (s *SessionStore) Stream(ctx context.Context, brain Brain, namespace, message, sessionID string, res *Reservation, onToken func(string)) (Exchange, error) {
	if message == "" {
		return Exchange{}, ErrEmptyMessage
	}

	s.mu.Lock()
	session := s.resolve(namespace, sessionID)
	sid := session.ID
	history := snapshotHistory(session)
	s.mu.Unlock()

	s.bus.Publish("chat_started", map[string]any{
		"session_id": sid,
		"namespace":  namespace,
		"message":    message,
	})

	chunks := brain.ChatStream(ctx, ChatRequest{Message: message, Namespace: namespace, History: history})
	for chunk := range chunks {
		if chunk.Done {
			text := chunk.Response
			if text == "" {
				text = DefaultFallbackText
			}
			updated, claimed := s.append(sid, namespace, message, text, res)
			if !claimed {
				return Exchange{}, fmt.Errorf("streamed reply for session %s was already delivered", sid)
			}
			s.bus.Publish("chat_complete", map[string]any{
				"session_id": sid,
				"namespace":  namespace,
				"response":   text,
				"history":    updated,
			})
			s.publishMessage(sid, namespace, message, text, updated, false)
			return Exchange{
				SessionID: sid,
				Reply:     text,
				History:   updated,
				Citations: chunk.Citations,
			}, nil
		}
		if chunk.Token != "" {
			if onToken != nil {
				onToken(chunk.Token)
			}
			s.bus.Publish("chat_token", map[string]any{
				"session_id": sid,
				"namespace":  namespace,
				"token":      chunk.Token,
				"done":       false,
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return Exchange{}, fmt.Errorf("stream for session %s cancelled: %w", sid, err)
	}
	return Exchange{}, fmt.Errorf("stream for session %s ended without a terminal chunk", sid)
}

// RecordExchange commits a reply produced outside the normal send/stream
// paths, such as the arbiter's rescue answer.
func (s *SessionStore) RecordExchange(sessionID, namespace, message, reply string, res *Reservation) (Exchange, bool) {
	updated, claimed := s.append(sessionID, namespace, message, reply, res)
	if !claimed {
		return Exchange{}, false
	}
	s.publishMessage(sessionID, namespace, message, reply, updated, true)
	return Exchange{SessionID: sessionID, Reply: reply, History: updated}, true
}

// ResolveSessionID pins the session ID for a request before any racing path
// runs, so both paths commit to the same session.
func (s *SessionStore) ResolveSessionID(namespace, sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolve(namespace, sessionID).ID
}

// History returns a snapshot of a session's turns, or nil if unknown.
func (s *SessionStore) History(sessionID string) []ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return snapshotHistory(session)
}

// Count reports the number of live in-memory sessions.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CountByNamespace reports live session counts grouped by namespace.
func (s *SessionStore) CountByNamespace() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, session := range s.sessions {
		counts[session.Namespace]++
	}
	return counts
}

func (s *SessionStore) publishMessage(sessionID, namespace, message, reply string, history []ChatTurn, fallback bool) {
	s.bus.Publish("chat_message", map[string]any{
		"session_id": sessionID,
		"namespace":  namespace,
		"message":    message,
		"reply":      map[string]any{"text": reply},
		"history":    history,
		"fallback":   fallback,
	})
}
