package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/yo-labs/yo/internal/events"
)

// RelayHandler bridges the event bus to websocket observers. Each connection
// gets its own bus subscription, which replays recent history before live
// events, so a page that reconnects mid-stream catches up.
type RelayHandler struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
}

func NewRelayHandler(bus *events.Bus) *RelayHandler {
	return &RelayHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local assistant; the UI is served from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeSession relays only events belonging to one session.
func (h *RelayHandler) ServeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	h.serve(w, r, func(event events.Event) bool {
		return event.SessionID() == sessionID
	})
}

// ServeAll relays every event on the bus.
func (h *RelayHandler) ServeAll(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(events.Event) bool { return true })
}

func (h *RelayHandler) serve(w http.ResponseWriter, r *http.Request, keep func(events.Event) bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	queue := h.bus.Subscribe()
	defer h.bus.Unsubscribe(queue)

	// Drain the client side only to notice disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-queue:
			if !ok {
				return
			}
			if !keep(event) {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
