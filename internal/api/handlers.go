package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yo-labs/yo/internal/backend"
	"github.com/yo-labs/yo/internal/config"
	"github.com/yo-labs/yo/internal/core"
	"github.com/yo-labs/yo/internal/metrics"
	"github.com/yo-labs/yo/internal/store"
)

// Embedder computes embedding vectors; the brain implements it.
type Embedder interface {
	Embed(ctx context.Context, namespace, text string) (core.Embedding, error)
}

type APIHandler struct {
	cfg       *config.Config
	deliverer *core.Deliverer
	sessions  *core.SessionStore
	prober    backend.Prober
	metrics   *metrics.Recorder
	db        *store.SQLiteStore
	embedder  Embedder
}

func NewAPIHandler(cfg *config.Config, deliverer *core.Deliverer, sessions *core.SessionStore, prober backend.Prober, recorder *metrics.Recorder, db *store.SQLiteStore, embedder Embedder) *APIHandler {
	return &APIHandler{
		cfg:       cfg,
		deliverer: deliverer,
		sessions:  sessions,
		prober:    prober,
		metrics:   recorder,
		db:        db,
		embedder:  embedder,
	}
}

type ChatRequest struct {
	Namespace string `json:"namespace"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Stream    bool   `json:"stream"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Namespace == "" {
		req.Namespace = h.cfg.Namespace
	}

	result, err := h.deliverer.Deliver(r.Context(), core.DeliveryInput{
		Namespace: req.Namespace,
		Message:   req.Message,
		SessionID: req.SessionID,
		Stream:    req.Stream,
	}, core.DeliveryOptions{
		StreamTimeout: h.cfg.StreamTimeout,
		ChatTimeout:   h.cfg.ChatTimeout,
		Fallback:      h.cfg.StreamFallback,
	})
	if err != nil {
		if errors.Is(err, core.ErrEmptyMessage) {
			http.Error(w, "Message cannot be empty", http.StatusBadRequest)
			return
		}
		log.Printf("Error delivering chat for namespace %s: %v", req.Namespace, err)
		http.Error(w, "Failed to deliver chat", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

type EmbedRequest struct {
	Namespace string `json:"namespace"`
	Text      string `json:"text"`
}

type EmbedResponse struct {
	core.Embedding
	Dimensions int `json:"dimensions"`
}

func (h *APIHandler) EmbedHandler(w http.ResponseWriter, r *http.Request) {
	var req EmbedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "Text cannot be empty", http.StatusBadRequest)
		return
	}
	if req.Namespace == "" {
		req.Namespace = h.cfg.Namespace
	}

	embedding, err := h.embedder.Embed(r.Context(), req.Namespace, req.Text)
	if err != nil {
		log.Printf("Error computing embedding for namespace %s: %v", req.Namespace, err)
		http.Error(w, "Failed to compute embedding", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EmbedResponse{Embedding: embedding, Dimensions: len(embedding.Vector)})
}

func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	summary := h.prober.Detect()
	resp := map[string]any{
		"namespace":             h.cfg.Namespace,
		"model":                 h.cfg.ChatModelSpec,
		"backends":              summary,
		"sessions":              h.sessions.Count(),
		"sessions_by_namespace": h.sessions.CountByNamespace(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *APIHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.metrics.Summarize(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, "Invalid since window: "+err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.db.ListSessions(r.URL.Query().Get("namespace"))
	if err != nil {
		log.Printf("Error listing sessions: %v", err)
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

type SessionDetailsResponse struct {
	*store.Session
	Turns []store.Turn `json:"turns"`
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.db.GetSession(sessionID)
	if err != nil {
		log.Printf("Error getting session %s: %v", sessionID, err)
		http.Error(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	turns, err := h.db.GetTurns(sessionID)
	if err != nil {
		log.Printf("Error getting turns for session %s: %v", sessionID, err)
		http.Error(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SessionDetailsResponse{Session: session, Turns: turns})
}
