package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/stream"
)

// ConversationStarter resolves a requested conversation ID to an existing or
// newly created conversation. *engine.Engine implements it.
type ConversationStarter interface {
	StartConversation(ctx context.Context, id string) (string, error)
}

// ChatStreamer streams one workflow run to a sink. *stream.Streamer implements it.
type ChatStreamer interface {
	Stream(ctx context.Context, conversationID, question string, sink stream.Sink) error
}

// ConversationReader is the read side of the conversation store.
type ConversationReader interface {
	ListConversations(ctx context.Context, limit int) ([]workflow.Conversation, error)
	GetConversation(ctx context.Context, id string) (*workflow.Conversation, error)
}

// Config holds the collaborators of the API handlers.
type Config struct {
	Logger        *slog.Logger
	Conversations ConversationStarter
	Streamer      ChatStreamer
	Store         ConversationReader
}

// Handler serves the chat and conversation endpoints.
type Handler struct {
	log           *slog.Logger
	conversations ConversationStarter
	streamer      ChatStreamer
	store         ConversationReader
}

// New creates a new Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Conversations == nil {
		return nil, errors.New("conversation starter is required")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("streamer is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		log:           cfg.Logger,
		conversations: cfg.Conversations,
		streamer:      cfg.Streamer,
		store:         cfg.Store,
	}, nil
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/health", GetHealth)
	r.Get("/api/version", GetVersion)
	r.Post("/api/chat/stream", h.ChatStream)
	r.Get("/api/conversations", h.ListConversations)
	r.Get("/api/conversations/{id}", h.GetConversation)
}
