package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

// ConversationListItem is one entry of the conversation list.
type ConversationListItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationsListResponse is the body of GET /api/conversations.
type ConversationsListResponse struct {
	Conversations []ConversationListItem `json:"conversations"`
	Count         int                    `json:"count"`
}

// ListConversations returns conversation summaries, most recent first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	limit := defaultConversationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxConversationLimit)
	}

	convs, err := h.store.ListConversations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError(h.log, "Failed to list conversations", err))
		return
	}

	items := make([]ConversationListItem, 0, len(convs))
	for _, c := range convs {
		items = append(items, ConversationListItem{
			ID:        c.ID,
			Title:     c.Title,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, ConversationsListResponse{Conversations: items, Count: len(items)})
}

// GetConversation returns a conversation with its messages.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := h.store.GetConversation(r.Context(), id)
	if errors.Is(err, workflow.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError(h.log, "Failed to get conversation", err))
		return
	}
	if conv.Messages == nil {
		conv.Messages = []workflow.Message{}
	}
	writeJSON(w, http.StatusOK, conv)
}
