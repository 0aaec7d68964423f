package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/stream"
)

// MaxQuestionLength bounds the size of a chat question in runes.
const MaxQuestionLength = 2000

// ChatRequest is the body of POST /api/chat/stream.
type ChatRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversationId,omitempty"`
}

// sseSink writes stream events as server-sent events.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(ev stream.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Heartbeat writes an SSE comment line, which clients ignore.
func (s *sseSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ChatStream answers a question and streams workflow progress as SSE.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "Question is required")
		return
	}
	if utf8.RuneCountInString(req.Question) > MaxQuestionLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Question must be at most %d characters", MaxQuestionLength))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	ctx := r.Context()
	conversationID, err := h.conversations.StartConversation(ctx, req.ConversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError(h.log, "Failed to start conversation", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.log.Info("chat: stream started", "conversation_id", conversationID)

	sink := &sseSink{w: w, flusher: flusher}
	if err := h.streamer.Stream(ctx, conversationID, req.Question, sink); err != nil {
		if errors.Is(err, ctx.Err()) {
			h.log.Info("chat: client disconnected", "conversation_id", conversationID)
			return
		}
		h.log.Warn("chat: stream ended early", "conversation_id", conversationID, "error", err)
		return
	}

	h.log.Info("chat: stream completed", "conversation_id", conversationID)
}
