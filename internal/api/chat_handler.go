package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/billgate/internal/chat"
)

// ChatRunner runs one assistant turn. *chat.Bridge satisfies it.
type ChatRunner interface {
	Run(ctx context.Context, in chat.Input) (*chat.Result, error)
}

type chatHandler struct {
	runner  ChatRunner
	timeout time.Duration
}

type chatRequest struct {
	Message string         `json:"message"`
	History []chat.Message `json:"history"`
}

// Chat handles POST /api/v1/chat.
func (h *chatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "chat_disabled", "assistant is not configured")
		return
	}

	var req chatRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "message is required")
		return
	}
	for _, m := range req.History {
		if m.Role != chat.RoleUser && m.Role != chat.RoleModel {
			writeError(w, http.StatusBadRequest, "invalid_argument", "history roles must be user or model")
			return
		}
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.runner.Run(ctx, chat.Input{
		RequestID: RequestIDFromContext(r.Context()),
		Message:   req.Message,
		History:   req.History,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
