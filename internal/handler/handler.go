package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"sgfq/internal/agent"
	"sgfq/internal/models"
	"sgfq/internal/queue"
)

const defaultHistoryPage = 50

type Queue interface {
	AddJob(ctx context.Context, locators []string) ([]models.QueueItem, error)
	Status() models.QueueStatus
	RemoveFromQueue(id string) bool
	SkipCurrent() bool
	ClearCompleted()
}

type History interface {
	Recent(ctx context.Context, limit int) ([]models.QueueItem, error)
}

type Agent interface {
	Connected() bool
	ReconnectAttempts() int
	Send(t agent.MessageType, content any, bin []byte) error
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func GetQueueHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, q.Status())
	}
}

func AddToQueueHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URLs []string `json:"urls"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if len(req.URLs) == 0 {
			writeError(w, http.StatusBadRequest, "urls is required")
			return
		}

		added, err := q.AddJob(r.Context(), req.URLs)
		switch {
		case errors.Is(err, queue.ErrInvalidLocator):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			slog.Error("Failed to add job", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to add job")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"added": added})
	}
}

func DeleteQueueItemHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if !q.RemoveFromQueue(id) {
			writeError(w, http.StatusNotFound, "item not found in pending queue")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func SkipHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !q.SkipCurrent() {
			writeError(w, http.StatusNotFound, "nothing is downloading")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
	}
}

func ClearCompletedHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q.ClearCompleted()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func HistoryHandler(h History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryPage
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		items, err := h.Recent(r.Context(), limit)
		if err != nil {
			slog.Error("Failed to read history", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read history")
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func AgentStatusHandler(a Agent, cache *agent.ConfigCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		config, updatedAt := cache.Get()
		resp := map[string]any{
			"connected":         a.Connected(),
			"reconnectAttempts": a.ReconnectAttempts(),
			"config":            config,
		}
		if !updatedAt.IsZero() {
			resp["configUpdatedAt"] = updatedAt.UnixMilli()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func OpenFolderHandler(a Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		if err := a.Send(agent.OpenFolder, map[string]string{"path": req.Path}, nil); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}
