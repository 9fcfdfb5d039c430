// internal/handler/queue_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-orchestrator/internal/queue"
)

const defaultFailedLimit = 50

// QueueHandler exposes operator views of the job queues.
type QueueHandler struct {
	Queue  queue.Queue
	Logger *zap.Logger
}

func (h *QueueHandler) Routes(r chi.Router) {
	r.Get("/queues", h.ListQueuesHandler)
	r.Get("/queues/{name}/failed", h.FailedJobsHandler)
}

// ListQueuesHandler returns the names of every queue.
func (h *QueueHandler) ListQueuesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"queues": queue.Names()})
}

// FailedJobsHandler lists jobs that exhausted their attempts, oldest first.
func (h *QueueHandler) FailedJobsHandler(w http.ResponseWriter, r *http.Request) {
	name := queue.Name(chi.URLParam(r, "name"))
	if !name.Valid() {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}

	limit := defaultFailedLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	failed, err := h.Queue.Failed(r.Context(), name, limit)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("listing failed jobs", zap.String("queue", string(name)), zap.Error(err))
		}
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queue": name,
		"data":  failed,
	})
}
