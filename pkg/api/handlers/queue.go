package handlers

import (
	"net/http"

	"github.com/carriersift/carriersift/pkg/engine"
)

// QueueHandler exposes worker scheduling controls.
type QueueHandler struct {
	runner *engine.Runner
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(runner *engine.Runner) *QueueHandler {
	return &QueueHandler{runner: runner}
}

// Tick handles POST /api/queue/tick - request an immediate worker
// invocation instead of waiting for the next poll. Returns 202 whether or
// not work is available; the worker reports idleness itself.
func (h *QueueHandler) Tick(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("worker runner not running"))
		return
	}
	h.runner.Kick()
	writeJSON(w, http.StatusAccepted, okResponse(map[string]string{"kicked": "true"}))
}
