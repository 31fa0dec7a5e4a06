package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carriersift/carriersift/pkg/engine"
)

// RepairHandler exposes the manual repair operations. These reconcile a
// file whose chunk queue and result log have drifted apart; they are
// operator tools, not part of the normal processing path.
type RepairHandler struct {
	service *engine.Service
	runner  *engine.Runner
}

// NewRepairHandler creates a new repair handler.
func NewRepairHandler(service *engine.Service, runner *engine.Runner) *RepairHandler {
	return &RepairHandler{service: service, runner: runner}
}

// RebuildChunks handles POST /api/files/{id}/repair/rebuild-chunks.
//
// The chunk queue is reconstructed from scratch: every phone known to the
// file's chunks, minus those already in the result log, is requeued and
// the processed offset reset to the durable result count.
func (h *RepairHandler) RebuildChunks(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RebuildChunks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFileError(w, err)
		return
	}
	if h.runner != nil {
		h.runner.Kick()
	}
	writeJSON(w, http.StatusOK, okResponse(report))
}

// CreateMissingChunks handles POST /api/files/{id}/repair/create-missing-chunks.
//
// Requeues phones covered by no live chunk and absent from the result log,
// leaving existing chunks untouched.
func (h *RepairHandler) CreateMissingChunks(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	requeued, err := h.service.CreateMissingChunks(r.Context(), fileID)
	if err != nil {
		writeFileError(w, err)
		return
	}
	if requeued > 0 && h.runner != nil {
		h.runner.Kick()
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]interface{}{
		"file_id":  fileID,
		"requeued": requeued,
	}))
}

// reprocessRequest is the POST .../repair/reprocess body.
type reprocessRequest struct {
	E164 string `json:"e164"`
}

// ReprocessPhone handles POST /api/files/{id}/repair/reprocess.
//
// Deletes the phone's result, invalidates its cached verdict, and
// classifies it again against the live upstream.
func (h *RepairHandler) ReprocessPhone(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.E164 == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("e164 is required"))
		return
	}

	result, err := h.service.ReprocessPhone(r.Context(), chi.URLParam(r, "id"), req.E164)
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(result))
}
