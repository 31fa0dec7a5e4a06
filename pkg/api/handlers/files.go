package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carriersift/carriersift/internal/logger"
	"github.com/carriersift/carriersift/pkg/engine"
	"github.com/carriersift/carriersift/pkg/engine/models"
)

// FilesHandler handles the file lifecycle endpoints: upload initialization,
// progress, cancel/resume, result download and the live progress stream.
type FilesHandler struct {
	service *engine.Service
	runner  *engine.Runner
}

// NewFilesHandler creates a new files handler. The runner may be nil
// (CLI-only deployments); uploads then wait for the next poll.
func NewFilesHandler(service *engine.Service, runner *engine.Runner) *FilesHandler {
	return &FilesHandler{service: service, runner: runner}
}

// writeFileError maps engine errors onto HTTP status codes.
func writeFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrFileNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("File not found"))
	case errors.Is(err, models.ErrFileNotDone), errors.Is(err, models.ErrFileNotRunning):
		writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, models.ErrResultNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("Result not found"))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
	}
}

// initFileRequest is the POST /api/files body.
type initFileRequest struct {
	FileName string               `json:"file_name"`
	Service  models.ServiceType   `json:"service"`
	Phones   []models.PhoneRecord `json:"phones"`
}

// Create handles POST /api/files - initialize a file and enqueue its chunks.
//
// The caller is expected to have validated and normalized the phones: each
// entry carries the original string and its E.164 form. Returns 201 with
// the file record; the worker is kicked so processing starts immediately.
func (h *FilesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req initFileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.FileName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("file_name is required"))
		return
	}
	if len(req.Phones) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("phones must not be empty"))
		return
	}
	if req.Service == "" {
		req.Service = models.ServiceBlooio
	}
	for i, rec := range req.Phones {
		if rec.E164 == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Sprintf("phones[%d] is missing its e164 form", i)))
			return
		}
	}

	file, err := h.service.InitFile(r.Context(), req.FileName, req.Service, req.Phones)
	if err != nil {
		writeFileError(w, err)
		return
	}

	if h.runner != nil {
		h.runner.Kick()
	}
	writeJSON(w, http.StatusCreated, okResponse(file))
}

// List handles GET /api/files - files that are runnable or resumable.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	files, err := h.service.ActiveFiles(r.Context())
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]interface{}{
		"files": files,
		"count": len(files),
	}))
}

// Progress handles GET /api/files/{id}/progress.
func (h *FilesHandler) Progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.service.FileProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(progress))
}

// Cancel handles POST /api/files/{id}/cancel.
func (h *FilesHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	if err := h.service.Cancel(r.Context(), fileID); err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]string{"file_id": fileID}))
}

// Resume handles POST /api/files/{id}/resume.
func (h *FilesHandler) Resume(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	if err := h.service.Resume(r.Context(), fileID); err != nil {
		writeFileError(w, err)
		return
	}
	if h.runner != nil {
		h.runner.Kick()
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]string{"file_id": fileID}))
}

// Delete handles DELETE /api/files/{id} - removes the file, its chunks and
// its results. Irreversible; intended for cleaning up cancelled uploads.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	if err := h.service.Store().DeleteFile(r.Context(), fileID); err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]string{"file_id": fileID}))
}

// trackingWriter records whether any byte reached the underlying writer.
type trackingWriter struct {
	w       io.Writer
	started bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.started = true
	return t.w.Write(p)
}

// Results handles GET /api/files/{id}/results.csv - the final CSV download.
// Only available once the file is completed; 409 otherwise.
func (h *FilesHandler) Results(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileID+"-results.csv"))

	tw := &trackingWriter{w: w}
	if err := h.service.WriteResultsCSV(r.Context(), fileID, tw); err != nil {
		if tw.started {
			// Rows already reached the client; an error body appended now
			// would corrupt the CSV. Drop the stream as-is.
			logger.Warn("Result download aborted mid-stream", "file_id", fileID, "error", err)
			return
		}
		// The pre-checks fail before the first row, so a clean error
		// response is still possible.
		w.Header().Del("Content-Disposition")
		writeFileError(w, err)
	}
}

// Quality handles GET /api/files/{id}/quality - the verdict distribution
// report for a file.
func (h *FilesHandler) Quality(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.QualityReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(report))
}

// Events handles GET /api/files/{id}/events - a server-sent-events stream
// of progress snapshots, one event per second, closing when the file
// reaches a terminal status or the client disconnects.
func (h *FilesHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse("streaming unsupported"))
		return
	}

	fileID := chi.URLParam(r, "id")
	if _, err := h.service.FileProgress(r.Context(), fileID); err != nil {
		writeFileError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		progress, err := h.service.FileProgress(r.Context(), fileID)
		if err != nil {
			logger.Warn("Progress stream lookup failed", "file_id", fileID, "error", err)
			return
		}

		if err := writeSSE(w, "progress", progress); err != nil {
			return
		}
		flusher.Flush()

		if progress.Status == models.FileStatusCompleted || progress.Status == models.FileStatusFailed {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
