package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/validata-io/validata/internal/domain"
	"github.com/validata-io/validata/internal/repository"
)

// Handler exposes the pipeline as a thin HTTP surface: upload, status,
// error ledger, load result, preview and reprocess. Everything hard lives
// in the service; this layer is glue.
type Handler struct {
	service *Service
	runner  *Runner
	files   repository.SourceFileRepository
	errs    repository.ValidationErrorRepository
	results repository.LoadResultRepository
}

// NewHTTPHandler builds the route mux for the pipeline endpoints.
func NewHTTPHandler(
	service *Service,
	runner *Runner,
	files repository.SourceFileRepository,
	errs repository.ValidationErrorRepository,
	results repository.LoadResultRepository,
) http.Handler {
	h := &Handler{
		service: service,
		runner:  runner,
		files:   files,
		errs:    errs,
		results: results,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", h.upload)
	mux.HandleFunc("GET /files", h.list)
	mux.HandleFunc("GET /files/{id}", h.status)
	mux.HandleFunc("GET /files/{id}/errors", h.listErrors)
	mux.HandleFunc("GET /files/{id}/result", h.result)
	mux.HandleFunc("POST /files/{id}/reprocess", h.reprocess)
	mux.HandleFunc("POST /preview", h.preview)
	return mux
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	declared := strings.TrimSpace(r.FormValue("type"))
	if declared == "" {
		declared = strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	}
	fileType, err := domain.ParseFileType(declared)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.service.Submit(r.Context(), header.Filename, fileType, r.FormValue("table"), file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.runner.Enqueue(created.ID); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, created)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	files, err := h.files.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	file, err := h.files.GetByID(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (h *Handler) listErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	errs, err := h.errs.ListByFile(r.Context(), id, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

func (h *Handler) result(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	result, err := h.results.GetByFile(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) reprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	file, err := h.files.GetByID(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	if !file.Status.CanTransitionTo(domain.FileStatusProcessing) {
		http.Error(w, fmt.Sprintf("file is %s and cannot be reprocessed", file.Status), http.StatusConflict)
		return
	}

	if err := h.runner.Enqueue(file.ID); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, file)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	declared := strings.TrimSpace(r.FormValue("type"))
	if declared == "" {
		declared = strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	}
	fileType, err := domain.ParseFileType(declared)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit, _ := strconv.Atoi(r.FormValue("limit"))
	result, err := h.service.Preview(r.Context(), PreviewRequest{
		FileType:  fileType,
		TableName: r.FormValue("table"),
		Data:      file,
		Limit:     limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid file id: %v", err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
