package material

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"studyforge/backend/internal/middleware"
)

type Handler struct {
	service        *Service
	maxUploadBytes int64
}

func NewHandler(service *Service, maxUploadMB int64) *Handler {
	return &Handler{service: service, maxUploadBytes: maxUploadMB << 20}
}

// mimeByExt doubles as the upload whitelist. The stored MIME type is
// derived from the extension, not from the client header, because the
// extractor dispatches on it.
var mimeByExt = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".doc":  "application/msword",
	".txt":  "text/plain",
	".md":   "text/markdown",
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	requester := middleware.RequesterID(r)
	if requester == "" {
		h.writeError(r.Context(), w, "UNAUTHORIZED", "Missing user identity", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeError(r.Context(), w, "BAD_REQUEST", "File too large", http.StatusBadRequest)
		return
	}

	title := r.FormValue("title")
	if title == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Title is required", http.StatusBadRequest)
		return
	}

	visibility := r.FormValue("visibility")
	if visibility != "" && visibility != VisibilityPrivate && visibility != VisibilityPublic {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Visibility must be private or public", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(r.Context(), w, "BAD_REQUEST", "Unable to retrieve file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	mimeType, ok := mimeByExt[ext]
	if !ok {
		h.writeError(r.Context(), w, "BAD_REQUEST", "Unsupported file type", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Failed to read file", http.StatusInternalServerError)
		return
	}

	m, err := h.service.Upload(r.Context(), requester, UploadInput{
		Title:      title,
		Visibility: visibility,
		Filename:   header.Filename,
		MimeType:   mimeType,
		Data:       data,
	})
	if err != nil {
		slog.Error("upload failed", "error", err, "title", title)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": m}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) ReplaceFile(w http.ResponseWriter, r *http.Request) {
	requester := middleware.RequesterID(r)
	if requester == "" {
		h.writeError(r.Context(), w, "UNAUTHORIZED", "Missing user identity", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeError(r.Context(), w, "BAD_REQUEST", "File too large", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(r.Context(), w, "BAD_REQUEST", "Unable to retrieve file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	mimeType, ok := mimeByExt[ext]
	if !ok {
		h.writeError(r.Context(), w, "BAD_REQUEST", "Unsupported file type", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Failed to read file", http.StatusInternalServerError)
		return
	}

	m, err := h.service.ReplaceFile(r.Context(), r.PathValue("id"), requester, ReplaceFileInput{
		Filename: header.Filename,
		MimeType: mimeType,
		Data:     data,
	})
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(r.Context(), w, "NOT_FOUND", "Material not found", http.StatusNotFound)
		case errors.Is(err, ErrForbidden):
			h.writeError(r.Context(), w, "FORBIDDEN", "Only the owner can replace a material's file", http.StatusForbidden)
		default:
			slog.Error("file replacement failed", "error", err, "materialId", r.PathValue("id"))
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": m}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	requester := middleware.RequesterID(r)
	if requester == "" {
		h.writeError(r.Context(), w, "UNAUTHORIZED", "Missing user identity", http.StatusUnauthorized)
		return
	}

	materials, err := h.service.List(r.Context(), requester)
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if materials == nil {
		materials = []Material{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": materials,
		"meta": map[string]int{"count": len(materials)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	requester := middleware.RequesterID(r)
	if requester == "" {
		h.writeError(r.Context(), w, "UNAUTHORIZED", "Missing user identity", http.StatusUnauthorized)
		return
	}

	m, err := h.service.Get(r.Context(), r.PathValue("id"), requester)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Material not found", http.StatusNotFound)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": m}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	requester := middleware.RequesterID(r)
	if requester == "" {
		h.writeError(r.Context(), w, "UNAUTHORIZED", "Missing user identity", http.StatusUnauthorized)
		return
	}

	if err := h.service.Delete(r.Context(), r.PathValue("id"), requester); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(r.Context(), w, "NOT_FOUND", "Material not found", http.StatusNotFound)
		case errors.Is(err, ErrForbidden):
			h.writeError(r.Context(), w, "FORBIDDEN", "Only the owner can delete a material", http.StatusForbidden)
		default:
			h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	requester := middleware.RequesterID(r)
	if requester == "" {
		h.writeError(r.Context(), w, "UNAUTHORIZED", "Missing user identity", http.StatusUnauthorized)
		return
	}

	m, err := h.service.Reprocess(r.Context(), r.PathValue("id"), requester)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(r.Context(), w, "NOT_FOUND", "Material not found", http.StatusNotFound)
		case errors.Is(err, ErrForbidden):
			h.writeError(r.Context(), w, "FORBIDDEN", "Only the owner can reprocess a material", http.StatusForbidden)
		default:
			h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": m}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, "summary", func(ctx context.Context, id, requester string) (interface{}, error) {
		return h.service.Summary(ctx, id, requester)
	})
}

func (h *Handler) KeyPoints(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, "keyPoints", func(ctx context.Context, id, requester string) (interface{}, error) {
		return h.service.KeyPoints(ctx, id, requester)
	})
}

func (h *Handler) Quiz(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, "quiz", func(ctx context.Context, id, requester string) (interface{}, error) {
		return h.service.Quiz(ctx, id, requester)
	})
}

func (h *Handler) Flashcards(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, "flashcards", func(ctx context.Context, id, requester string) (interface{}, error) {
		return h.service.Flashcards(ctx, id, requester)
	})
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, field string, gen func(ctx context.Context, id, requesterID string) (interface{}, error)) {
	requester := middleware.RequesterID(r)
	if requester == "" {
		h.writeError(r.Context(), w, "UNAUTHORIZED", "Missing user identity", http.StatusUnauthorized)
		return
	}

	out, err := gen(r.Context(), r.PathValue("id"), requester)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(r.Context(), w, "NOT_FOUND", "Material not found", http.StatusNotFound)
		case errors.Is(err, ErrNotReady):
			h.writeError(r.Context(), w, "CONFLICT", "Material is not processed yet", http.StatusConflict)
		default:
			slog.Error("artifact request failed", "error", err, "kind", field)
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{field: out},
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
