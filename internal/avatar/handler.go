// Package avatar implements the avatar file upload endpoint. Uploaded files
// are JSON documents describing an avatar; the server validates them and
// echoes the parsed document back without persisting anything.
package avatar

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/avatarmeet/meetsignal/internal/httpserver"
	"github.com/avatarmeet/meetsignal/internal/metrics"
)

const fileField = "avatarFile"

type Handler struct {
	log      *slog.Logger
	m        *metrics.Metrics
	maxBytes int64
}

func NewHandler(maxBytes int64, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{log: logger, m: m, maxBytes: maxBytes}
}

type uploadResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ServeHTTP implements POST /upload-avatar. The request is a multipart form
// whose avatarFile part holds a JSON document.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	file, _, err := r.FormFile(fileField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteJSON(w, http.StatusRequestEntityTooLarge,
				uploadResponse{Error: "File too large"})
			return
		}
		httpserver.WriteJSON(w, http.StatusBadRequest,
			uploadResponse{Error: "Avatar file is required"})
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteJSON(w, http.StatusRequestEntityTooLarge,
				uploadResponse{Error: "File too large"})
			return
		}
		h.log.Error("read avatar upload", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError,
			uploadResponse{Error: "Failed to read file"})
		return
	}

	// The document is echoed back verbatim, so validation stops at
	// well-formedness. No schema is imposed on avatar structure.
	if !json.Valid(raw) {
		h.m.Inc(metrics.ClientErrors)
		httpserver.WriteJSON(w, http.StatusBadRequest,
			uploadResponse{Error: "Invalid JSON file"})
		return
	}

	h.m.Inc(metrics.AvatarUploads)
	httpserver.WriteJSON(w, http.StatusOK, uploadResponse{Success: true, Data: raw})
}
