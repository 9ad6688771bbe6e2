// backend/src/handlers/upload_handler.go
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/security/validation"
	"github.com/username/cryptofolio/backend/src/services"
	"github.com/username/cryptofolio/backend/src/utils"
)

// ImportHandler serves CSV uploads and exchange syncs into a portfolio.
type ImportHandler struct {
	ingestion     services.IngestionService
	maxUploadSize int64
	now           func() time.Time
}

func NewImportHandler(ingestion services.IngestionService, maxUploadSize int64) *ImportHandler {
	return &ImportHandler{ingestion: ingestion, maxUploadSize: maxUploadSize, now: time.Now}
}

func portfolioIDParam(r *http.Request) (int64, error) {
	return validation.ValidatePositiveID(chi.URLParam(r, "portfolioID"), "portfolioID")
}

// HandleCSVImport accepts a multipart upload with a "file" part and an optional "source" field.
func (h *ImportHandler) HandleCSVImport(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}
	log := logger.FromContext(r.Context())
	portfolioID, err := portfolioIDParam(r)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+1024*1024)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		log.Warn("Failed to parse multipart form or request too large", "error", err, "limit", h.maxUploadSize)
		utils.SendJSONError(w, fmt.Sprintf("failed to read upload or file too large (max %d MB)", h.maxUploadSize/(1024*1024)), http.StatusBadRequest)
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		utils.SendJSONError(w, "failed to retrieve file from request; use the 'file' field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if fileHeader.Size > h.maxUploadSize {
		utils.SendJSONError(w, fmt.Sprintf("file too large, max %d MB", h.maxUploadSize/(1024*1024)), http.StatusBadRequest)
		return
	}
	clientContentType := fileHeader.Header.Get("Content-Type")
	if err := validation.ValidateClientContentType(clientContentType); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	detectedContentType, err := validation.ValidateFileContentByMagicBytes(file)
	if err != nil {
		log.Warn("Server-side file content validation failed", "filename", fileHeader.Filename, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	source := r.FormValue("source")
	if err := validation.ValidateStringMaxLength(source, validation.DefaultMaxStringLength, "source"); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Info("Processing CSV import", "portfolioID", portfolioID, "filename", fileHeader.Filename,
		"size", fileHeader.Size, "source", source, "detectedType", detectedContentType)

	result, err := h.ingestion.IngestCSV(r.Context(), userID, portfolioID, source, file)
	if err != nil {
		sendServiceError(w, r, err, "failed to import file")
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

type syncRequest struct {
	Source string `json:"source"`
	Since  string `json:"since"`
}

// HandleExchangeSync pulls history from a connected exchange. Body: {"source": "...", "since": "YYYY-MM-DD"}.
func (h *ImportHandler) HandleExchangeSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}
	portfolioID, err := portfolioIDParam(r)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validation.ValidateStringNotEmpty(req.Source, "source"); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	since, err := validation.ValidateSince(req.Since, h.now())
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.ingestion.SyncExchange(r.Context(), userID, portfolioID, req.Source, since)
	if err != nil {
		sendServiceError(w, r, err, "failed to sync exchange")
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}
