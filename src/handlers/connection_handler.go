package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/username/cryptofolio/backend/src/exchanges"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/security/validation"
	"github.com/username/cryptofolio/backend/src/services"
	"github.com/username/cryptofolio/backend/src/utils"
)

type ConnectionHandler struct {
	connections services.ConnectionService
}

func NewConnectionHandler(connections services.ConnectionService) *ConnectionHandler {
	return &ConnectionHandler{connections: connections}
}

type connectionRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func (h *ConnectionHandler) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	connections, err := h.connections.ListConnections(r.Context(), userID)
	if err != nil {
		sendServiceError(w, r, err, "failed to list connections")
		return
	}
	if connections == nil {
		connections = []models.ExchangeConnection{}
	}
	utils.SendJSON(w, connections, http.StatusOK)
}

// HandleSaveConnection stores or replaces the API credentials for the {source} exchange.
func (h *ConnectionHandler) HandleSaveConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	source := strings.TrimSpace(chi.URLParam(r, "source"))

	var req connectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.APIKey, req.APISecret = strings.TrimSpace(req.APIKey), strings.TrimSpace(req.APISecret)
	if err := validation.ValidateAPICredential(req.APIKey, "api_key"); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.ValidateAPICredential(req.APISecret, "api_secret"); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	saved, err := h.connections.SaveConnection(r.Context(), userID, source,
		exchanges.Credentials{APIKey: req.APIKey, APISecret: req.APISecret})
	if err != nil {
		sendServiceError(w, r, err, "failed to save connection")
		return
	}
	logger.InfoFromContext(r.Context(), "Exchange connection saved", "source", saved.Source, "connectionID", saved.ID)
	utils.SendJSON(w, saved, http.StatusOK)
}
