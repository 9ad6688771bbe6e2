package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/security/validation"
	"github.com/username/cryptofolio/backend/src/utils"
)

// PortfolioStore is the slice of the transaction store the portfolio endpoints need.
type PortfolioStore interface {
	ListPortfolios(ctx context.Context, userID int64) ([]models.Portfolio, error)
	CreatePortfolio(ctx context.Context, p *models.Portfolio) error
}

type PortfolioManagerHandler struct {
	store PortfolioStore
}

func NewPortfolioManagerHandler(store PortfolioStore) *PortfolioManagerHandler {
	return &PortfolioManagerHandler{store: store}
}

const MaxPortfoliosPerUser = 5

func (h *PortfolioManagerHandler) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	portfolios, err := h.store.ListPortfolios(r.Context(), userID)
	if err != nil {
		logger.FromContext(r.Context()).Error("Failed to list portfolios", "error", err)
		utils.SendJSONError(w, "Failed to retrieve portfolios", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, portfolios, http.StatusOK)
}

func (h *PortfolioManagerHandler) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	log := logger.FromContext(r.Context())

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid body", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(validation.SanitizeText(req.Name))
	if err := validation.ValidateStringNotEmpty(name, "name"); err != nil {
		utils.SendJSONError(w, "Portfolio name is required", http.StatusBadRequest)
		return
	}
	if err := validation.ValidateStringMaxLength(name, validation.DefaultMaxStringLength, "name"); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing, err := h.store.ListPortfolios(r.Context(), userID)
	if err != nil {
		log.Error("Failed to count existing portfolios", "error", err)
		utils.SendJSONError(w, "Failed to check portfolio limit", http.StatusInternalServerError)
		return
	}
	if len(existing) >= MaxPortfoliosPerUser {
		log.Warn("Portfolio limit reached", "currentCount", len(existing))
		utils.SendJSONError(w, fmt.Sprintf("portfolio limit reached (%d)", MaxPortfoliosPerUser), http.StatusForbidden)
		return
	}
	for _, p := range existing {
		if strings.EqualFold(p.Name, name) {
			utils.SendJSONError(w, "a portfolio with this name already exists", http.StatusConflict)
			return
		}
	}

	portfolio := &models.Portfolio{
		UserID:      userID,
		Name:        name,
		Description: validation.SanitizeNotes(req.Description),
		IsDefault:   len(existing) == 0,
	}
	if err := h.store.CreatePortfolio(r.Context(), portfolio); err != nil {
		log.Error("Failed to create portfolio", "error", err)
		utils.SendJSONError(w, "Failed to create portfolio", http.StatusInternalServerError)
		return
	}
	log.Info("Portfolio created", "portfolioID", portfolio.ID)
	utils.SendJSON(w, portfolio, http.StatusCreated)
}
