// backend/src/handlers/transaction_handler.go
package handlers

import (
	"context"
	"net/http"

	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/services"
	"github.com/username/cryptofolio/backend/src/utils"
)

// TransactionLister reads back a portfolio's stored transactions.
type TransactionLister interface {
	ListTransactions(ctx context.Context, portfolioID int64) ([]models.PersistedTransaction, error)
}

type TransactionHandler struct {
	importer services.ImportService
	store    TransactionLister
}

func NewTransactionHandler(importer services.ImportService, store TransactionLister) *TransactionHandler {
	return &TransactionHandler{importer: importer, store: store}
}

// HandleListTransactions returns every transaction in a portfolio the caller owns.
func (h *TransactionHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
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
	if err := h.importer.CheckOwnership(r.Context(), userID, portfolioID); err != nil {
		sendServiceError(w, r, err, "failed to load portfolio")
		return
	}

	transactions, err := h.store.ListTransactions(r.Context(), portfolioID)
	if err != nil {
		sendServiceError(w, r, err, "failed to load transactions")
		return
	}
	if transactions == nil {
		transactions = []models.PersistedTransaction{}
	}
	utils.SendJSON(w, transactions, http.StatusOK)
}
