package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/username/cryptofolio/backend/src/exchanges"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/parsers"
	"github.com/username/cryptofolio/backend/src/security/validation"
	"github.com/username/cryptofolio/backend/src/services"
	"github.com/username/cryptofolio/backend/src/utils"
)

// statusForError maps service errors onto HTTP statuses. ok is false for unexpected errors.
func statusForError(err error) (status int, ok bool) {
	switch {
	case errors.Is(err, services.ErrPortfolioNotFound), errors.Is(err, services.ErrConnectionNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, services.ErrPortfolioForbidden):
		return http.StatusForbidden, true
	case errors.Is(err, services.ErrEmptyInput), errors.Is(err, services.ErrNoRecognizedRows),
		errors.Is(err, parsers.ErrFormatMismatch):
		return http.StatusUnprocessableEntity, true
	case errors.Is(err, parsers.ErrUnsupportedSource), errors.Is(err, services.ErrMissingCredentials),
		errors.Is(err, validation.ErrValidationFailed):
		return http.StatusBadRequest, true
	case errors.Is(err, exchanges.ErrUpstream):
		return http.StatusBadGateway, true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	}
	return http.StatusInternalServerError, false
}

// sendServiceError answers with the error's message for known failures and a generic one otherwise.
func sendServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, known := statusForError(err)
	if !known {
		logger.ErrorFromContext(r.Context(), fallback, "path", r.URL.Path, "error", err)
		utils.SendJSONError(w, fallback, status)
		return
	}
	utils.SendJSONError(w, err.Error(), status)
}
