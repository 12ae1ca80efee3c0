package hrest

import (
	"encoding/json"
	"errors"
	"net/http"

	"remit-service/internal/domain"
	"remit-service/pkg/xerrors"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeDomainError maps a core error onto a stable code and HTTP status.
// Unknown errors become a generic 500 without internal detail.
func writeDomainError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", vErr.Msg)
	case errors.Is(err, xerrors.ErrInvalidCurrency),
		errors.Is(err, xerrors.ErrInvalidAmount),
		errors.Is(err, xerrors.ErrInvalidIdentifier),
		errors.Is(err, xerrors.ErrUnsupportedCountry):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, xerrors.ErrAccountNotFound),
		errors.Is(err, xerrors.ErrTransferNotFound),
		errors.Is(err, xerrors.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, xerrors.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", err.Error())
	case errors.Is(err, xerrors.ErrCurrencyMismatch):
		writeError(w, http.StatusUnprocessableEntity, "CURRENCY_MISMATCH", err.Error())
	case errors.Is(err, xerrors.ErrAccountInactive):
		writeError(w, http.StatusConflict, "ACCOUNT_INACTIVE", err.Error())
	case errors.Is(err, xerrors.ErrDuplicateAccount),
		errors.Is(err, xerrors.ErrIdentifierTaken):
		writeError(w, http.StatusConflict, "DUPLICATE_ACCOUNT", err.Error())
	case errors.Is(err, xerrors.ErrCancelAfterSent),
		errors.Is(err, xerrors.ErrTransferTerminal),
		errors.Is(err, xerrors.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, xerrors.ErrProviderRejected),
		errors.Is(err, xerrors.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, "PROVIDER_FAILURE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
