package hrest

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"remit-service/internal/account"
	"remit-service/internal/domain"
	mw "remit-service/internal/middleware"
	"remit-service/internal/pub"
	"remit-service/internal/transfer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RemitRestHandler struct {
	accounts      *account.Service
	transfers     *transfer.Controller
	quoter        *transfer.Quoter
	events        *pub.TransferEventPublisher
	providerToken string
	log           *zap.Logger
}

func NewRemitRestHandler(
	accounts *account.Service,
	transfers *transfer.Controller,
	quoter *transfer.Quoter,
	events *pub.TransferEventPublisher,
	log *zap.Logger,
) *RemitRestHandler {
	return &RemitRestHandler{
		accounts:  accounts,
		transfers: transfers,
		quoter:    quoter,
		events:    events,
		log:       log,
	}
}

// Router assembles the HTTP surface. User endpoints sit behind JWT auth;
// the provider confirmation webhook authenticates with a shared token.
func (h *RemitRestHandler) Router(jwtSecret, providerToken string) http.Handler {
	h.providerToken = providerToken
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Group(func(r chi.Router) {
		r.Use(mw.Auth(jwtSecret))

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.OpenAccount)
			r.Get("/", h.ListAccounts)
			r.Get("/{id}", h.GetAccount)
			r.Post("/{id}/suspend", h.SuspendAccount)
			r.Post("/{id}/reactivate", h.ReactivateAccount)
			r.Post("/{id}/close", h.CloseAccount)
			r.Get("/{id}/transactions", h.ListTransactions)
			r.Get("/{id}/transfers", h.ListTransfers)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/", h.CreateTransfer)
			r.Get("/{id}", h.GetTransfer)
			r.Get("/{id}/status", h.GetTransferStatus)
			r.Get("/{id}/entries", h.ListTransferEntries)
			r.Post("/{id}/cancel", h.CancelTransfer)
		})

		r.Post("/quotes", h.GetQuote)
	})

	// The provider calls back with its shared token, not a user token.
	r.Post("/provider/confirmations", h.ProviderConfirmation)

	return r
}

// ===============================
// ACCOUNTS
// ===============================

type openAccountJSON struct {
	Currency string `json:"currency"`
	Country  string `json:"country"`
}

type accountJSON struct {
	ID         string `json:"id"`
	Currency   string `json:"currency"`
	Identifier string `json:"identifier"`
	Balance    string `json:"balance"`
	Status     string `json:"status"`
}

func toAccountJSON(a *domain.Account) accountJSON {
	return accountJSON{
		ID:         a.ID,
		Currency:   a.Currency,
		Identifier: a.Identifier,
		Balance:    a.Balance.StringFixed(domain.MinorUnits),
		Status:     string(a.Status),
	}
}

func (h *RemitRestHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var in openAccountJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	acc, err := h.accounts.Open(r.Context(), domain.AccountCreate{
		OwnerType: domain.OwnerTypeUser,
		OwnerID:   mw.OwnerID(r.Context()),
		Currency:  in.Currency,
		Country:   in.Country,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountJSON(acc))
}

func (h *RemitRestHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accs, err := h.accounts.ListByOwner(r.Context(), mw.OwnerID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]accountJSON, 0, len(accs))
	for _, a := range accs {
		out = append(out, toAccountJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// ownAccount loads an account and verifies the caller owns it. Foreign
// accounts read as not found rather than forbidden.
func (h *RemitRestHandler) ownAccount(w http.ResponseWriter, r *http.Request) *domain.Account {
	acc, err := h.accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return nil
	}
	if acc.OwnerID != mw.OwnerID(r.Context()) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "account not found")
		return nil
	}
	return acc
}

func (h *RemitRestHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	if acc := h.ownAccount(w, r); acc != nil {
		writeJSON(w, http.StatusOK, toAccountJSON(acc))
	}
}

func (h *RemitRestHandler) SuspendAccount(w http.ResponseWriter, r *http.Request) {
	acc := h.ownAccount(w, r)
	if acc == nil {
		return
	}
	if err := h.accounts.Suspend(r.Context(), acc.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.AccountStatusSuspended)})
}

func (h *RemitRestHandler) ReactivateAccount(w http.ResponseWriter, r *http.Request) {
	acc := h.ownAccount(w, r)
	if acc == nil {
		return
	}
	if err := h.accounts.Reactivate(r.Context(), acc.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.AccountStatusActive)})
}

func (h *RemitRestHandler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	acc := h.ownAccount(w, r)
	if acc == nil {
		return
	}
	if err := h.accounts.Close(r.Context(), acc.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.AccountStatusClosed)})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func (h *RemitRestHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	acc := h.ownAccount(w, r)
	if acc == nil {
		return
	}
	limit, offset := pagination(r)
	rows, err := h.transfers.History(r.Context(), acc.ID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *RemitRestHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	acc := h.ownAccount(w, r)
	if acc == nil {
		return
	}
	limit, offset := pagination(r)
	out, err := h.transfers.ListBySource(r.Context(), acc.ID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ===============================
// TRANSFERS
// ===============================

type createTransferJSON struct {
	SourceAccountID string `json:"source_account_id"`
	Recipient       string `json:"recipient"`
	Amount          string `json:"amount"`
	TargetCurrency  string `json:"target_currency"`
	Reference       string `json:"reference"`
}

func (h *RemitRestHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var in createTransferJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid amount")
		return
	}

	t, err := h.transfers.Create(r.Context(), mw.OwnerID(r.Context()), &domain.TransferRequest{
		SourceAccountID:     in.SourceAccountID,
		RecipientIdentifier: in.Recipient,
		Amount:              amount,
		TargetCurrency:      in.TargetCurrency,
		Reference:           in.Reference,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ownTransfer loads a transfer and verifies the caller owns its source
// account.
func (h *RemitRestHandler) ownTransfer(w http.ResponseWriter, r *http.Request) *domain.Transfer {
	t, err := h.transfers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return nil
	}
	acc, err := h.accounts.Get(r.Context(), t.SourceAccountID)
	if err != nil {
		writeDomainError(w, err)
		return nil
	}
	if acc.OwnerID != mw.OwnerID(r.Context()) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "transfer not found")
		return nil
	}
	return t
}

func (h *RemitRestHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	if t := h.ownTransfer(w, r); t != nil {
		writeJSON(w, http.StatusOK, t)
	}
}

// GetTransferStatus verifies ownership first, then answers from the redis
// status cache when possible, falling back to the loaded row.
func (h *RemitRestHandler) GetTransferStatus(w http.ResponseWriter, r *http.Request) {
	t := h.ownTransfer(w, r)
	if t == nil {
		return
	}
	if h.events != nil {
		if status := h.events.CachedStatus(r.Context(), t.ID); status != "" {
			writeJSON(w, http.StatusOK, map[string]string{"id": t.ID, "status": status})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": t.ID, "status": string(t.Status)})
}

func (h *RemitRestHandler) ListTransferEntries(w http.ResponseWriter, r *http.Request) {
	t := h.ownTransfer(w, r)
	if t == nil {
		return
	}
	rows, err := h.transfers.Entries(r.Context(), t.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *RemitRestHandler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	t := h.ownTransfer(w, r)
	if t == nil {
		return
	}
	cancelled, err := h.transfers.Cancel(r.Context(), t.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// ===============================
// QUOTES
// ===============================

type quoteJSON struct {
	SourceCurrency string `json:"source_currency"`
	TargetCurrency string `json:"target_currency"`
	Amount         string `json:"amount"`
}

func (h *RemitRestHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	var in quoteJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid amount")
		return
	}
	quote, err := h.quoter.Quote(r.Context(), in.SourceCurrency, in.TargetCurrency, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// ===============================
// PROVIDER WEBHOOK
// ===============================

type providerConfirmationJSON struct {
	TransferID        string `json:"transfer_id"`
	ProviderReference string `json:"provider_reference"`
	Succeeded         bool   `json:"succeeded"`
	Reason            string `json:"reason"`
}

func (h *RemitRestHandler) ProviderConfirmation(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Provider-Token")
	if h.providerToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.providerToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid provider token")
		return
	}

	var in providerConfirmationJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if in.TransferID == "" || in.ProviderReference == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "transfer_id and provider_reference are required")
		return
	}
	if err := h.transfers.HandleProviderResult(r.Context(), in.TransferID, in.ProviderReference, in.Succeeded, in.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
