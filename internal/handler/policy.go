package handler

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/ledger"
	"moneypolicy/internal/middleware"
	"moneypolicy/internal/policy"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/validator"
)

// PolicyHandler exposes quotes and money movement.
type PolicyHandler struct {
	responder
	policy *policy.Service
	ledger *ledger.Service
}

// NewPolicyHandler creates a PolicyHandler.
func NewPolicyHandler(service *policy.Service, ledgerService *ledger.Service, val *validator.Validator, log logger.Logger) *PolicyHandler {
	return &PolicyHandler{
		responder: responder{validator: val, logger: log},
		policy:    service,
		ledger:    ledgerService,
	}
}

type exchangeQuoteRequest struct {
	FromCurrency string          `json:"from_currency" validate:"required,currency"`
	ToCurrency   string          `json:"to_currency" validate:"required,currency"`
	Amount       decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

type transferQuoteRequest struct {
	AccountID       uuid.UUID       `json:"account_id" validate:"required"`
	Amount          decimal.Decimal `json:"amount" validate:"required,gt=0"`
	TransactionType string          `json:"transaction_type" validate:"omitempty,oneof=transfer p2p merchant_payment withdrawal"`
}

type transferRequest struct {
	Reference       string          `json:"reference" validate:"required,max=128"`
	FromAccountID   uuid.UUID       `json:"from_account_id" validate:"required"`
	ToAccountID     uuid.UUID       `json:"to_account_id" validate:"required"`
	Amount          decimal.Decimal `json:"amount" validate:"required,gt=0"`
	TransactionType string          `json:"transaction_type" validate:"omitempty,oneof=transfer p2p merchant_payment withdrawal"`
}

type exchangeRequest struct {
	Reference     string          `json:"reference" validate:"required,max=128"`
	FromAccountID uuid.UUID       `json:"from_account_id" validate:"required"`
	ToAccountID   uuid.UUID       `json:"to_account_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

type cardAuthorizationRequest struct {
	Reference   string          `json:"reference" validate:"required,max=128"`
	Amount      decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Installment bool            `json:"installment"`
}

// QuoteExchange previews an exchange for the caller's user type.
func (h *PolicyHandler) QuoteExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeQuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	userType, _ := middleware.UserTypeFromContext(r.Context())

	quote, err := h.policy.QuoteExchange(r.Context(), policy.ExchangeQuoteRequest{
		UserType: domain.UserType(userType),
		From:     domain.Currency(req.FromCurrency),
		To:       domain.Currency(req.ToCurrency),
		Amount:   req.Amount,
	})
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, quote)
}

// QuoteTransfer previews the fee and remaining limits of a transfer.
func (h *PolicyHandler) QuoteTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferQuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeAccount(w, r, req.AccountID) {
		return
	}
	if !h.authorizeTransactionType(w, r, req.TransactionType) {
		return
	}

	quote, err := h.policy.QuoteTransfer(r.Context(), policy.TransferQuoteRequest{
		AccountID:       req.AccountID,
		Amount:          req.Amount,
		TransactionType: domain.TransactionType(req.TransactionType),
	})
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, quote)
}

// ExecuteTransfer moves money between two accounts of one currency.
func (h *PolicyHandler) ExecuteTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeAccount(w, r, req.FromAccountID) {
		return
	}
	if !h.authorizeTransactionType(w, r, req.TransactionType) {
		return
	}

	tx, err := h.policy.ExecuteTransfer(r.Context(), policy.TransferRequest{
		Reference:       req.Reference,
		FromAccountID:   req.FromAccountID,
		ToAccountID:     req.ToAccountID,
		Amount:          req.Amount,
		TransactionType: domain.TransactionType(req.TransactionType),
	})
	h.respondTransaction(w, r, tx, err)
}

// ExecuteExchange converts money between two accounts.
func (h *PolicyHandler) ExecuteExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeAccount(w, r, req.FromAccountID) {
		return
	}

	tx, err := h.policy.ExecuteExchange(r.Context(), policy.ExchangeRequest{
		Reference:     req.Reference,
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
	})
	h.respondTransaction(w, r, tx, err)
}

// AuthorizeCard decides a card charge under the card's frozen terms.
func (h *PolicyHandler) AuthorizeCard(w http.ResponseWriter, r *http.Request) {
	cardID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid card ID")
		return
	}
	var req cardAuthorizationRequest
	if !h.decode(w, r, &req) {
		return
	}

	auth, err := h.policy.AuthorizeCardTransaction(r.Context(), policy.CardRequest{
		Reference:   req.Reference,
		CardID:      cardID,
		Amount:      req.Amount,
		Installment: req.Installment,
	})
	h.respondAuthorization(w, r, auth, err, http.StatusCreated)
}

// SettleCard settles an authorized card charge.
func (h *PolicyHandler) SettleCard(w http.ResponseWriter, r *http.Request) {
	reference := strings.TrimSpace(mux.Vars(r)["reference"])
	auth, err := h.policy.SettleCardTransaction(r.Context(), reference)
	h.respondAuthorization(w, r, auth, err, http.StatusOK)
}

// Usage reports the limit windows of an account.
func (h *PolicyHandler) Usage(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}
	if !h.authorizeAccount(w, r, accountID) {
		return
	}

	scope := domain.Scope(strings.TrimSpace(r.URL.Query().Get("scope")))
	usage, err := h.policy.LimitUsage(r.Context(), accountID, scope)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, usage)
}

// authorizeAccount lets admins act on any account and everyone else only on
// accounts they own.
func (h *PolicyHandler) authorizeAccount(w http.ResponseWriter, r *http.Request, accountID uuid.UUID) bool {
	userType, _ := middleware.UserTypeFromContext(r.Context())
	if isAdmin(userType) {
		return true
	}
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}

	account, err := h.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return false
	}
	if account.OwnerID != userID {
		h.respondError(w, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}

// authorizeTransactionType keeps the fee row out of the caller's hands:
// only admins may book a transfer as anything other than "transfer".
func (h *PolicyHandler) authorizeTransactionType(w http.ResponseWriter, r *http.Request, txType string) bool {
	if txType == "" || txType == string(domain.TransactionTypeTransfer) {
		return true
	}
	userType, _ := middleware.UserTypeFromContext(r.Context())
	if isAdmin(userType) {
		return true
	}
	h.respondError(w, http.StatusForbidden, "transaction_type may only be set by administrators")
	return false
}

// respondTransaction writes a terminal transaction. A failed transaction is
// returned alongside its error so replays of the reference look identical.
func (h *PolicyHandler) respondTransaction(w http.ResponseWriter, r *http.Request, tx *domain.Transaction, err error) {
	if err != nil {
		var extra map[string]interface{}
		if tx != nil {
			extra = map[string]interface{}{"transaction": tx}
		}
		h.respondServiceError(w, r, err, extra)
		return
	}
	h.respondJSON(w, http.StatusCreated, tx)
}

func (h *PolicyHandler) respondAuthorization(w http.ResponseWriter, r *http.Request, auth *domain.CardAuthorization, err error, status int) {
	if err != nil {
		var extra map[string]interface{}
		if auth != nil {
			extra = map[string]interface{}{"authorization": auth}
		}
		h.respondServiceError(w, r, err, extra)
		return
	}
	h.respondJSON(w, status, auth)
}

func isAdmin(userType string) bool {
	return userType == string(domain.UserTypeAdmin) || userType == string(domain.UserTypeSuperAdmin)
}
