package handler

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/cards"
	"moneypolicy/internal/domain"
	"moneypolicy/internal/exchange"
	"moneypolicy/internal/fees"
	"moneypolicy/internal/ledger"
	"moneypolicy/internal/limits"
	"moneypolicy/internal/rates"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/validator"
)

// AdminHandler manages policy configuration: rates, fees, limits, exchange
// permissions, card programs, cards and accounts.
type AdminHandler struct {
	responder
	rates    *rates.Service
	fees     *fees.Service
	limits   *limits.Service
	exchange *exchange.Processor
	cards    *cards.Service
	ledger   *ledger.Service
}

// AdminServices groups the services behind the admin endpoints.
type AdminServices struct {
	Rates    *rates.Service
	Fees     *fees.Service
	Limits   *limits.Service
	Exchange *exchange.Processor
	Cards    *cards.Service
	Ledger   *ledger.Service
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(svc AdminServices, val *validator.Validator, log logger.Logger) *AdminHandler {
	return &AdminHandler{
		responder: responder{validator: val, logger: log},
		rates:     svc.Rates,
		fees:      svc.Fees,
		limits:    svc.Limits,
		exchange:  svc.Exchange,
		cards:     svc.Cards,
		ledger:    svc.Ledger,
	}
}

type setRateRequest struct {
	FromCurrency     string          `json:"from_currency" validate:"required,currency"`
	ToCurrency       string          `json:"to_currency" validate:"required,currency"`
	Rate             decimal.Decimal `json:"rate" validate:"required,gt=0"`
	MarginPercentage decimal.Decimal `json:"margin_percentage"`
}

type issueCardRequest struct {
	AccountID uuid.UUID `json:"account_id" validate:"required"`
	ProgramID uuid.UUID `json:"program_id" validate:"required"`
}

// SetRate creates or supersedes the rate of a currency pair.
func (h *AdminHandler) SetRate(w http.ResponseWriter, r *http.Request) {
	var req setRateRequest
	if !h.decode(w, r, &req) {
		return
	}

	rate, err := h.rates.Set(r.Context(), domain.Currency(req.FromCurrency), domain.Currency(req.ToCurrency), req.Rate, req.MarginPercentage)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, rate)
}

// DeactivateRate disables a pair without deleting its history.
func (h *AdminHandler) DeactivateRate(w http.ResponseWriter, r *http.Request) {
	from, to := pairFromPath(r)
	rate, err := h.rates.Deactivate(r.Context(), from, to)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, rate)
}

// ListRates returns every configured pair.
func (h *AdminHandler) ListRates(w http.ResponseWriter, r *http.Request) {
	list, err := h.rates.List(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"rates": list})
}

// RateHistory returns the audit trail of one pair, newest first.
func (h *AdminHandler) RateHistory(w http.ResponseWriter, r *http.Request) {
	from, to := pairFromPath(r)

	limit := 30
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	history, err := h.rates.History(r.Context(), from, to, limit)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"from":    from,
		"to":      to,
		"history": history,
	})
}

func (h *AdminHandler) SetFee(w http.ResponseWriter, r *http.Request) {
	var cfg domain.FeeConfig
	if !h.decode(w, r, &cfg) {
		return
	}
	saved, err := h.fees.SetConfig(r.Context(), &cfg)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, saved)
}

func (h *AdminHandler) ListFees(w http.ResponseWriter, r *http.Request) {
	list, err := h.fees.List(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"fees": list})
}

func (h *AdminHandler) SetLimit(w http.ResponseWriter, r *http.Request) {
	var limit domain.TransferLimit
	if !h.decode(w, r, &limit) {
		return
	}
	saved, err := h.limits.SetTransferLimit(r.Context(), &limit)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, saved)
}

func (h *AdminHandler) ListLimits(w http.ResponseWriter, r *http.Request) {
	list, err := h.limits.ListTransferLimits(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"limits": list})
}

func (h *AdminHandler) SetPermission(w http.ResponseWriter, r *http.Request) {
	var perm domain.ExchangePermission
	if !h.decode(w, r, &perm) {
		return
	}
	saved, err := h.exchange.SetPermission(r.Context(), &perm)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, saved)
}

func (h *AdminHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	list, err := h.exchange.ListPermissions(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"permissions": list})
}

// SetProgram stores a card program. Cards already issued keep their terms
// until reapplied.
func (h *AdminHandler) SetProgram(w http.ResponseWriter, r *http.Request) {
	var program domain.CardProgram
	if !h.decode(w, r, &program) {
		return
	}
	saved, err := h.cards.SetProgram(r.Context(), &program)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, saved)
}

func (h *AdminHandler) GetProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	program, err := h.cards.GetProgram(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, program)
}

func (h *AdminHandler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	list, err := h.cards.ListPrograms(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"programs": list})
}

// IssueCard issues a card that snapshots the program's current terms.
func (h *AdminHandler) IssueCard(w http.ResponseWriter, r *http.Request) {
	var req issueCardRequest
	if !h.decode(w, r, &req) {
		return
	}
	card, err := h.cards.Issue(r.Context(), req.AccountID, req.ProgramID)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusCreated, card)
}

func (h *AdminHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	card, err := h.cards.GetCard(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, card)
}

// ReapplyCard moves a card onto its program's current terms.
func (h *AdminHandler) ReapplyCard(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	card, err := h.cards.Reapply(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, card)
}

func (h *AdminHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var account domain.Account
	if !h.decode(w, r, &account) {
		return
	}
	saved, err := h.ledger.OpenAccount(r.Context(), &account)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusCreated, saved)
}

func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	account, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, nil)
		return
	}
	h.respondJSON(w, http.StatusOK, account)
}

func (h *AdminHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid ID")
		return uuid.Nil, false
	}
	return id, true
}

func pairFromPath(r *http.Request) (domain.Currency, domain.Currency) {
	vars := mux.Vars(r)
	return domain.NormalizeCurrency(vars["from"]), domain.NormalizeCurrency(vars["to"])
}
