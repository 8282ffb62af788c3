package handlers

import (
	"net/http"

	"github.com/cryptoquiz/backend/internal/middleware"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/cryptoquiz/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// AdminHandler serves review decisions and account administration. Routes
// are mounted behind middleware.RequireAdmin.
type AdminHandler struct {
	txlog     *services.TransactionLog
	workflow  *services.ApprovalWorkflow
	accounts  *services.AccountStore
	bonus     *services.BonusEngine
	feed      *services.ActivityFeed
	validator *services.ValidationHelper
}

func NewAdminHandler(txlog *services.TransactionLog, workflow *services.ApprovalWorkflow, accounts *services.AccountStore, bonus *services.BonusEngine, feed *services.ActivityFeed) *AdminHandler {
	return &AdminHandler{
		txlog:     txlog,
		workflow:  workflow,
		accounts:  accounts,
		bonus:     bonus,
		feed:      feed,
		validator: services.NewValidationHelper(),
	}
}

func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/transactions/pending", h.ListPending)
	r.Post("/deposits/{txId}/approve", h.ApproveDeposit)
	r.Post("/deposits/{txId}/reject", h.RejectDeposit)
	r.Post("/withdrawals/{txId}/approve", h.ApproveWithdrawal)
	r.Post("/withdrawals/{txId}/reject", h.RejectWithdrawal)
	r.Put("/accounts/{userId}/status", h.SetAccountStatus)
	r.Get("/settings/daily-bonus", h.GetDailyBonus)
	r.Put("/settings/daily-bonus", h.SetDailyBonus)
	r.Post("/activity/{userId}/rebuild", h.RebuildActivity)
}

func (h *AdminHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	filter, err := pageFilter(r)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	page, err := h.txlog.ListPending(r.Context(), filter)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ApproveDeposit credits a pending deposit
// @Summary Approve deposit
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/deposits/{txId}/approve [post]
func (h *AdminHandler) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	tx, err := h.workflow.ApproveDeposit(r.Context(), chi.URLParam(r, "txId"), middleware.UserID(r.Context()))
	h.respond(w, tx, err)
}

func (h *AdminHandler) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"required,max=500"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	tx, err := h.workflow.RejectDeposit(r.Context(), chi.URLParam(r, "txId"), middleware.UserID(r.Context()), req.Reason)
	h.respond(w, tx, err)
}

// ApproveWithdrawal debits a pending withdrawal once it has been paid out
// @Summary Approve withdrawal
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Param request body object{txHash=string} true "Payout transaction hash"
// @Success 200 {object} models.Transaction
// @Failure 402 {object} services.ErrorResponse
// @Router /admin/withdrawals/{txId}/approve [post]
func (h *AdminHandler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"txHash" validate:"required"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	tx, err := h.workflow.ApproveWithdrawal(r.Context(), chi.URLParam(r, "txId"), middleware.UserID(r.Context()), req.TxHash)
	h.respond(w, tx, err)
}

func (h *AdminHandler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"required,max=500"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	tx, err := h.workflow.RejectWithdrawal(r.Context(), chi.URLParam(r, "txId"), middleware.UserID(r.Context()), req.Reason)
	h.respond(w, tx, err)
}

func (h *AdminHandler) respond(w http.ResponseWriter, tx *models.Transaction, err error) {
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *AdminHandler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status" validate:"required,oneof=active suspended banned pending"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	acc, err := h.accounts.SetStatus(r.Context(), chi.URLParam(r, "userId"), models.AccountStatus(req.Status), middleware.UserID(r.Context()))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *AdminHandler) GetDailyBonus(w http.ResponseWriter, r *http.Request) {
	amount, err := h.bonus.DailyBonusAmount(r.Context())
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amount})
}

func (h *AdminHandler) SetDailyBonus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	if err := h.bonus.SetDailyBonusAmount(r.Context(), req.Amount, middleware.UserID(r.Context())); err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": req.Amount})
}

func (h *AdminHandler) RebuildActivity(w http.ResponseWriter, r *http.Request) {
	items, err := h.feed.Rebuild(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
