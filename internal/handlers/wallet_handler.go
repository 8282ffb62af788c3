package handlers

import (
	"net/http"
	"strings"

	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/cryptoquiz/backend/internal/services"
	"github.com/cryptoquiz/backend/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WalletHandler serves the player's own balance operations.
type WalletHandler struct {
	accounts  *services.AccountStore
	txlog     *services.TransactionLog
	workflow  *services.ApprovalWorkflow
	bonus     *services.BonusEngine
	validator *services.ValidationHelper
}

func NewWalletHandler(accounts *services.AccountStore, txlog *services.TransactionLog, workflow *services.ApprovalWorkflow, bonus *services.BonusEngine) *WalletHandler {
	return &WalletHandler{
		accounts:  accounts,
		txlog:     txlog,
		workflow:  workflow,
		bonus:     bonus,
		validator: services.NewValidationHelper(),
	}
}

func (h *WalletHandler) Routes(r chi.Router) {
	r.Get("/account", h.GetAccount)
	r.Get("/transactions", h.ListTransactions)
	r.Get("/transactions/{txId}", h.GetTransaction)
	r.Post("/deposits", h.RequestDeposit)
	r.Post("/withdrawals", h.RequestWithdrawal)
	r.Post("/bonus/daily", h.ClaimDailyBonus)
	r.Post("/bonus/convert", h.ConvertBonus)
	r.Get("/referrals", h.GetReferrals)
}

type accountView struct {
	*models.Account
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

func (h *WalletHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	acc, err := h.accounts.Get(r.Context(), userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{Account: acc, AvailableBalance: acc.AvailableBalance()})
}

// ListTransactions returns the caller's transactions, newest first
// @Summary List transactions
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size"
// @Param before query string false "Cursor from the previous page"
// @Param type query string false "Comma separated transaction types"
// @Success 200 {object} models.TransactionPage
// @Router /transactions [get]
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	filter, err := pageFilter(r)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	page, err := h.txlog.ListByUser(r.Context(), userID, filter)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *WalletHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	tx, err := h.txlog.Get(r.Context(), chi.URLParam(r, "txId"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	if tx.UserID != userID {
		services.SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type depositForm struct {
	Amount  string `validate:"required,usdt"`
	Network string `validate:"required"`
	TxHash  string `validate:"required"`
}

// RequestDeposit accepts either multipart form data with a proof file or a
// JSON body carrying proofUrl.
func (h *WalletHandler) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	req := services.DepositRequest{UserID: userID}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, storage.MaxProofSize+maxBodyBytes)
		if err := r.ParseMultipartForm(storage.MaxProofSize); err != nil {
			services.SendErrorResponse(w, "Invalid multipart form", http.StatusBadRequest, nil)
			return
		}
		form := depositForm{
			Amount:  r.FormValue("amount"),
			Network: r.FormValue("network"),
			TxHash:  r.FormValue("txHash"),
		}
		if err := h.validator.ValidateStruct(&form); err != nil {
			services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
			return
		}
		file, header, err := r.FormFile("proof")
		if err != nil {
			services.SendErrorResponse(w, "proof file is required", http.StatusBadRequest, nil)
			return
		}
		defer file.Close()

		req.Amount = decimal.RequireFromString(form.Amount)
		req.Network = form.Network
		req.TxHash = form.TxHash
		req.Proof = file
		req.ProofName = header.Filename
	} else {
		var body struct {
			Amount   decimal.Decimal `json:"amount"`
			Network  string          `json:"network" validate:"required"`
			TxHash   string          `json:"txHash" validate:"required"`
			ProofURL string          `json:"proofUrl" validate:"required,url"`
		}
		if !decodeJSON(w, r, h.validator, &body) {
			return
		}
		req.Amount = body.Amount
		req.Network = body.Network
		req.TxHash = body.TxHash
		req.ProofURL = body.ProofURL
	}

	tx, err := h.workflow.RequestDeposit(r.Context(), req)
	if err != nil {
		logger.Log.Info("deposit request refused", zap.String("user_id", userID), zap.Error(err))
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *WalletHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount    decimal.Decimal `json:"amount"`
		Network   string          `json:"network" validate:"required"`
		Address   string          `json:"address" validate:"required"`
		RequestID string          `json:"requestId,omitempty" validate:"omitempty,max=64"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	tx, err := h.workflow.RequestWithdrawal(r.Context(), services.WithdrawalRequest{
		UserID:    userID,
		Amount:    req.Amount,
		Network:   req.Network,
		Address:   req.Address,
		RequestID: req.RequestID,
	})
	if err != nil {
		logger.Log.Info("withdrawal request refused", zap.String("user_id", userID), zap.Error(err))
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *WalletHandler) ClaimDailyBonus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	result, err := h.bonus.ClaimDailyBonus(r.Context(), userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *WalletHandler) ConvertBonus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	tx, err := h.bonus.ConvertBonus(r.Context(), userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *WalletHandler) GetReferrals(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	stats, err := h.bonus.GetReferralStats(r.Context(), userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
