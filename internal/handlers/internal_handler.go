package handlers

import (
	"net/http"

	"github.com/cryptoquiz/backend/internal/models"
	"github.com/cryptoquiz/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// InternalHandler takes credits and debits from the quiz and tournament
// services. Every call carries a reference so retries are safe.
type InternalHandler struct {
	bonus     *services.BonusEngine
	validator *services.ValidationHelper
}

func NewInternalHandler(bonus *services.BonusEngine) *InternalHandler {
	return &InternalHandler{
		bonus:     bonus,
		validator: services.NewValidationHelper(),
	}
}

func (h *InternalHandler) Routes(r chi.Router) {
	r.Post("/rewards", h.Credit)
	r.Post("/xp", h.AwardXP)
	r.Post("/entry-fees", h.SpendEntryFee)
}

func (h *InternalHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string          `json:"userId" validate:"required"`
		Type      string          `json:"type" validate:"required,oneof=quiz_reward tournament_win task_reward"`
		Amount    decimal.Decimal `json:"amount"`
		Reference string          `json:"reference" validate:"required,max=128"`
		Details   models.Metadata `json:"details,omitempty"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	tx, err := h.bonus.Credit(r.Context(), services.RewardRequest{
		UserID:    req.UserID,
		Type:      models.TransactionType(req.Type),
		Amount:    req.Amount,
		Reference: req.Reference,
		Details:   req.Details,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *InternalHandler) AwardXP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId" validate:"required"`
		XP        int64  `json:"xp" validate:"required,gt=0"`
		SourceKey string `json:"sourceKey" validate:"required,max=128"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	result, err := h.bonus.AwardXP(r.Context(), req.UserID, req.XP, req.SourceKey)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *InternalHandler) SpendEntryFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string          `json:"userId" validate:"required"`
		Amount    decimal.Decimal `json:"amount"`
		Reference string          `json:"reference" validate:"required,max=128"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	tx, err := h.bonus.SpendEntryFee(r.Context(), services.EntryFeeRequest{
		UserID:    req.UserID,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
