package handlers

import (
	"net/http"

	"github.com/cryptoquiz/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

type QRHandler struct {
	service *services.QRService
}

func NewQRHandler(service *services.QRService) *QRHandler {
	return &QRHandler{
		service: service,
	}
}

func (h *QRHandler) Routes(r chi.Router) {
	r.Get("/deposits/address", h.DepositAddress)
	r.Get("/deposits/networks", h.Networks)
}

// DepositAddress returns the platform address for a network with its QR code
// @Summary Deposit address
// @Description Platform deposit address and a base64 PNG QR code
// @Tags Deposits
// @Produce json
// @Security BearerAuth
// @Param network query string true "TRC20, ERC20, BEP20 or BTC"
// @Success 200 {object} services.DepositAddress
// @Failure 400 {object} services.ErrorResponse
// @Router /deposits/address [get]
func (h *QRHandler) DepositAddress(w http.ResponseWriter, r *http.Request) {
	network := r.URL.Query().Get("network")
	if network == "" {
		services.SendErrorResponse(w, "network is required", http.StatusBadRequest, nil)
		return
	}

	addr, err := h.service.DepositAddress(r.Context(), network)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, addr)
}

func (h *QRHandler) Networks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Networks())
}
