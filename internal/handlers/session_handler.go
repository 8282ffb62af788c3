package handlers

import (
	"net/http"

	"github.com/cryptoquiz/backend/internal/middleware"
	"github.com/cryptoquiz/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

type SessionHandler struct {
	service   *services.SessionService
	validator *services.ValidationHelper
}

func NewSessionHandler(service *services.SessionService) *SessionHandler {
	return &SessionHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// PublicRoutes need no token.
func (h *SessionHandler) PublicRoutes(r chi.Router) {
	r.Post("/session", h.Start)
}

func (h *SessionHandler) Routes(r chi.Router) {
	r.Post("/session/logout", h.Logout)
}

// Start opens a session from Telegram Mini App init data
// @Summary Start session
// @Tags Session
// @Accept json
// @Produce json
// @Param request body object{initData=string} true "Telegram init data"
// @Success 200 {object} services.SessionResult
// @Failure 401 {object} services.ErrorResponse
// @Router /session [post]
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitData string `json:"initData" validate:"required"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	result, err := h.service.Start(r.Context(), req.InitData)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, exp := middleware.Token(r.Context())
	if token == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if err := h.service.Revoke(r.Context(), token, exp); err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}
