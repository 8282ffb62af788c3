package services

import (
	"errors"
	"net/http"

	"github.com/cryptoquiz/backend/internal/models"
)

var errorStatus = []struct {
	err    error
	status int
}{
	{models.ErrValidation, http.StatusBadRequest},
	{models.ErrUnauthorized, http.StatusUnauthorized},
	{models.ErrInsufficientBalance, http.StatusPaymentRequired},
	{models.ErrAccountNotActive, http.StatusForbidden},
	{models.ErrNotFound, http.StatusNotFound},
	{models.ErrInvalidTransition, http.StatusConflict},
	{models.ErrDuplicateAttribution, http.StatusConflict},
	{models.ErrVersionConflict, http.StatusConflict},
	{models.ErrAlreadyExists, http.StatusConflict},
	{models.ErrRateLimited, http.StatusTooManyRequests},
}

// StatusForError returns the HTTP status for a ledger error.
func StatusForError(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}
