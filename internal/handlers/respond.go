package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cryptoquiz/backend/internal/middleware"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/cryptoquiz/backend/internal/services"
)

const maxBodyBytes = 1_048_576

// decodeJSON reads exactly one JSON object and validates it. It writes the
// error response itself and reports whether the handler may continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := v.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    data,
	})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}
	return userID, true
}

// pageFilter reads limit, before, type and status query parameters.
func pageFilter(r *http.Request) (models.TransactionFilter, error) {
	q := r.URL.Query()
	filter := models.TransactionFilter{Before: q.Get("before")}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return filter, models.NewValidationError("limit", "must be a positive integer")
		}
		filter.Limit = n
	}
	for _, t := range splitParam(q.Get("type")) {
		tt := models.TransactionType(t)
		if !tt.Valid() {
			return filter, models.NewValidationError("type", "unknown transaction type %q", t)
		}
		filter.Types = append(filter.Types, tt)
	}
	for _, s := range splitParam(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, models.TransactionStatus(s))
	}
	return filter, nil
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
