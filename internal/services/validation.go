package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

var decimalPattern = regexp.MustCompile(`^\d+(\.\d{1,8})?$`)

// AmountPlaces is the precision every stored amount is kept at.
const AmountPlaces = 8

func checkAmountPlaces(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(AmountPlaces)) {
		return models.NewValidationError(field, "at most %d decimal places", AmountPlaces)
	}
	return nil
}

// NewValidationHelper creates a new validation helper. Besides the stock
// tags it knows "usdt" (a positive decimal string with at most 8 places).
func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	_ = v.RegisterValidation("usdt", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if !decimalPattern.MatchString(s) {
			return false
		}
		d, err := decimal.NewFromString(s)
		return err == nil && d.IsPositive()
	})
	return &ValidationHelper{
		validator: v,
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response. Details are filled from
// validator errors or a models.ValidationError.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		var fieldErrs validator.ValidationErrors
		var modelErr *models.ValidationError
		switch {
		case errors.As(validationErr, &fieldErrs):
			errorResp.Details = make(map[string]string)
			for _, err := range fieldErrs {
				errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
			}
		case errors.As(validationErr, &modelErr) && modelErr.Field != "":
			errorResp.Details = map[string]string{modelErr.Field: modelErr.Message}
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendServiceError maps a ledger error onto its HTTP status. Unknown errors
// are reported as a bare 500 so internals do not leak.
func SendServiceError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	switch {
	case status == http.StatusInternalServerError:
		SendErrorResponse(w, "Internal server error", status, nil)
	case errors.Is(err, models.ErrValidation):
		SendErrorResponse(w, err.Error(), status, err)
	default:
		SendErrorResponse(w, err.Error(), status, nil)
	}
}
