package market

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/escrow-engine/internal/model"
)

// ErrorCode is the machine-readable error code in API responses.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeGateway           ErrorCode = "GATEWAY_ERROR"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// MapError maps an engine error to an HTTP status and response body.
func MapError(err error) (int, ErrorResponse) {
	var insufficient *model.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired, ErrorResponse{CodeInsufficientFunds, insufficient.Error()}
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{CodeValidation, err.Error()}
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict, ErrorResponse{CodeInvalidState, err.Error()}
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, ErrorResponse{CodeConflict, err.Error()}
	case errors.Is(err, model.ErrAuthorization):
		return http.StatusForbidden, ErrorResponse{CodeForbidden, err.Error()}
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{CodeNotFound, err.Error()}
	case errors.Is(err, model.ErrGateway):
		return http.StatusBadGateway, ErrorResponse{CodeGateway, err.Error()}
	default:
		return http.StatusInternalServerError, ErrorResponse{CodeInternal, "internal error"}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := MapError(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, body)
}

func writeErrorCode(w http.ResponseWriter, status int, code ErrorCode, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
