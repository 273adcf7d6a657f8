package billing

import (
	"encoding/json"
	"errors"
	"net/http"

	billingsvc "github.com/dmitrymomot/tokenbill/svc/billing"
)

// ErrorResponse is the body of every non-webhook error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// serviceError maps lifecycle errors onto HTTP statuses. Anything unknown is
// an internal error and its text is not echoed back.
func serviceError(err error) (int, string, string) {
	switch {
	case errors.Is(err, billingsvc.ErrPlanNotFound):
		return http.StatusNotFound, "plan_not_found", err.Error()
	case errors.Is(err, billingsvc.ErrIntentNotFound):
		return http.StatusNotFound, "intent_not_found", ""
	case errors.Is(err, billingsvc.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found", ""
	case errors.Is(err, billingsvc.ErrPlanNotAvailable):
		return http.StatusForbidden, "plan_not_available", err.Error()
	case errors.Is(err, billingsvc.ErrTrialAlreadyUsed):
		return http.StatusConflict, "trial_already_used", ""
	case errors.Is(err, billingsvc.ErrTrialNotAvailable):
		return http.StatusForbidden, "trial_not_available", ""
	case errors.Is(err, billingsvc.ErrCurrencyNotSupported):
		return http.StatusUnprocessableEntity, "currency_not_supported", err.Error()
	case errors.Is(err, billingsvc.ErrUnknownJob):
		return http.StatusNotFound, "unknown_job", ""
	default:
		return http.StatusInternalServerError, "internal_error", ""
	}
}
