package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mozaiks/core/internal/entitlement"
	"github.com/mozaiks/core/internal/identity"
	"github.com/mozaiks/core/internal/orchestrator"
	"github.com/mozaiks/core/internal/sessions"
)

// errorBody is the structured 4xx/5xx shape spec §7 requires for every
// HTTP failure response.
type errorBody struct {
	Detail     string `json:"detail"`
	ErrorCode  string `json:"error_code"`
	StatusCode int    `json:"status_code"`
}

// writeJSON encodes payload as the response body, matching the
// teacher's write-then-best-effort-encode shape.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Mozaiks-Runtime-Version", "1.0.0")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err to the structured body and status code from
// spec §7's taxonomy and writes it.
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{Detail: err.Error(), ErrorCode: code, StatusCode: status})
}

func classify(err error) (status int, code string) {
	switch {
	case errors.Is(err, identity.ErrMissing):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, identity.ErrInvalidSignature),
		errors.Is(err, identity.ErrExpired),
		errors.Is(err, identity.ErrIssuerMismatch),
		errors.Is(err, identity.ErrAudienceMismatch),
		errors.Is(err, identity.ErrUnsupportedAlg),
		errors.Is(err, identity.ErrKeyNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, entitlement.ErrCapabilityDenied):
		return http.StatusForbidden, "FEATURE_GATED"
	case errors.Is(err, entitlement.ErrTenantIsolation):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, entitlement.ErrLimitExceeded):
		return http.StatusTooManyRequests, "LIMIT_EXCEEDED"
	case errors.Is(err, orchestrator.ErrTokensInsufficient):
		return http.StatusPaymentRequired, "INSUFFICIENT_TOKENS"
	case errors.Is(err, orchestrator.ErrPrerequisiteNotMet):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, sessions.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
